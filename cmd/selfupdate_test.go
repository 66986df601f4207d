package cmd

import (
	"strings"
	"testing"
)

func TestSelfUpdateCommandProperties(t *testing.T) {
	cmd := newSelfUpdateCmd()

	if cmd.Use != "selfupdate" {
		t.Errorf("Expected Use to be 'selfupdate', got %s", cmd.Use)
	}
	if cmd.RunE == nil {
		t.Error("Expected RunE to be set")
	}
	if cmd.Flags().Lookup("check") == nil {
		t.Error("Expected --check flag to be registered")
	}
}

func TestSelfUpdateRejectsDevVersion(t *testing.T) {
	origVersion := rootCmd.Version
	defer func() { rootCmd.Version = origVersion }()

	for _, version := range []string{"", "dev"} {
		rootCmd.Version = version
		cmd := newSelfUpdateCmd()
		err := runSelfUpdate(cmd, []string{})
		if err == nil || !strings.Contains(err.Error(), "development version") {
			t.Errorf("Expected development version error for %q, got %v", version, err)
		}
	}
}
