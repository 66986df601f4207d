package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tether/internal/authserver"
	"tether/internal/eventlog"
	"tether/internal/kvstore"
	"tether/internal/session"
	"tether/pkg/oauth"
)

// seedStore writes one client, one session, and one event stream into a
// fresh store and returns the config path locating it.
func seedStore(t *testing.T) (configPath, clientID, sessionID, streamID string) {
	t.Helper()
	configPath = writeTestConfig(t, `
transport: streamable-http
host: 127.0.0.1
port: 8090
storage:
  path: %s/tether.db
auth:
  enabled: false
`)
	ctx := context.Background()

	kv, err := kvstore.Open(ctx, filepath.Join(filepath.Dir(configPath), "tether.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer kv.Close()

	registry := authserver.NewClientRegistry(kv, authserver.ClientRegistryConfig{})
	resp, err := registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "inspector-test",
	})
	if err != nil {
		t.Fatalf("registering client: %v", err)
	}
	clientID = resp.ClientID

	sessionID = "11111111-2222-3333-4444-555555555555"
	store := session.NewStore(kv)
	err = store.PersistSession(ctx, sessionID, session.TransportConfig{
		Host: "127.0.0.1",
		Port: 8090,
	}, "user-1", nil)
	if err != nil {
		t.Fatalf("persisting session: %v", err)
	}

	streamID = eventlog.NewStreamID()
	if _, err := eventlog.New(kv).StoreEvent(ctx, streamID, []byte(`{"jsonrpc":"2.0"}`)); err != nil {
		t.Fatalf("storing event: %v", err)
	}
	return configPath, clientID, sessionID, streamID
}

func runInspect(t *testing.T, sub *cobra.Command, run func(*cobra.Command, []string) error, configPath, output string) string {
	t.Helper()
	origPath, origOutput := inspectConfigPath, inspectOutput
	defer func() { inspectConfigPath, inspectOutput = origPath, origOutput }()
	inspectConfigPath = configPath
	inspectOutput = output

	var buf bytes.Buffer
	sub.SetOut(&buf)
	sub.SetErr(&buf)
	defer sub.SetOut(nil)
	defer sub.SetErr(nil)

	if err := run(sub, []string{}); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	return buf.String()
}

func TestInspectClientsJSON(t *testing.T) {
	configPath, clientID, _, _ := seedStore(t)

	output := runInspect(t, inspectClientsCmd, runInspectClients, configPath, "json")

	var clients []map[string]interface{}
	if err := json.Unmarshal([]byte(output), &clients); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, output)
	}
	if len(clients) != 1 {
		t.Fatalf("Expected 1 client, got %d", len(clients))
	}
	if clients[0]["client_id"] != clientID {
		t.Errorf("Expected client id %s, got %v", clientID, clients[0]["client_id"])
	}
	if clients[0]["client_name"] != "inspector-test" {
		t.Errorf("Expected client name inspector-test, got %v", clients[0]["client_name"])
	}
	if _, present := clients[0]["client_secret"]; present {
		t.Error("Expected client secret to be redacted")
	}
}

func TestInspectClientsTable(t *testing.T) {
	configPath, clientID, _, _ := seedStore(t)

	output := runInspect(t, inspectClientsCmd, runInspectClients, configPath, "table")

	for _, want := range []string{"CLIENT ID", "inspector-test", "confidential", clientID} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected table to contain %q, got:\n%s", want, output)
		}
	}
}

func TestInspectSessionsJSON(t *testing.T) {
	configPath, _, sessionID, _ := seedStore(t)

	output := runInspect(t, inspectSessionsCmd, runInspectSessions, configPath, "json")

	var sessions []map[string]interface{}
	if err := json.Unmarshal([]byte(output), &sessions); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, output)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if sessions[0]["session_id"] != sessionID {
		t.Errorf("Expected session id %s, got %v", sessionID, sessions[0]["session_id"])
	}
	if sessions[0]["user_id"] != "user-1" {
		t.Errorf("Expected user id user-1, got %v", sessions[0]["user_id"])
	}
	if sessions[0]["active"] != true {
		t.Errorf("Expected active session, got %v", sessions[0]["active"])
	}
}

func TestInspectEventsYAML(t *testing.T) {
	configPath, _, _, streamID := seedStore(t)

	output := runInspect(t, inspectEventsCmd, runInspectEvents, configPath, "yaml")

	var streams []map[string]interface{}
	if err := yaml.Unmarshal([]byte(output), &streams); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, output)
	}
	if len(streams) != 1 {
		t.Fatalf("Expected 1 stream, got %d", len(streams))
	}
	if streams[0]["stream_id"] != streamID {
		t.Errorf("Expected stream id %s, got %v", streamID, streams[0]["stream_id"])
	}
	if id, ok := streams[0]["last_event_id"].(string); !ok || id == "" {
		t.Errorf("Expected a last event id, got %v", streams[0]["last_event_id"])
	}
}

func TestInspectEmptyStore(t *testing.T) {
	configPath := writeTestConfig(t, `
transport: streamable-http
host: 127.0.0.1
port: 8090
storage:
  path: %s/tether.db
auth:
  enabled: false
`)

	output := runInspect(t, inspectClientsCmd, runInspectClients, configPath, "table")
	if !strings.Contains(output, "No clients registered") {
		t.Errorf("Expected empty-store message, got %q", output)
	}

	output = runInspect(t, inspectClientsCmd, runInspectClients, configPath, "json")
	if strings.TrimSpace(output) != "[]" {
		t.Errorf("Expected empty JSON array, got %q", output)
	}
}

func TestInspectRejectsUnknownFormat(t *testing.T) {
	configPath, _, _, _ := seedStore(t)

	origPath, origOutput := inspectConfigPath, inspectOutput
	defer func() { inspectConfigPath, inspectOutput = origPath, origOutput }()
	inspectConfigPath = configPath
	inspectOutput = "xml"

	var buf bytes.Buffer
	inspectClientsCmd.SetOut(&buf)
	defer inspectClientsCmd.SetOut(nil)

	err := runInspectClients(inspectClientsCmd, []string{})
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("Expected unknown format error, got %v", err)
	}
}
