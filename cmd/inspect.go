package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tether/internal/authserver"
	"tether/internal/config"
	"tether/internal/eventlog"
	"tether/internal/kvstore"
	"tether/internal/session"
	"tether/pkg/logging"
)

// Output formats accepted by --output.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var (
	inspectConfigPath string
	inspectOutput     string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect the persistent store",
	Long: `Read-only views of the persistent store: registered OAuth clients,
persisted MCP sessions, and event streams. The store is opened
directly; the server does not need to be running.

An invalid configuration file still locates the store, so inspect
works on configurations that 'tether serve' would refuse to boot.`,
}

var inspectClientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List registered OAuth clients",
	Args:  cobra.NoArgs,
	RunE:  runInspectClients,
}

var inspectSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted MCP sessions",
	Args:  cobra.NoArgs,
	RunE:  runInspectSessions,
}

var inspectEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List event streams",
	Args:  cobra.NoArgs,
	RunE:  runInspectEvents,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectClientsCmd, inspectSessionsCmd, inspectEventsCmd)

	inspectCmd.PersistentFlags().StringVar(&inspectConfigPath, "config", "", "Configuration file (default ~/.config/tether/config.yaml)")
	inspectCmd.PersistentFlags().StringVarP(&inspectOutput, "output", "o", outputTable, "Output format (table, json, yaml)")
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openStore locates the database via the configuration and opens it.
// Validation failures are tolerated: a config that serve would reject
// still names a store worth inspecting.
func openStore(cmd *cobra.Command) (*kvstore.Store, error) {
	logging.InitForCLI(logging.LevelError, cmd.ErrOrStderr())

	path := inspectConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("resolving default config path: %w", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		var validationErr *config.ValidationError
		if !errors.As(err, &validationErr) {
			return nil, err
		}
	}

	kv, err := kvstore.Open(cmdContext(cmd), cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.Storage.Path, err)
	}
	return kv, nil
}

func runInspectClients(cmd *cobra.Command, args []string) error {
	kv, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	registry := authserver.NewClientRegistry(kv, authserver.ClientRegistryConfig{})
	clients, err := registry.ListClients(cmdContext(cmd))
	if err != nil {
		return err
	}
	// Secrets never leave the store.
	for _, c := range clients {
		c.ClientSecret = ""
	}

	if inspectOutput != outputTable {
		return renderStructured(cmd, clients)
	}
	if len(clients) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), text.FgYellow.Sprint("No clients registered"))
		return nil
	}

	t := newInspectTable(cmd)
	t.AppendHeader(table.Row{"CLIENT ID", "NAME", "TYPE", "REDIRECT URIS", "CREATED", "STATUS"})
	for _, c := range clients {
		clientType := "confidential"
		if c.IsPublic() {
			clientType = "public"
		}
		status := "active"
		if c.Revoked {
			status = "revoked"
		}
		t.AppendRow(table.Row{
			c.ClientID,
			c.ClientName,
			clientType,
			strings.Join(c.RedirectURIs, "\n"),
			c.CreatedAt.Format(time.RFC3339),
			status,
		})
	}
	t.Render()
	return nil
}

func runInspectSessions(cmd *cobra.Command, args []string) error {
	kv, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	store := session.NewStore(kv)
	sessions, err := store.ListSessions(cmdContext(cmd))
	if err != nil {
		return err
	}

	if inspectOutput != outputTable {
		return renderStructured(cmd, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), text.FgYellow.Sprint("No persisted sessions"))
		return nil
	}

	t := newInspectTable(cmd)
	t.AppendHeader(table.Row{"SESSION ID", "USER", "ACTIVE", "TRANSPORT", "CREATED", "LAST ACTIVITY"})
	for _, s := range sessions {
		user := s.UserID
		if user == "" {
			user = "anonymous"
		}
		t.AppendRow(table.Row{
			s.SessionID,
			user,
			s.Active,
			fmt.Sprintf("%s:%d", s.Transport.Host, s.Transport.Port),
			s.CreatedAt.Format(time.RFC3339),
			s.LastActivity.Format(time.RFC3339),
		})
	}
	t.Render()
	return nil
}

func runInspectEvents(cmd *cobra.Command, args []string) error {
	kv, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	log := eventlog.New(kv)
	streams, err := log.ListStreams(cmdContext(cmd))
	if err != nil {
		return err
	}

	if inspectOutput != outputTable {
		return renderStructured(cmd, streams)
	}
	if len(streams) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), text.FgYellow.Sprint("No event streams"))
		return nil
	}

	t := newInspectTable(cmd)
	t.AppendHeader(table.Row{"STREAM ID", "LAST EVENT ID", "LAST EVENT AT"})
	for _, s := range streams {
		t.AppendRow(table.Row{
			s.StreamID,
			s.LastEventID,
			s.LastEventAt.Format(time.RFC3339),
		})
	}
	t.Render()
	return nil
}

func newInspectTable(cmd *cobra.Command) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	return t
}

// renderStructured emits the records as JSON or YAML. YAML goes through
// a JSON round-trip so both formats share the records' json field
// names.
func renderStructured(cmd *cobra.Command, v interface{}) error {
	switch inspectOutput {
	case outputJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	case outputYAML:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var tree interface{}
		if err := json.Unmarshal(data, &tree); err != nil {
			return err
		}
		out, err := yaml.Marshal(tree)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	default:
		return fmt.Errorf("unknown output format %q (valid: %s, %s, %s)",
			inspectOutput, outputTable, outputJSON, outputYAML)
	}
}
