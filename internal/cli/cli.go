// ============================================================================
// Beaver-Timer CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the scheduler daemon and its clients
//
// Command Structure:
//   beaver-timer                   # Root command
//   ├── run                        # Start the scheduler daemon
//   ├── status                     # Summary of a running daemon
//   ├── sessions                   # Table of sessions
//   ├── send                       # Send a session or timer command
//   ├── move                       # Move a session up/down among its siblings
//   ├── export                     # Write the three collections to a snapshot file
//   ├── import                     # Upsert a snapshot file into the store
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Client commands (status, sessions, send, move) talk JSON-RPC to the
// daemon at server.addr using server.token. export and import open the
// SQLite store directly and work with or without a daemon.
//
// Examples:
//   ./beaver-timer run -c configs/default.yaml
//   ./beaver-timer send 6f1c... TO_INTERVAL_MODE
//   ./beaver-timer send 6f1c... CHANGE_TITLE "Deep work"
//   ./beaver-timer send --timer 9a2b... START --duration 10m
//   ./beaver-timer export -o backup.json --keep 5
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-timer/internal/config"
	"github.com/ChuLiYu/beaver-timer/internal/server"
	"github.com/ChuLiYu/beaver-timer/internal/session"
	"github.com/ChuLiYu/beaver-timer/internal/snapshot"
	"github.com/ChuLiYu/beaver-timer/internal/storage/docstore"
)

// Version is injected at build time with -ldflags "-X .../internal/cli.Version=..."
var Version = "dev"

var configFile string

const rpcTimeout = 10 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-timer",
		Short: "Beaver-Timer: an interval timer and session scheduler",
		Long: `Beaver-Timer runs interval timer sessions with:
- Document-driven sessions and timers persisted in SQLite
- Finish records journaled before persistence
- JSON-RPC control and gRPC health checks
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSessionsCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildMoveCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildImportCommand())

	return rootCmd
}

// loadConfig loads the config file; a missing default file falls back to
// built-in defaults plus environment overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// Client commands
// ============================================================================

// bearerClient adds the daemon token to every request.
type bearerClient struct {
	token string
	http  *http.Client
}

func (c bearerClient) Do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func newRPCClient(cfg *config.Config) *jrpc2.Client {
	url := "http://" + cfg.Server.Addr + "/rpc"
	ch := jhttp.NewChannel(url, &jhttp.ChannelOptions{
		Client: bearerClient{token: cfg.Server.Token, http: &http.Client{Timeout: rpcTimeout}},
	})
	return jrpc2.NewClient(ch, nil)
}

// call runs one RPC against the daemon named in the config.
func call(cmd *cobra.Command, method string, params, result any) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client := newRPCClient(cfg)
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	if err := client.CallResult(ctx, method, params, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Display the coordinator phase, sessions and running timers of a daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ver server.VersionResult
			if err := call(cmd, "system.getVersion", nil, &ver); err != nil {
				return err
			}
			var list server.SessionsResult
			if err := call(cmd, "sessions.list", nil, &list); err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), cfg, ver, list.Sessions)
			return nil
		},
	}
}

func printStatus(w io.Writer, cfg *config.Config, ver server.VersionResult, sessions []session.State) {
	fmt.Fprintf(w, "Beaver-Timer %s at %s\n", ver.Version, cfg.Server.Addr)
	fmt.Fprintf(w, "  Phase:    %s\n", ver.Phase)
	if info, err := os.Stat(cfg.StoragePath()); err == nil {
		fmt.Fprintf(w, "  Store:    %s (%s)\n", cfg.StoragePath(), humanize.Bytes(uint64(info.Size())))
	}
	if info, err := os.Stat(cfg.JournalPath()); err == nil {
		fmt.Fprintf(w, "  Journal:  %s (%s)\n", cfg.JournalPath(), humanize.Bytes(uint64(info.Size())))
	}
	fmt.Fprintf(w, "  Sessions: %s\n", humanize.Comma(int64(len(sessions))))

	for _, s := range sessions {
		fmt.Fprintf(w, "\n%s [%s] loop %d, goal %s\n", s.Doc.Title, s.Mode, s.Loop, formatMillis(s.TotalGoal))
		for i, t := range s.Queue {
			marker := " "
			if i == s.Cursor {
				marker = ">"
			}
			line := fmt.Sprintf("  %s %-20s %-8s %s", marker, t.Doc.Label, t.ClockName, formatMillis(t.TimeLeft))
			if t.StartedAt != nil && t.ClockName == "running" {
				line += ", started " + humanize.Time(*t.StartedAt)
			}
			fmt.Fprintln(w, line)
		}
	}
}

func buildSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list server.SessionsResult
			if err := call(cmd, "sessions.list", nil, &list); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tINDEX\tTITLE\tMODE\tTIMERS\tCURRENT\tLOOP")
			for _, s := range list.Sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
					s.ID, s.Doc.Index, s.Doc.Title, s.Mode, len(s.QueueIDs), s.CurrentTimerID(), s.Loop)
			}
			return tw.Flush()
		},
	}
}

func buildSendCommand() *cobra.Command {
	var timerID string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "send [SESSION_ID] COMMAND [ARG]",
		Short: "Send a command to a session or, with --timer, to a timer",
		Long: `Session commands: RESTART_SESSION, ADD, START_CURRENT, TOGGLE_EDIT, TOGGLE_MODAL,
TOGGLE_SIDEWAYS, TOGGLE_STATISTICS, TOGGLE_RESTART, TO_FREE_MODE, TO_INTERVAL_MODE,
CLOSE_TIMER_MODAL, COLLAPSE_TIMERS, OPEN_TIMERS, and CHANGE_TITLE, OPEN_TIMER_MODAL,
REMOVE_TIMER which take an argument.

Timer commands (--timer): START, PAUSE, RESUME, RESET, TOGGLE_COLLAPSE.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if timerID != "" {
				if len(args) != 1 {
					return fmt.Errorf("with --timer, pass exactly one command")
				}
				params := server.TimerSendParams{ID: timerID, Command: args[0]}
				if duration > 0 {
					ms := duration.Milliseconds()
					params.Duration = &ms
				}
				return call(cmd, "timer.send", params, &server.EmptyResult{})
			}
			if len(args) < 2 {
				return fmt.Errorf("usage: send SESSION_ID COMMAND [ARG]")
			}
			params := server.SessionSendParams{ID: args[0], Command: args[1]}
			if len(args) == 3 {
				params.Arg = args[2]
			}
			return call(cmd, "session.send", params, &server.EmptyResult{})
		},
	}

	cmd.Flags().StringVar(&timerID, "timer", "", "timer id; sends a timer command instead")
	cmd.Flags().DurationVar(&duration, "duration", 0, "START override duration")
	return cmd
}

func buildMoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "move SESSION_ID up|down",
		Short: "Swap a session with its neighbouring sibling",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, "session.move", server.MoveParams{ID: args[0], Direction: args[1]}, &server.EmptyResult{})
		},
	}
}

// ============================================================================
// Offline data commands
// ============================================================================

func buildExportCommand() *cobra.Command {
	var out string
	var keep int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export sessions, timers and records to a snapshot file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := docstore.Open(cfg.StoragePath())
			if err != nil {
				return err
			}
			defer store.Close()

			data, err := snapshot.Export(cmd.Context(), store)
			if err != nil {
				return err
			}
			manager := snapshot.NewManager(afero.NewOsFs(), out)
			if err := manager.WriteWithBackup(data, keep); err != nil {
				return fmt.Errorf("failed to write snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d sessions, %d timers, %d records to %s\n",
				len(data.Sessions), len(data.Timers), len(data.Records), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "beaver-export.json", "snapshot file to write")
	cmd.Flags().IntVar(&keep, "keep", 3, "number of previous exports to keep as backups")
	return cmd
}

func buildImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert a JSON or YAML snapshot into the store",
		Long:  "Documents are upserted by id. A running daemon sees the change on restart, or immediately when FILE is its watched seed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := snapshot.ReadFile(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}
			store, err := docstore.Open(cfg.StoragePath())
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := snapshot.Import(cmd.Context(), store, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d documents from %s\n", n, args[0])
			return nil
		},
	}
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
