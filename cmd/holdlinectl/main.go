package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/holdline/internal/config"
	"github.com/h1v3-io/holdline/internal/issuer"
	"github.com/h1v3-io/holdline/internal/relay"
	"github.com/h1v3-io/holdline/pkg/client"
	"github.com/h1v3-io/holdline/pkg/poller"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// version is set at build time via ldflags.
var version = "dev"

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	url        string
	apiKey     string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "holdlinectl",
		Short: "Inspect and resolve holdline tickets",
		Long: `holdlinectl talks to a running holdlined over its HTTP API.

Environment:
  HOLDLINE_URL              Daemon URL (default: http://localhost:8080)
  HOLDLINE_CLIENT_API_KEY   API key for authentication`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to config JSONC file")
	root.PersistentFlags().StringVar(&g.url, "url", "", "Daemon URL (overrides config)")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", "", "API key (overrides config)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(
		newTicketsCmd(g),
		newPollCmd(g),
		newWatchCmd(g),
		newIssueCmd(g),
		newRunCmd(g),
		newHealthCmd(g),
		newConfigCmd(),
	)
	return root
}

// --- tickets ---

func newTicketsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List, show and resolve tickets",
	}

	var kind, status, session string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List tickets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.ListOptions{SessionID: session, Limit: limit}
			if kind != "" {
				k, err := protocol.ParseKind(kind)
				if err != nil {
					return err
				}
				opts.Kind = k
			}
			if status != "" {
				s, err := protocol.ParseStatus(status)
				if err != nil {
					return err
				}
				opts.Status = s
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			tickets, err := c.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printTickets(cmd.OutOrStdout(), tickets)
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "Filter by kind (approval|job)")
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().StringVar(&session, "session", "", "Filter by session id")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "Max results")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			t, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}

	var result string
	resolve := &cobra.Command{
		Use:   "resolve <id> <status>",
		Short: "Apply a terminal status to a ticket",
		Long: `Resolve applies approved, rejected, completed or error to a ticket.
Approvals accept approved, rejected and error; jobs accept completed and error.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := protocol.ParseStatus(args[1])
			if err != nil {
				return err
			}
			raw, err := parseResult(result)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			t, err := c.Resolve(cmd.Context(), args[0], st, raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", t.ID, t.Status)
			return nil
		},
	}
	resolve.Flags().StringVarP(&result, "result", "r", "", "Result as JSON (plain text is wrapped as a string)")

	start := &cobra.Command{
		Use:   "start <id>",
		Short: "Mark a job ticket running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			t, err := c.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", t.ID, t.Status)
			return nil
		},
	}

	cmd.AddCommand(list, get, resolve, start)
	return cmd
}

// --- poll ---

func newPollCmd(g *globals) *cobra.Command {
	var attempts int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "poll <id>",
		Short: "Wait for a ticket to resolve",
		Long: `Poll reads the ticket until it reaches a terminal status or the attempts
run out. It exits non-zero when the ticket is unknown or still unresolved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			policy := poller.Policy{MaxAttempts: cfg.Poll.MaxAttempts, Interval: cfg.Poll.Interval.D()}
			if cmd.Flags().Changed("attempts") {
				policy.MaxAttempts = attempts
			}
			if cmd.Flags().Changed("interval") {
				policy.Interval = interval
			}
			if err := policy.Validate(); err != nil {
				return err
			}

			c, err := g.client()
			if err != nil {
				return err
			}
			p := poller.New(c, policy, poller.WithLogger(g.logger()))
			out, err := p.Poll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !out.Resolved {
				return fmt.Errorf("%s still %s after %d attempts", out.TicketID, out.Status, out.Attempts)
			}
			if out.Ticket != nil {
				return printJSON(cmd.OutOrStdout(), out.Ticket)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", out.TicketID, out.Status)
			return nil
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Max attempts, 1-15 (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between attempts (default from config)")
	return cmd
}

// --- watch ---

func newWatchCmd(g *globals) *cobra.Command {
	var heartbeats bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream ticket events as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = c.Watch(cmd.Context(), func(ev client.Event) error {
				if ev.Name == "heartbeat" && !heartbeats {
					return nil
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", time.Now().Format(time.TimeOnly), ev.Name, ev.Data)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&heartbeats, "heartbeats", false, "Also print heartbeat frames")
	return cmd
}

// --- issue ---

func newIssueCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Publish a ticket request on the relay",
		Long: `Issue publishes an approval or job request envelope directly on the relay,
the same way a tool host does. The daemon's consumer records the ticket.`,
	}
	cmd.AddCommand(
		newIssueKindCmd(g, protocol.KindApproval, "approval <description>", "Request a human approval"),
		newIssueKindCmd(g, protocol.KindJob, "job <description>", "Announce a long-running job"),
	)
	return cmd
}

func newIssueKindCmd(g *globals, kind protocol.Kind, use, short string) *cobra.Command {
	var session, callID, metadata string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			var meta map[string]any
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
					return fmt.Errorf("--metadata must be a JSON object: %w", err)
				}
			}

			ctx := cmd.Context()
			logger := g.logger()
			codec, err := relay.CodecByName(cfg.Relay.Codec)
			if err != nil {
				return err
			}
			transport, err := relay.Dial(ctx, relay.DialConfig{
				Driver:   cfg.Relay.Driver,
				Addr:     cfg.Relay.Addr,
				Password: cfg.Relay.Password,
				DB:       cfg.Relay.DB,
				DSN:      cfg.Relay.DSN,
			}, logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			iss := issuer.New(relay.NewPublisher(transport, codec, relay.Channels{
				Approval: cfg.Relay.Channels.Approval,
				Job:      cfg.Relay.Channels.Job,
				Status:   cfg.Relay.Channels.Status,
			}), issuer.Config{
				PublishTimeout: cfg.Issuer.PublishTimeout.D(),
				OutboxSize:     1,
				Logger:         logger,
			})
			receipt, err := iss.Issue(ctx, issuer.Request{
				Kind:        kind,
				Description: strings.Join(args, " "),
				Correlation: protocol.Correlation{SessionID: session, CallID: callID},
				Metadata:    meta,
			})
			if err != nil {
				return err
			}
			// A failed publish is queued; give it one more try before giving up.
			if iss.Outbox().Len() > 0 && iss.Outbox().Flush(ctx) == 0 {
				return fmt.Errorf("publish %s: relay unavailable", receipt.TicketID)
			}
			return printJSON(cmd.OutOrStdout(), receipt)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Session id to correlate with")
	cmd.Flags().StringVar(&callID, "call", "", "Function call id to correlate with")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Metadata as a JSON object")
	return cmd
}

// --- health / config ---

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if h != nil {
				if perr := printJSON(cmd.OutOrStdout(), h); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return fmt.Errorf("invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	})
	return cmd
}

// --- Helpers ---

func (g *globals) config() (*config.Config, error) {
	if g.configPath != "" {
		return config.Load(g.configPath)
	}
	return config.LoadFromEnv()
}

func (g *globals) client() (*client.Client, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	base := cfg.Client.BaseURL
	if g.url != "" {
		base = g.url
	}
	key := cfg.Client.APIKey
	if g.apiKey != "" {
		key = g.apiKey
	}
	return client.New(strings.TrimRight(base, "/"), client.WithAPIKey(key)), nil
}

func (g *globals) logger() *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printTickets(w io.Writer, tickets []*protocol.Ticket) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tUPDATED\tDESCRIPTION")
	for _, t := range tickets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Kind, t.Status, t.UpdatedAt.Local().Format(time.DateTime), truncate(t.Description, 60))
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// parseResult accepts JSON, or wraps anything else as a JSON string.
func parseResult(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}
	return json.Marshal(s)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
