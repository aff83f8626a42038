package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/h1v3-io/holdline/internal/agent"
	"github.com/h1v3-io/holdline/internal/issuer"
	"github.com/h1v3-io/holdline/internal/provider"
	"github.com/h1v3-io/holdline/internal/tool"
	"github.com/h1v3-io/holdline/pkg/client"
	"github.com/h1v3-io/holdline/pkg/interceptor"
	"github.com/h1v3-io/holdline/pkg/poller"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

const defaultInstructions = `You are an operations assistant. Use request_approval before any action
that needs a human decision and start_job for work that takes a while. Wait for
the outcome the tool reports before telling the user what happened.`

// --- run ---

func newRunCmd(g *globals) *cobra.Command {
	var (
		session, instructions string
		llmURL, llmKey, model string
		maxTokens, attempts   int
		interval              time.Duration
		showEvents            bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run an agent whose long-running tools wait on holdline tickets",
		Long: `Run sends the prompt to an OpenAI-compatible model with the request_approval,
start_job and check_ticket tools. Tickets are issued through the daemon; the
agent resumes with each ticket's outcome once it resolves or polling gives up.

Environment:
  HOLDLINE_LLM_URL       Chat completions base URL (default: https://api.openai.com/v1)
  HOLDLINE_LLM_API_KEY   Provider API key`,
		Args: cobra.MinimumNArgs(1),
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
			if session == "" {
				session = "cli-" + uuid.NewString()[:8]
			}
			logger := g.logger()

			iss := remoteIssuer{c: c}
			reg := tool.NewRegistry()
			for _, t := range []tool.Tool{
				&tool.RequestApprovalTool{Issuer: iss},
				&tool.StartJobTool{Issuer: iss},
				&tool.CheckTicketTool{Tickets: c},
			} {
				if err := reg.Register(t); err != nil {
					return err
				}
			}

			prov := provider.NewOpenAI(provider.Config{
				BaseURL:   envOr(llmURL, "HOLDLINE_LLM_URL"),
				APIKey:    envOr(llmKey, "HOLDLINE_LLM_API_KEY"),
				Model:     model,
				MaxTokens: maxTokens,
			})
			a := agent.New(protocol.AgentSpec{ID: "holdlinectl", Instructions: instructions}, prov, reg)
			a.Logger = logger
			a.SessionID = session
			a.Interceptor = interceptor.New(poller.New(c, policy, poller.WithLogger(logger)), logger)
			if showEvents {
				errOut := cmd.ErrOrStderr()
				a.Events = func(ev protocol.Event) {
					if data, err := json.Marshal(ev); err == nil {
						fmt.Fprintln(errOut, string(data))
					}
				}
			}

			logger.Info("agent run starting", "session", session, "provider", prov.Name())
			answer, err := a.Run(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Session id for issued tickets (default: random)")
	cmd.Flags().StringVar(&instructions, "instructions", defaultInstructions, "System instructions")
	cmd.Flags().StringVar(&llmURL, "llm-url", "", "Chat completions base URL")
	cmd.Flags().StringVar(&llmKey, "llm-key", "", "Provider API key")
	cmd.Flags().StringVar(&model, "model", provider.DefaultModel, "Model name")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Completion token limit (0 = provider default)")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Poll attempts per ticket, 1-15 (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between polls (default from config)")
	cmd.Flags().BoolVar(&showEvents, "events", false, "Print agent events to stderr as JSON lines")
	return cmd
}

// remoteIssuer mints tickets through the daemon's API, which stores each
// ticket before answering so the poller can read it at once.
type remoteIssuer struct {
	c *client.Client
}

func (r remoteIssuer) Issue(ctx context.Context, req issuer.Request) (issuer.Receipt, error) {
	rcpt, err := r.c.Issue(ctx, client.IssueRequest{
		Kind:        req.Kind,
		Description: req.Description,
		SessionID:   req.Correlation.SessionID,
		CallID:      req.Correlation.CallID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return issuer.Receipt{}, err
	}
	return issuer.Receipt{Status: rcpt.Status, TicketID: rcpt.TicketID, TicketKind: rcpt.TicketKind}, nil
}

func envOr(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}
