// Package agent runs a tool-calling loop against an LLM provider. Calls to
// long-running tools are routed through the interceptor so the loop resumes
// with the ticket's resolution instead of the pending receipt.
package agent

import (
	"context"
	"log/slog"

	"github.com/h1v3-io/holdline/internal/tool"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

const defaultMaxIterations = 20

// Provider is the abstraction over LLM APIs.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	Name() string
}

// Observer processes loop events and returns them, followed by any synthetic
// resumptions. *interceptor.Interceptor implements it.
type Observer interface {
	Observe(ctx context.Context, ev protocol.Event) ([]protocol.Event, error)
}

// EventSink receives every event the loop emits, synthetic ones included.
type EventSink func(protocol.Event)

// Agent is a single AI agent with its own spec, provider, and tools.
type Agent struct {
	Spec          protocol.AgentSpec
	Provider      Provider
	Tools         *tool.Registry
	Logger        *slog.Logger
	MaxIterations int
	// SessionID correlates the tickets this agent issues.
	SessionID string
	// Interceptor, when set, resumes long-running calls before the next
	// provider round.
	Interceptor Observer
	Events      EventSink
}

// New creates a new Agent with sensible defaults.
func New(spec protocol.AgentSpec, prov Provider, tools *tool.Registry) *Agent {
	return &Agent{
		Spec:          spec,
		Provider:      prov,
		Tools:         tools,
		Logger:        slog.Default(),
		MaxIterations: defaultMaxIterations,
	}
}
