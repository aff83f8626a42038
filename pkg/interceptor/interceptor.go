// Package interceptor watches an agent's event stream for long-running tool
// calls and, once their ticket resolves, emits a synthetic tool-result event
// so the agent resumes exactly once per call.
package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/h1v3-io/holdline/pkg/poller"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// State is the interceptor's global state.
type State string

const (
	StateIdle         State = "IDLE"
	StateAwaitingCall State = "AWAITING_CALL"
)

// Phase is the state of one tracked call.
type Phase string

const (
	PhaseCallSeen Phase = "CALL_SEEN"
	PhasePolling  Phase = "POLLING"
	PhaseResumed  Phase = "RESUMED"
)

// Poller resolves a ticket. *poller.Poller implements it.
type Poller interface {
	Poll(ctx context.Context, id string) (poller.Outcome, error)
}

// correlation tracks one long-running call.
type correlation struct {
	callID     string
	name       string
	phase      Phase
	ticketID   string
	ticketKind protocol.Kind
	author     string
	part       protocol.Part // copy of the tool-result part
}

// Interceptor is safe for concurrent use.
type Interceptor struct {
	poller Poller
	logger *slog.Logger

	mu        sync.Mutex
	calls     map[string]*correlation
	resumed   map[string]struct{}
	streaming int
}

// New creates an Interceptor that waits on tickets through p.
func New(p Poller, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		poller:  p,
		logger:  logger.With("component", "interceptor"),
		calls:   make(map[string]*correlation),
		resumed: make(map[string]struct{}),
	}
}

// State returns IDLE when nothing is tracked and no stream is running.
func (i *Interceptor) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.calls) == 0 && i.streaming == 0 {
		return StateIdle
	}
	return StateAwaitingCall
}

// Phase returns the phase of callID. Resumed calls report PhaseResumed.
func (i *Interceptor) Phase(callID string) (Phase, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.resumed[callID]; ok {
		return PhaseResumed, true
	}
	if c, ok := i.calls[callID]; ok {
		return c.phase, true
	}
	return "", false
}

// Observe passes ev through and, when ev carries the ticket receipt of a
// tracked call, polls the ticket inline and appends the synthetic resumption.
// The first returned event is always ev itself.
func (i *Interceptor) Observe(ctx context.Context, ev protocol.Event) ([]protocol.Event, error) {
	out := []protocol.Event{ev}
	for _, c := range i.track(ev) {
		synth, err := i.wait(ctx, c)
		if err != nil {
			return out, err
		}
		if synth != nil {
			out = append(out, *synth)
		}
	}
	return out, nil
}

// Stream passes every event from in to the returned channel and polls each
// tracked ticket in its own goroutine, emitting synthetic events as they
// resolve. The returned channel closes once in is closed and every poll has
// finished, or ctx is done.
func (i *Interceptor) Stream(ctx context.Context, in <-chan protocol.Event) <-chan protocol.Event {
	out := make(chan protocol.Event)

	i.mu.Lock()
	i.streaming++
	i.mu.Unlock()

	var wg sync.WaitGroup
	emit := func(ev protocol.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer func() {
			wg.Wait()
			i.mu.Lock()
			i.streaming--
			i.mu.Unlock()
			close(out)
		}()
		for {
			var ev protocol.Event
			var ok bool
			select {
			case ev, ok = <-in:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
			pending := i.track(ev)
			if !emit(ev) {
				return
			}
			for _, c := range pending {
				wg.Add(1)
				go func() {
					defer wg.Done()
					synth, err := i.wait(ctx, c)
					if err != nil {
						i.logger.Warn("resumption abandoned", "call", c.callID, "ticket", c.ticketID, "error", err)
						return
					}
					if synth != nil {
						emit(*synth)
					}
				}()
			}
		}
	}()
	return out
}

// track advances correlations for ev and returns those that moved to POLLING.
func (i *Interceptor) track(ev protocol.Event) []*correlation {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, fc := range ev.FunctionCalls() {
		if !ev.IsLongRunning(fc.ID) {
			continue
		}
		if _, done := i.resumed[fc.ID]; done {
			continue
		}
		if _, ok := i.calls[fc.ID]; ok {
			continue
		}
		i.calls[fc.ID] = &correlation{callID: fc.ID, name: fc.Name, phase: PhaseCallSeen}
		i.logger.Debug("long-running call seen", "call", fc.ID, "tool", fc.Name)
	}

	var polling []*correlation
	for _, fr := range ev.FunctionResponses() {
		if _, done := i.resumed[fr.ID]; done {
			i.logger.Debug("duplicate response for resumed call ignored", "call", fr.ID)
			continue
		}
		c, ok := i.calls[fr.ID]
		if !ok || c.phase != PhaseCallSeen {
			continue
		}
		ticketID, _ := fr.Response["ticket_id"].(string)
		if ticketID == "" {
			// The tool failed before issuing a ticket; nothing to wait for.
			delete(i.calls, fr.ID)
			i.logger.Debug("long-running call returned no ticket", "call", fr.ID)
			continue
		}
		kind, _ := fr.Response["ticket_kind"].(string)

		c.phase = PhasePolling
		c.ticketID = ticketID
		c.ticketKind = protocol.Kind(kind)
		c.author = ev.Author
		c.part = protocol.Part{FunctionResponse: fr}.Clone()
		polling = append(polling, c)
		i.logger.Info("waiting on ticket", "call", c.callID, "ticket", ticketID, "kind", kind)
	}
	return polling
}

// wait polls c's ticket and builds its resumption. It returns nil, nil when
// the call was already resumed.
func (i *Interceptor) wait(ctx context.Context, c *correlation) (*protocol.Event, error) {
	out, err := i.poller.Poll(ctx, c.ticketID)
	if err != nil && !errors.Is(err, poller.ErrTicketNotFound) {
		i.mu.Lock()
		if i.calls[c.callID] == c {
			delete(i.calls, c.callID)
		}
		i.mu.Unlock()
		return nil, fmt.Errorf("interceptor: poll %s: %w", c.ticketID, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, done := i.resumed[c.callID]; done {
		return nil, nil
	}
	delete(i.calls, c.callID)
	i.resumed[c.callID] = struct{}{}
	c.phase = PhaseResumed

	ev := synthesize(c, out, err)
	i.logger.Info("call resumed", "call", c.callID, "ticket", c.ticketID, "status", ev.Parts[0].FunctionResponse.Response["status"])
	return &ev, nil
}

func synthesize(c *correlation, out poller.Outcome, pollErr error) protocol.Event {
	part := c.part.Clone()
	resp := part.FunctionResponse.Response
	if resp == nil {
		resp = make(map[string]any)
		part.FunctionResponse.Response = resp
	}

	switch {
	case pollErr != nil:
		resp["status"] = string(protocol.StatusError)
		resp["error"] = fmt.Sprintf("ticket %s not found", c.ticketID)
	default:
		resp["status"] = string(out.Status)
		resp["resolved"] = out.Resolved
		if out.Ticket != nil && len(out.Ticket.Result) > 0 {
			var result any
			if json.Unmarshal(out.Ticket.Result, &result) == nil {
				resp["result"] = result
			}
		}
	}

	return protocol.Event{
		ID:        protocol.NewEventID(),
		Author:    c.author,
		Parts:     []protocol.Part{part},
		Synthetic: true,
	}
}
