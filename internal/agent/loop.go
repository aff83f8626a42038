package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/h1v3-io/holdline/internal/tool"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// Run executes the ReAct loop: send messages to the LLM, execute any requested
// tool calls, and loop until the LLM returns a final text response or the
// iteration limit is reached.
func (a *Agent) Run(ctx context.Context, userMessage string) (string, error) {
	messages := []protocol.ChatMessage{
		{Role: protocol.RoleSystem, Content: a.Spec.Instructions},
		{Role: protocol.RoleUser, Content: userMessage},
	}
	return a.runLoop(ctx, messages)
}

// RunWithHistory executes the ReAct loop with an existing conversation history.
func (a *Agent) RunWithHistory(ctx context.Context, messages []protocol.ChatMessage) (string, error) {
	return a.runLoop(ctx, messages)
}

func (a *Agent) runLoop(ctx context.Context, messages []protocol.ChatMessage) (string, error) {
	maxIter := a.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	toolDefs := a.toolDefinitions()

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("agent %s: context cancelled: %w", a.Spec.ID, err)
		}

		req := protocol.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
		}

		a.Logger.Debug("agent chat request",
			"agent", a.Spec.ID,
			"iteration", i+1,
			"messages", len(messages),
		)

		resp, err := a.Provider.Chat(ctx, req)
		if err != nil {
			return "", fmt.Errorf("agent %s: provider error: %w", a.Spec.ID, err)
		}

		if !resp.HasToolCalls() {
			a.Logger.Debug("agent final response",
				"agent", a.Spec.ID,
				"iteration", i+1,
				"content_len", len(resp.Content),
			)
			a.emit(protocol.Event{ID: protocol.NewEventID(), Author: a.Spec.ID, Parts: []protocol.Part{{Text: resp.Content}}})
			return resp.Content, nil
		}

		messages = append(messages, protocol.ChatMessage{
			Role:      protocol.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			content, err := a.executeTool(ctx, tc)
			if err != nil {
				return "", fmt.Errorf("agent %s: %w", a.Spec.ID, err)
			}
			messages = append(messages, protocol.ChatMessage{
				Role:       protocol.RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
	}

	return "", fmt.Errorf("agent %s: exceeded max iterations (%d)", a.Spec.ID, maxIter)
}

// executeTool runs one call and returns the tool message content. For a
// long-running tool the content is the resumption, not the pending receipt.
// Only interceptor failures (such as cancellation while waiting) are returned.
func (a *Agent) executeTool(ctx context.Context, tc protocol.ToolCall) (string, error) {
	longRunning := a.Tools.IsLongRunning(tc.Name)
	a.Logger.Info(fmt.Sprintf("tool call: %s", tc.Name),
		"agent", a.Spec.ID,
		"session", a.SessionID,
		"call_id", tc.ID,
		"long_running", longRunning,
	)

	callEvent := protocol.Event{
		ID:     protocol.NewEventID(),
		Author: a.Spec.ID,
		Parts:  []protocol.Part{{FunctionCall: &protocol.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}}},
	}
	if longRunning {
		callEvent.LongRunningToolIDs = []string{tc.ID}
	}

	var result string
	var err error
	if !a.Spec.ToolAllowed(tc.Name) {
		err = fmt.Errorf("tool %q is not allowed for agent %s", tc.Name, a.Spec.ID)
	} else {
		tctx := tool.WithCall(ctx, protocol.Correlation{SessionID: a.SessionID, CallID: tc.ID})
		result, err = a.Tools.Execute(tctx, tc.Name, tc.Arguments)
	}
	if err != nil {
		// Return error as tool result so the LLM can recover
		result = fmt.Sprintf("Error: %v", err)
		a.Logger.Warn(fmt.Sprintf("tool error: %s", tc.Name),
			"agent", a.Spec.ID,
			"call_id", tc.ID,
			"error", err,
		)
	} else {
		a.Logger.Info(fmt.Sprintf("tool result: %s", tc.Name),
			"agent", a.Spec.ID,
			"call_id", tc.ID,
			"result_len", len(result),
		)
	}

	respEvent := protocol.Event{
		ID:     protocol.NewEventID(),
		Author: a.Spec.ID,
		Parts: []protocol.Part{{FunctionResponse: &protocol.FunctionResponse{
			ID:       tc.ID,
			Name:     tc.Name,
			Response: responseMap(result, err),
		}}},
	}

	if a.Interceptor == nil {
		a.emit(callEvent)
		a.emit(respEvent)
		return result, nil
	}

	content := result
	for _, ev := range []protocol.Event{callEvent, respEvent} {
		out, ierr := a.Interceptor.Observe(ctx, ev)
		for _, e := range out {
			a.emit(e)
			if !e.Synthetic {
				continue
			}
			for _, fr := range e.FunctionResponses() {
				if fr.ID != tc.ID {
					continue
				}
				data, merr := json.Marshal(fr.Response)
				if merr != nil {
					return "", fmt.Errorf("encode resumption for %s: %w", tc.ID, merr)
				}
				content = string(data)
				a.Logger.Info("long-running call resumed",
					"agent", a.Spec.ID,
					"call_id", tc.ID,
					"status", fr.Response["status"],
				)
			}
		}
		if ierr != nil {
			return "", ierr
		}
	}
	return content, nil
}

func (a *Agent) toolDefinitions() []protocol.ToolDefinition {
	all := a.Tools.Definitions()
	defs := all[:0:0]
	for _, d := range all {
		if a.Spec.ToolAllowed(d.Function.Name) {
			defs = append(defs, d)
		}
	}
	return defs
}

func (a *Agent) emit(ev protocol.Event) {
	if a.Events != nil {
		a.Events(ev)
	}
}

// responseMap turns tool output into a function-response map. JSON objects
// are used as-is; anything else is wrapped.
func responseMap(result string, err error) map[string]any {
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if json.Unmarshal([]byte(result), &m) == nil && m != nil {
		return m
	}
	return map[string]any{"result": result}
}
