package protocol

import (
	"slices"

	"github.com/google/uuid"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse is the result a tool produced for a FunctionCall with the same ID.
type FunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one piece of an event: text, a function call, or a function response.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// Event is one item of the calling loop's output stream.
type Event struct {
	ID                 string   `json:"id"`
	Author             string   `json:"author,omitempty"`
	Parts              []Part   `json:"parts"`
	LongRunningToolIDs []string `json:"long_running_tool_ids,omitempty"`
	Synthetic          bool     `json:"synthetic,omitempty"`
}

// NewEventID returns a fresh event id.
func NewEventID() string {
	return uuid.NewString()
}

// FunctionCalls returns the function calls carried by the event.
func (e *Event) FunctionCalls() []*FunctionCall {
	var calls []*FunctionCall
	for _, p := range e.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns the function responses carried by the event.
func (e *Event) FunctionResponses() []*FunctionResponse {
	var resps []*FunctionResponse
	for _, p := range e.Parts {
		if p.FunctionResponse != nil {
			resps = append(resps, p.FunctionResponse)
		}
	}
	return resps
}

// IsLongRunning reports whether callID was flagged as long-running on this event.
func (e *Event) IsLongRunning(callID string) bool {
	return slices.Contains(e.LongRunningToolIDs, callID)
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.LongRunningToolIDs = slices.Clone(e.LongRunningToolIDs)
	if e.Parts != nil {
		out.Parts = make([]Part, len(e.Parts))
		for i, p := range e.Parts {
			out.Parts[i] = p.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := Part{Text: p.Text}
	if p.FunctionCall != nil {
		fc := *p.FunctionCall
		fc.Args = CloneMap(p.FunctionCall.Args)
		out.FunctionCall = &fc
	}
	if p.FunctionResponse != nil {
		fr := *p.FunctionResponse
		fr.Response = CloneMap(p.FunctionResponse.Response)
		out.FunctionResponse = &fr
	}
	return out
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}
