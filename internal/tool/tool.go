package tool

import "context"

// Tool is the interface every agent tool must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// LongRunner is implemented by tools whose result is a ticket receipt rather
// than the final answer. The agent loop hands their calls to the interceptor.
type LongRunner interface {
	LongRunning() bool
}

// IsLongRunning reports whether t is a long-running tool.
func IsLongRunning(t Tool) bool {
	lr, ok := t.(LongRunner)
	return ok && lr.LongRunning()
}
