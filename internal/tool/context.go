package tool

import (
	"context"

	"github.com/h1v3-io/holdline/pkg/protocol"
)

type contextKey string

const callKey = contextKey("call")

// WithCall returns a context carrying the session and function-call id of
// the tool call being executed.
func WithCall(ctx context.Context, c protocol.Correlation) context.Context {
	return context.WithValue(ctx, callKey, c)
}

// CallFromContext returns the correlation set by WithCall.
func CallFromContext(ctx context.Context) protocol.Correlation {
	if v, ok := ctx.Value(callKey).(protocol.Correlation); ok {
		return v
	}
	return protocol.Correlation{}
}

// --- helpers ---

func getString(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func getMap(params map[string]any, key string) map[string]any {
	v, _ := params[key].(map[string]any)
	return v
}
