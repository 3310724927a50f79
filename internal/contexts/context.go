package contexts

import (
	"context"
)

type userRequestType struct{}

var userRequestKey userRequestType

// AsUserRequest marks this context as serving a sync explicitly requested by the user.
// This modifies how failures are reported (connection errors are not hidden).
func AsUserRequest(parent context.Context) context.Context {
	return context.WithValue(parent, userRequestKey, struct{}{})
}

func IsUserRequest(ctx context.Context) bool {
	return ctx.Value(userRequestKey) != nil
}

type traceIDType struct{}

var traceIDKey traceIDType

// WithTraceID attaches the ID used to correlate the log lines of one session.
func WithTraceID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, traceIDKey, id)
}

func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}

	return ""
}
