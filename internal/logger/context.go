package logger

import "context"

type requestIDKey struct{}

// WithRequestID stores the request id that contextHandler attaches to every
// record logged with ctx. NATS handlers and pool jobs restore it the same way.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
