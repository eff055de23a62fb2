package session

import "context"

// contextKey is a private type for context keys.
type contextKey int

const sessionContextKey contextKey = iota

// WithSession attaches s to the context. Every context derived from the result
// shares s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// FromContext returns the session carried by ctx, or nil.
func FromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(sessionContextKey).(*Session); ok {
		return s
	}
	return nil
}
