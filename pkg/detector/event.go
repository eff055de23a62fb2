package detector

import (
	"context"
	"regexp"

	"github.com/txn2/nplusone/pkg/fingerprint"
)

// SchemaOperation marks schema introspection queries, which are never recorded.
const SchemaOperation = "SCHEMA"

// readMarkerRe must match a statement for it to be recorded.
var readMarkerRe = regexp.MustCompile(`(?i)\bselect\b`)

// Event is one statement observed by the data-access layer.
type Event struct {
	SQL     string
	Dialect fingerprint.Dialect

	// Cached is set when the result came from a query cache.
	Cached bool

	// Name is the operation name reported by the data-access layer.
	Name string

	// Stack is the call stack that issued the statement. When nil, Observe
	// captures the stack of its caller.
	Stack []string
}

// contextKey is a private type for context keys.
type contextKey int

const (
	operationContextKey contextKey = iota
	cacheHitContextKey
)

// WithOperation names the data-access operation running under ctx. Capture
// layers copy it into Event.Name.
func WithOperation(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operationContextKey, name)
}

// OperationFromContext returns the operation name set by WithOperation.
func OperationFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(operationContextKey).(string); ok {
		return name
	}
	return ""
}

// WithCacheHit marks statements issued under ctx as served from a cache.
func WithCacheHit(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheHitContextKey, true)
}

// CacheHitFromContext reports whether WithCacheHit was applied.
func CacheHitFromContext(ctx context.Context) bool {
	hit, _ := ctx.Value(cacheHitContextKey).(bool)
	return hit
}

// accepts applies the recording filter to ev.
func (d *Detector) accepts(ev Event) bool {
	if ev.Name == SchemaOperation || ev.Cached {
		return false
	}
	if !readMarkerRe.MatchString(ev.SQL) {
		return false
	}
	return !d.opts.Ignore.Match(ev.SQL)
}
