// Package middleware provides net/http middleware that scans each request
// for N+1 queries.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/txn2/nplusone/pkg/detector"
)

// ScanOptions configures Scan.
type ScanOptions struct {
	// Skip excludes requests from scanning, such as health checks.
	Skip func(*http.Request) bool

	// OnError receives end-of-scope errors. The default logs them.
	OnError func(*http.Request, error)
}

// ScanOption is a functional option for Scan.
type ScanOption func(*ScanOptions)

// WithSkip excludes requests for which skip returns true.
func WithSkip(skip func(*http.Request) bool) ScanOption {
	return func(o *ScanOptions) {
		o.Skip = skip
	}
}

// WithSkipPaths excludes requests for the given exact paths.
func WithSkipPaths(paths ...string) ScanOption {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return WithSkip(func(r *http.Request) bool {
		_, ok := set[r.URL.Path]
		return ok
	})
}

// WithErrorHandler replaces the default error logging.
func WithErrorHandler(fn func(*http.Request, error)) ScanOption {
	return func(o *ScanOptions) {
		o.OnError = fn
	}
}

func logScanError(r *http.Request, err error) {
	slog.Warn("n+1 scan failed", "method", r.Method, "path", r.URL.Path, "error", err)
}

// Scan runs every request inside its own detector scope. Statements issued
// with the request context are recorded and reported when the handler
// returns. A panicking handler discards its scope.
func Scan(d *detector.Detector, opts ...ScanOption) func(http.Handler) http.Handler {
	o := ScanOptions{OnError: logScanError}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !d.Enabled() || (o.Skip != nil && o.Skip(r)) {
				next.ServeHTTP(w, r)
				return
			}

			err := d.Scan(r.Context(), func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if err != nil {
				o.OnError(r, err)
			}
		})
	}
}
