// Package detector finds N+1 query patterns inside bounded scopes.
//
// A scope is opened with Begin (or Scan) and carried through the request via
// context.Context. Every statement the data-access layer reports through
// Observe is recorded under the call stack that issued it. When the scope
// ends, statements repeated from one call site with the same fingerprint are
// handed to the configured Notifier.
//
//	ctx, scope := d.Begin(ctx)
//	defer scope.End(ctx)
package detector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/callsite"
	"github.com/txn2/nplusone/pkg/fingerprint"
	"github.com/txn2/nplusone/pkg/pattern"
	"github.com/txn2/nplusone/pkg/session"
)

// Detector records queries into context-scoped sessions. A Detector is safe
// for concurrent use; its configuration is fixed at construction.
type Detector struct {
	opts Options
}

// New creates a Detector.
func New(opts ...Option) *Detector {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return &Detector{opts: o.clone()}
}

// Enabled reports whether the detector records anything.
func (d *Detector) Enabled() bool {
	return !d.opts.Disabled
}

// MinQueries returns the effective repetition threshold.
func (d *Detector) MinQueries() int {
	return d.opts.MinQueries
}

// Scope is a handle on a session opened by Begin. Only the scope that
// initialized the session reports and tears it down; scopes nested inside a
// live session end as no-ops.
type Scope struct {
	d     *Detector
	sess  *session.Session
	owner bool
}

// Begin opens a scope. If ctx already carries a live session the returned
// scope joins it without owning it.
func (d *Detector) Begin(ctx context.Context) (context.Context, *Scope) {
	if !d.Enabled() {
		return ctx, &Scope{d: d}
	}

	if sess := session.FromContext(ctx); sess != nil {
		return ctx, &Scope{d: d, sess: sess, owner: sess.Begin()}
	}

	sess := session.New()
	sess.Begin()
	return session.WithSession(ctx, sess), &Scope{d: d, sess: sess, owner: true}
}

// Owner reports whether ending this scope reports and tears down the session.
func (s *Scope) Owner() bool {
	return s.owner
}

// End aggregates the scope's queries, notifies about the flagged groups and
// resets the session. It returns the flagged groups. End on a non-owning or
// already ended scope returns nothing.
func (s *Scope) End(ctx context.Context) ([]aggregate.Notification, error) {
	if !s.owner || s.sess == nil {
		return nil, nil
	}
	s.owner = false
	return s.d.finish(ctx, s.sess)
}

// discard tears the session down without reporting.
func (s *Scope) discard() {
	if s.owner && s.sess != nil {
		s.owner = false
		_, _ = s.sess.Teardown()
	}
}

// Finish ends the session carried by ctx regardless of which scope opened it.
// It is meant for hosts that manage the lifecycle explicitly, such as test
// harness hooks.
func (d *Detector) Finish(ctx context.Context) ([]aggregate.Notification, error) {
	sess := session.FromContext(ctx)
	if sess == nil {
		return nil, nil
	}
	return d.finish(ctx, sess)
}

func (d *Detector) finish(ctx context.Context, sess *session.Session) ([]aggregate.Notification, error) {
	snap, ok := sess.Teardown()
	if !ok {
		return nil, nil
	}

	notes, err := aggregate.Aggregate(snap, aggregate.Options{
		MinQueries:    d.opts.MinQueries,
		Fingerprinter: d.opts.Fingerprinter,
		Allow:         d.opts.Allow,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregating scope queries: %w", err)
	}

	slog.Debug("n+1 scope finished", "call_sites", len(snap.Sites), "notifications", len(notes))

	if len(notes) == 0 || d.opts.Notifier == nil {
		return notes, nil
	}
	if err := d.opts.Notifier.Notify(ctx, notes); err != nil {
		return notes, err
	}
	return notes, nil
}

// Scan runs fn inside a scope and reports at the end. If fn returns an error
// or panics, the scope's data is discarded without reporting and the error
// or panic propagates. When ctx already carries a live session, fn joins it.
func (d *Detector) Scan(ctx context.Context, fn func(context.Context) error) error {
	ctx, scope := d.Begin(ctx)
	defer scope.discard()

	if err := fn(ctx); err != nil {
		return err
	}
	_, err := scope.End(ctx)
	return err
}

// Observe records one statement in the session carried by ctx. Statements
// outside a scope, while paused, or rejected by the filter are ignored.
func (d *Detector) Observe(ctx context.Context, ev Event) {
	sess := session.FromContext(ctx)
	if sess == nil || !sess.Tracking() || !d.accepts(ev) {
		return
	}

	stack := ev.Stack
	if stack == nil {
		stack = callsite.Capture(1)
	}
	dialect := ev.Dialect
	if dialect == fingerprint.Unknown {
		dialect = d.opts.Dialect
	}

	sess.Record(callsite.Identify(stack), session.Query{SQL: ev.SQL, Dialect: dialect}, stack)
}

// Pause stops recording in the session carried by ctx until Resume.
func (d *Detector) Pause(ctx context.Context) {
	if d.opts.IgnorePauses {
		return
	}
	if sess := session.FromContext(ctx); sess != nil {
		sess.Pause()
	}
}

// Resume restarts recording after Pause.
func (d *Detector) Resume(ctx context.Context) {
	if sess := session.FromContext(ctx); sess != nil {
		sess.Resume()
	}
}

// Paused runs fn with recording paused and restores the previous state
// afterwards, also when fn panics.
func (d *Detector) Paused(ctx context.Context, fn func(context.Context) error) error {
	sess := session.FromContext(ctx)
	if d.opts.IgnorePauses || sess == nil {
		return fn(ctx)
	}

	restore := sess.Suspend()
	defer restore()
	return fn(ctx)
}

// AllowStackPaths adds allow-list patterns that apply only to the session
// carried by ctx.
func (d *Detector) AllowStackPaths(ctx context.Context, patterns ...pattern.Pattern) {
	if sess := session.FromContext(ctx); sess != nil {
		sess.AllowStackPaths(patterns...)
	}
}

// Tracking reports whether a statement issued under ctx would be recorded.
// Capture layers use it to skip stack capture outside active scopes.
func (d *Detector) Tracking(ctx context.Context) bool {
	sess := session.FromContext(ctx)
	return sess != nil && sess.Tracking()
}

// State returns the state of the session carried by ctx.
func (d *Detector) State(ctx context.Context) session.State {
	if sess := session.FromContext(ctx); sess != nil {
		return sess.State()
	}
	return session.Uninitialized
}
