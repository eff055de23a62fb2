package detector

import (
	"context"
	"slices"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/fingerprint"
	"github.com/txn2/nplusone/pkg/pattern"
)

// Notifier receives the notifications of a scope that detected N+1 queries.
// Returning an error makes the scope's End report it.
type Notifier interface {
	Notify(ctx context.Context, notes []aggregate.Notification) error
}

// Options configures a Detector. Options are copied at construction and never
// change afterwards.
type Options struct {
	// Disabled turns every scope into a pass-through.
	Disabled bool

	// MinQueries is the repetition threshold (default 2). See
	// aggregate.Options.MinQueries for how a threshold of 1 reports stacks.
	MinQueries int

	// IgnorePauses makes Pause and Paused no-ops so that tests observe
	// everything.
	IgnorePauses bool

	// Dialect is used for events that do not declare one.
	Dialect fingerprint.Dialect

	// Allow is the process-wide stack allow list, added to the default list.
	Allow pattern.List

	// Ignore lists queries that are never recorded.
	Ignore pattern.List

	// Fingerprinter defaults to fingerprint.Default().
	Fingerprinter aggregate.Fingerprinter

	// Notifier receives detected groups. Nil discards them.
	Notifier Notifier
}

// Option is a functional option for configuring a Detector.
type Option func(*Options)

// WithEnabled enables or disables detection.
func WithEnabled(enabled bool) Option {
	return func(o *Options) {
		o.Disabled = !enabled
	}
}

// WithMinQueries sets the repetition threshold.
func WithMinQueries(n int) Option {
	return func(o *Options) {
		o.MinQueries = n
	}
}

// WithIgnorePauses disables pausing.
func WithIgnorePauses(ignore bool) Option {
	return func(o *Options) {
		o.IgnorePauses = ignore
	}
}

// WithDialect sets the dialect assumed for events that carry none.
func WithDialect(d fingerprint.Dialect) Option {
	return func(o *Options) {
		o.Dialect = d
	}
}

// WithAllowStackPaths appends process-wide allow-list patterns.
func WithAllowStackPaths(patterns ...pattern.Pattern) Option {
	return func(o *Options) {
		o.Allow = append(o.Allow, patterns...)
	}
}

// WithIgnoreQueries appends patterns for queries that are never recorded.
func WithIgnoreQueries(patterns ...pattern.Pattern) Option {
	return func(o *Options) {
		o.Ignore = append(o.Ignore, patterns...)
	}
}

// WithFingerprinter replaces the fingerprint engine.
func WithFingerprinter(f aggregate.Fingerprinter) Option {
	return func(o *Options) {
		o.Fingerprinter = f
	}
}

// WithNotifier sets the destination for detected groups.
func WithNotifier(n Notifier) Option {
	return func(o *Options) {
		o.Notifier = n
	}
}

func (o Options) clone() Options {
	o.Allow = slices.Clone(o.Allow)
	o.Ignore = slices.Clone(o.Ignore)
	if o.MinQueries < 1 {
		o.MinQueries = aggregate.DefaultMinQueries
	}
	if o.Fingerprinter == nil {
		o.Fingerprinter = fingerprint.Default()
	}
	return o
}
