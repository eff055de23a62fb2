package platform

import (
	"database/sql"
	"io"
	"log/slog"

	"github.com/txn2/nplusone/pkg/callsite"
	"github.com/txn2/nplusone/pkg/report"
)

// Options configures the platform.
type Options struct {
	// Config is the detector configuration. Defaults apply when nil.
	Config *Config

	// DB is the findings database (optional, opened from config if not provided).
	// A provided DB is not closed by the platform.
	DB *sql.DB

	// Store overrides the findings store selected by config.
	Store report.Store

	// Stderr receives the text report. Defaults to os.Stderr.
	Stderr io.Writer

	// Logger receives log reports. Defaults to slog.Default().
	Logger *slog.Logger

	// Cleaner trims stacks before reporting. Defaults to callsite.DefaultCleaner().
	Cleaner callsite.Cleaner

	// Notifiers are appended after the configured sinks.
	Notifiers []report.Notifier
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the findings database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithStore sets the findings store.
func WithStore(store report.Store) Option {
	return func(o *Options) {
		o.Store = store
	}
}

// WithStderr sets the writer used by the stderr sink.
func WithStderr(w io.Writer) Option {
	return func(o *Options) {
		o.Stderr = w
	}
}

// WithLogger sets the logger used by the log sink.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithCleaner sets the stack cleaner used by every sink.
func WithCleaner(c callsite.Cleaner) Option {
	return func(o *Options) {
		o.Cleaner = c
	}
}

// WithNotifiers adds custom notification sinks.
func WithNotifiers(notifiers ...report.Notifier) Option {
	return func(o *Options) {
		o.Notifiers = append(o.Notifiers, notifiers...)
	}
}
