// Package sqlhook captures the statements an application sends through
// database/sql and forwards them to a detector.
//
// Wrap a driver once at startup:
//
//	sqlhook.Register("postgres-nplusone", &pq.Driver{}, d, sqlhook.WithDialect(fingerprint.Postgres))
//	db, err := sql.Open("postgres-nplusone", dsn)
//
// Statements are only observed when their context carries a detector scope,
// so callers must use the *Context variants of database/sql.
package sqlhook

import (
	"context"
	"database/sql"
	"database/sql/driver"

	"github.com/qustavo/sqlhooks/v2"

	"github.com/txn2/nplusone/pkg/callsite"
	"github.com/txn2/nplusone/pkg/detector"
	"github.com/txn2/nplusone/pkg/fingerprint"
)

// defaultDrop are frame prefixes removed from captured stacks so call sites
// start at the application.
var defaultDrop = []string{
	"github.com/txn2/nplusone/pkg/sqlhook.(*hooks)",
	"github.com/qustavo/sqlhooks/v2.",
	"database/sql.",
	"runtime.",
}

// Options configures the driver wrapper.
type Options struct {
	// Dialect is attached to every observed statement.
	Dialect fingerprint.Dialect

	// Drop lists additional frame prefixes removed from captured stacks.
	Drop []string
}

// Option is a functional option for configuring the wrapper.
type Option func(*Options)

// WithDialect sets the dialect reported for every statement.
func WithDialect(d fingerprint.Dialect) Option {
	return func(o *Options) {
		o.Dialect = d
	}
}

// WithDropFrames removes frames whose function starts with any prefix from
// captured stacks, typically the application's own data-access helpers.
func WithDropFrames(prefixes ...string) Option {
	return func(o *Options) {
		o.Drop = append(o.Drop, prefixes...)
	}
}

// hooks reports every statement the wrapped driver completes. A statement
// that fails, including one the driver answers with driver.ErrSkip before
// database/sql retries it through a prepared statement, is not reported.
type hooks struct {
	det     *detector.Detector
	dialect fingerprint.Dialect
	drop    []string
}

func newHooks(det *detector.Detector, opts []Option) *hooks {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return &hooks{
		det:     det,
		dialect: o.Dialect,
		drop:    append(append([]string{}, defaultDrop...), o.Drop...),
	}
}

func (h *hooks) Before(ctx context.Context, _ string, _ ...any) (context.Context, error) {
	return ctx, nil
}

func (h *hooks) After(ctx context.Context, query string, _ ...any) (context.Context, error) {
	h.observe(ctx, query)
	return ctx, nil
}

// observe reports query to the detector when ctx carries an active scope.
func (h *hooks) observe(ctx context.Context, query string) {
	if !h.det.Tracking(ctx) {
		return
	}
	h.det.Observe(ctx, detector.Event{
		SQL:     query,
		Dialect: h.dialect,
		Cached:  detector.CacheHitFromContext(ctx),
		Name:    detector.OperationFromContext(ctx),
		Stack:   callsite.Capture(1, h.drop...),
	})
}

// Wrap returns a driver whose connections report statements to det. The
// parent's connections must implement driver.ConnBeginTx.
func Wrap(d driver.Driver, det *detector.Detector, opts ...Option) driver.Driver {
	return sqlhooks.Wrap(d, newHooks(det, opts))
}

// WrapConnector is Wrap for drivers opened through sql.OpenDB.
func WrapConnector(c driver.Connector, det *detector.Detector, opts ...Option) driver.Connector {
	h := newHooks(det, opts)
	return &wrappedConnector{parent: c, hooks: h, drv: sqlhooks.Wrap(c.Driver(), h)}
}

// Register wraps d and registers it with database/sql under name. Like
// sql.Register, it panics if name is already registered.
func Register(name string, d driver.Driver, det *detector.Detector, opts ...Option) {
	sql.Register(name, Wrap(d, det, opts...))
}

type wrappedConnector struct {
	parent driver.Connector
	hooks  *hooks
	drv    driver.Driver
}

// Connect dials through the parent connector and wraps the connection the
// same way Wrap does.
func (c *wrappedConnector) Connect(ctx context.Context) (driver.Conn, error) {
	return sqlhooks.Wrap(connectorDriver{ctx: ctx, parent: c.parent}, c.hooks).Open("")
}

func (c *wrappedConnector) Driver() driver.Driver {
	return c.drv
}

// connectorDriver opens connections from a connector so that sqlhooks can
// wrap them.
type connectorDriver struct {
	ctx    context.Context
	parent driver.Connector
}

func (d connectorDriver) Open(string) (driver.Conn, error) {
	return d.parent.Connect(d.ctx)
}

// Verify interface compliance.
var (
	_ sqlhooks.Hooks   = (*hooks)(nil)
	_ driver.Connector = (*wrappedConnector)(nil)
	_ driver.Driver    = connectorDriver{}
)
