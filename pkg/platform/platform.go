// Package platform assembles a configured detector, its notification sinks
// and its findings store from a Config.
package platform

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver for the findings store

	"github.com/txn2/nplusone/pkg/callsite"
	"github.com/txn2/nplusone/pkg/database/migrate"
	"github.com/txn2/nplusone/pkg/detector"
	"github.com/txn2/nplusone/pkg/middleware"
	"github.com/txn2/nplusone/pkg/report"
	"github.com/txn2/nplusone/pkg/report/postgres"
	"github.com/txn2/nplusone/pkg/sqlhook"
)

const hoursPerDay = 24

// Platform owns a detector and everything its reports flow into.
type Platform struct {
	config    *Config
	detector  *detector.Detector
	store     report.Store
	db        *sql.DB
	lifecycle *Lifecycle
}

// cleanupStarter is implemented by stores with a retention routine.
type cleanupStarter interface {
	StartCleanupRoutine(interval time.Duration)
}

// New creates a platform. Call Start before serving traffic and Close on
// shutdown.
func New(opts ...Option) (*Platform, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.Config
	if cfg == nil {
		cfg = &Config{}
		applyDefaults(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    cfg,
		db:        o.DB,
		lifecycle: NewLifecycle(),
	}

	if err := p.initStore(o); err != nil {
		_ = p.lifecycle.Stop(context.Background())
		return nil, err
	}

	// Validate already compiled both lists.
	allow, _ := cfg.allowPatterns()
	ignore, _ := cfg.ignorePatterns()

	p.detector = detector.New(
		detector.WithEnabled(cfg.IsEnabled()),
		detector.WithMinQueries(cfg.MinNQueries),
		detector.WithIgnorePauses(cfg.IgnorePauses),
		detector.WithDialect(cfg.dialect()),
		detector.WithAllowStackPaths(allow...),
		detector.WithIgnoreQueries(ignore...),
		detector.WithNotifier(p.buildNotifier(o)),
	)
	return p, nil
}

// initStore selects the findings store and registers its lifecycle.
func (p *Platform) initStore(o *Options) error {
	sc := p.config.Report.Store

	if o.Store != nil {
		p.store = o.Store
		return nil
	}

	switch sc.Provider {
	case StoreMemory:
		ms := report.NewMemoryStore(time.Duration(sc.RetentionDays) * hoursPerDay * time.Hour)
		p.store = ms
		p.registerStore(ms, sc.CleanupInterval)
	case StorePostgres:
		if p.db == nil {
			db, err := sql.Open("postgres", sc.DSN)
			if err != nil {
				return fmt.Errorf("opening findings database: %w", err)
			}
			db.SetMaxOpenConns(sc.MaxOpenConns)
			p.db = db
			p.lifecycle.RegisterCloser("findings database", db)
		}
		db := p.db
		p.lifecycle.Append("findings database ping", db.PingContext, nil)
		if sc.AutoMigrate {
			p.lifecycle.Append("findings migrations", func(context.Context) error {
				return migrate.Run(db)
			}, nil)
		}
		ps := postgres.New(db, postgres.Config{RetentionDays: sc.RetentionDays})
		p.store = ps
		p.registerStore(ps, sc.CleanupInterval)
	}
	return nil
}

func (p *Platform) registerStore(s interface {
	report.Store
	cleanupStarter
}, interval time.Duration,
) {
	p.lifecycle.Append("findings store",
		func(context.Context) error {
			s.StartCleanupRoutine(interval)
			return nil
		},
		func(context.Context) error {
			return s.Close()
		},
	)
}

// buildNotifier fans notifications out to the configured sinks. The raising
// sink runs last so every other sink still sees the detection.
func (p *Platform) buildNotifier(o *Options) report.Multi {
	rc := p.config.Report
	cleaner := o.Cleaner
	if cleaner == nil {
		cleaner = callsite.DefaultCleaner()
	}

	var sinks report.Multi
	if rc.Log {
		sinks = append(sinks, report.LogNotifier{Logger: o.Logger, Cleaner: cleaner})
	}
	if rc.Stderr {
		w := o.Stderr
		if w == nil {
			w = os.Stderr
		}
		sinks = append(sinks, &report.WriterNotifier{W: w, Color: rc.Color, Cleaner: cleaner})
	}
	if rc.File != "" {
		sinks = append(sinks, &report.FileNotifier{Path: rc.File, Cleaner: cleaner})
	}
	if p.store != nil {
		sinks = append(sinks, report.StoreNotifier{Store: p.store, Cleaner: cleaner})
	}
	sinks = append(sinks, o.Notifiers...)
	if rc.Raise {
		sinks = append(sinks, report.ErrorNotifier{Cleaner: cleaner})
	}
	return sinks
}

// Start pings the findings database, applies migrations when configured
// and starts the retention routine.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}
	return nil
}

// Stop releases everything the platform opened.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Close is Stop with a background context.
func (p *Platform) Close() error {
	return p.Stop(context.Background())
}

// Detector returns the configured detector.
func (p *Platform) Detector() *detector.Detector {
	return p.detector
}

// Store returns the findings store, or nil when none is configured.
func (p *Platform) Store() report.Store {
	return p.store
}

// DB returns the findings database, or nil when the store is not PostgreSQL.
func (p *Platform) DB() *sql.DB {
	return p.db
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Middleware returns HTTP middleware that scans each request.
func (p *Platform) Middleware(opts ...middleware.ScanOption) func(http.Handler) http.Handler {
	return middleware.Scan(p.detector, opts...)
}

// RegisterDriver wraps d with the platform's detector and registers it with
// database/sql under name. The configured dialect applies unless opts
// override it.
func (p *Platform) RegisterDriver(name string, d driver.Driver, opts ...sqlhook.Option) {
	opts = append([]sqlhook.Option{sqlhook.WithDialect(p.config.dialect())}, opts...)
	sqlhook.Register(name, d, p.detector, opts...)
}
