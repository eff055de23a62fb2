package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// hook is one named component of the lifecycle. Either function may be nil.
type hook struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// Lifecycle starts platform components in registration order and stops
// them in reverse.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []hook
	started int // number of hooks whose start ran
	running bool
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Append registers a component.
func (l *Lifecycle) Append(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook{name: name, start: start, stop: stop})
}

// RegisterCloser registers c to be closed on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c interface{ Close() error }) {
	l.Append(name, nil, func(context.Context) error {
		return c.Close()
	})
}

// Start runs every start function. If one fails, the components already
// started are stopped again before the error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.start != nil {
			if err := h.start(ctx); err != nil {
				l.started = i
				if rbErr := l.stopLocked(ctx); rbErr != nil {
					slog.Warn("lifecycle rollback failed", "component", h.name, "error", rbErr)
				}
				return fmt.Errorf("starting %s: %w", h.name, err)
			}
		}
		l.started = i + 1
	}

	l.running = true
	return nil
}

// Stop runs the stop functions of started components in reverse order.
// Components registered but never started are stopped too, so closers
// registered at construction are always released.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		l.started = len(l.hooks)
	}
	err := l.stopLocked(ctx)
	l.running = false
	return err
}

func (l *Lifecycle) stopLocked(ctx context.Context) error {
	var errs []error
	for i := l.started - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.stop == nil {
			continue
		}
		if err := h.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.name, err))
		}
	}
	l.started = 0
	l.hooks = l.hooks[:0:0]
	return errors.Join(errs...)
}

// Running reports whether Start succeeded and Stop has not run since.
func (l *Lifecycle) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
