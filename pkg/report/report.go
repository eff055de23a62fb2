// Package report delivers N+1 notifications to humans and storage.
package report

import (
	"context"
	"errors"
	"strings"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/callsite"
)

// Notifier receives the flagged groups of one finished scope.
type Notifier interface {
	Notify(ctx context.Context, notes []aggregate.Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, notes []aggregate.Notification) error

// Notify calls f(ctx, notes).
func (f NotifierFunc) Notify(ctx context.Context, notes []aggregate.Notification) error {
	return f(ctx, notes)
}

// Format renders notifications as a text report. Stacks pass through cleaner
// first; a nil cleaner leaves them unchanged.
func Format(notes []aggregate.Notification, cleaner callsite.Cleaner) string {
	if cleaner == nil {
		cleaner = callsite.Identity
	}

	var b strings.Builder
	for _, n := range notes {
		b.WriteString("N+1 queries detected:\n")
		for _, q := range n.Queries {
			b.WriteString("  ")
			b.WriteString(q)
			b.WriteByte('\n')
		}
		b.WriteString("Call stack:\n")
		for _, frame := range cleaner.Clean(n.Stack) {
			b.WriteString("  ")
			b.WriteString(frame)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Multi fans notifications out to every notifier in order. All notifiers run
// even when one fails; their errors are joined.
type Multi []Notifier

// Notify calls each notifier in order.
func (m Multi) Notify(ctx context.Context, notes []aggregate.Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, notes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Verify interface compliance.
var (
	_ Notifier = NotifierFunc(nil)
	_ Notifier = Multi(nil)
)
