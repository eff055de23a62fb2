package report

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/callsite"
)

// Finding is the persisted form of one flagged group.
type Finding struct {
	ID          string    `json:"id"`
	DetectedAt  time.Time `json:"detected_at"`
	CallSite    string    `json:"call_site"`
	Fingerprint string    `json:"fingerprint"`
	Count       int       `json:"count"`
	Queries     []string  `json:"queries"`
	Stack       []string  `json:"stack,omitempty"`
}

// NewFindings converts notifications into findings stamped with at. Stacks are
// cleaned before they are stored.
func NewFindings(notes []aggregate.Notification, cleaner callsite.Cleaner, at time.Time) []Finding {
	if cleaner == nil {
		cleaner = callsite.Identity
	}
	findings := make([]Finding, 0, len(notes))
	for _, n := range notes {
		findings = append(findings, Finding{
			ID:          uuid.NewString(),
			DetectedAt:  at,
			CallSite:    n.CallSite.String(),
			Fingerprint: n.Fingerprint,
			Count:       len(n.Queries),
			Queries:     n.Queries,
			Stack:       cleaner.Clean(n.Stack),
		})
	}
	return findings
}

// Filter selects stored findings.
type Filter struct {
	CallSite    string
	Fingerprint string
	Since       *time.Time
	Limit       int
	Offset      int
}

// Store persists findings.
type Store interface {
	// Save records findings.
	Save(ctx context.Context, findings []Finding) error

	// List returns findings matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]Finding, error)

	// Cleanup removes findings older than the retention period.
	Cleanup(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// StoreNotifier saves every notification as a Finding.
type StoreNotifier struct {
	Store   Store
	Cleaner callsite.Cleaner
}

// Notify saves notes.
func (n StoreNotifier) Notify(ctx context.Context, notes []aggregate.Notification) error {
	if err := n.Store.Save(ctx, NewFindings(notes, n.Cleaner, time.Now().UTC())); err != nil {
		return fmt.Errorf("saving n+1 findings: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ Notifier = StoreNotifier{}
