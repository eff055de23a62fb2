package report

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory slice with retention-based
// expiration.
type MemoryStore struct {
	mu        sync.RWMutex
	findings  []Finding
	retention time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates a new in-memory findings store. A zero retention
// keeps findings until Close.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{retention: retention}
}

// Save appends findings.
func (s *MemoryStore) Save(_ context.Context, findings []Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range findings {
		f.Queries = slices.Clone(f.Queries)
		f.Stack = slices.Clone(f.Stack)
		s.findings = append(s.findings, f)
	}
	return nil
}

// List returns matching findings, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Finding, 0, len(s.findings))
	for i := len(s.findings) - 1; i >= 0; i-- {
		f := s.findings[i]
		if matches(f, filter) {
			result = append(result, f)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []Finding{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matches(f Finding, filter Filter) bool {
	if filter.CallSite != "" && f.CallSite != filter.CallSite {
		return false
	}
	if filter.Fingerprint != "" && f.Fingerprint != filter.Fingerprint {
		return false
	}
	if filter.Since != nil && f.DetectedAt.Before(*filter.Since) {
		return false
	}
	return true
}

// Cleanup removes findings older than the retention period.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	if s.retention <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.retention)
	s.findings = slices.DeleteFunc(s.findings, func(f Finding) bool {
		return f.DetectedAt.Before(cutoff)
	})
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired findings. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
