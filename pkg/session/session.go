// Package session holds the per-scope query tracking state.
// A Session records every observed query by call site while it is active and
// hands a Snapshot to the aggregator when its scope ends.
package session

import (
	"slices"
	"sync"

	"github.com/txn2/nplusone/pkg/callsite"
	"github.com/txn2/nplusone/pkg/fingerprint"
	"github.com/txn2/nplusone/pkg/pattern"
)

// State is the lifecycle state of a Session.
type State int

// Session states.
const (
	// Uninitialized sessions hold no tracking data.
	Uninitialized State = iota
	// Active sessions record observed queries.
	Active
	// Paused sessions keep their data but ignore observed queries.
	Paused
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	default:
		return "uninitialized"
	}
}

// repeatThreshold is the count at which a call site's stack is stored.
const repeatThreshold = 2

// Query is one observed statement.
type Query struct {
	SQL     string
	Dialect fingerprint.Dialect
}

// Session is the tracking state of one scope. The maps are either all present
// (Active, Paused) or all nil (Uninitialized).
//
// A Session belongs to one logical operation; the mutex only serializes the
// goroutines that operation forks while sharing its context.
type Session struct {
	mu       sync.Mutex
	state    State
	counters map[callsite.Key]int
	queries  map[callsite.Key][]Query
	stacks   map[callsite.Key][]string
	order    []callsite.Key
	allow    pattern.List
}

// New returns an uninitialized session.
func New() *Session {
	return &Session{}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tracking reports whether observed queries are currently recorded.
func (s *Session) Tracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Active && s.counters != nil && s.queries != nil && s.stacks != nil
}

// Begin moves an uninitialized session to Active with empty tracking data.
// It reports false, leaving the session untouched, if the session is already
// live.
func (s *Session) Begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Uninitialized {
		return false
	}
	s.counters = make(map[callsite.Key]int)
	s.queries = make(map[callsite.Key][]Query)
	s.stacks = make(map[callsite.Key][]string)
	s.order = nil
	s.state = Active
	return true
}

// Record adds q under key. The stack is stored exactly once, when the key's
// count reaches two. Record is a no-op unless the session is Active.
func (s *Session) Record(key callsite.Key, q Query, stack []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return false
	}

	n := s.counters[key] + 1
	s.counters[key] = n
	if n == 1 {
		s.order = append(s.order, key)
	}
	s.queries[key] = append(s.queries[key], q)
	if n == repeatThreshold {
		s.stacks[key] = slices.Clone(stack)
	}
	return true
}

// Pause stops recording without discarding data.
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return false
	}
	s.state = Paused
	return true
}

// Resume restarts recording on a paused session.
func (s *Session) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Paused {
		return false
	}
	s.state = Active
	return true
}

// Suspend pauses the session and returns a func restoring the state it had
// before. The restore func is meant to be deferred; it does nothing if the
// session was torn down in the meantime.
func (s *Session) Suspend() (restore func()) {
	s.mu.Lock()
	prev := s.state
	if s.state == Active {
		s.state = Paused
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if prev != Uninitialized && s.state != Uninitialized {
			s.state = prev
		}
	}
}

// AllowStackPaths adds scope-local allow-list patterns.
func (s *Session) AllowStackPaths(patterns ...pattern.Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allow = append(s.allow, patterns...)
}

// Snapshot copies the tracking data.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Teardown returns the final snapshot and resets the session to
// Uninitialized. ok is false if the session held no tracking data.
func (s *Session) Teardown() (snap Snapshot, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Uninitialized || s.counters == nil {
		return Snapshot{}, false
	}
	snap = s.snapshotLocked()

	s.state = Uninitialized
	s.counters = nil
	s.queries = nil
	s.stacks = nil
	s.order = nil
	s.allow = nil
	return snap, true
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Sites: make([]Site, 0, len(s.order)),
		Allow: slices.Clone(s.allow),
	}
	for _, key := range s.order {
		snap.Sites = append(snap.Sites, Site{
			Key:     key,
			Count:   s.counters[key],
			Queries: slices.Clone(s.queries[key]),
			Stack:   slices.Clone(s.stacks[key]),
		})
	}
	return snap
}

// Snapshot is an immutable copy of a session's tracking data.
type Snapshot struct {
	// Sites lists call sites in the order they were first observed.
	Sites []Site

	// Allow holds the scope-local allow-list patterns.
	Allow pattern.List
}

// Site is the data recorded for one call site.
type Site struct {
	Key     callsite.Key
	Count   int
	Queries []Query

	// Stack is nil for sites observed only once.
	Stack []string
}
