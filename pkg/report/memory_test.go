package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/callsite"
)

const (
	memTestRetention    = 5 * time.Minute
	memTestShortRetain  = 50 * time.Millisecond
	memTestGoroutines   = 10
	memTestIterations   = 100
	memTestCleanupSleep = 150 * time.Millisecond
	memTestSiteA        = "site-a"
	memTestSiteB        = "site-b"
)

func newTestFinding(site string, at time.Time) Finding {
	return Finding{
		ID:          uuid.NewString(),
		DetectedAt:  at,
		CallSite:    site,
		Fingerprint: "fp-" + site,
		Count:       2,
		Queries:     []string{"SELECT 1", "SELECT 2"},
	}
}

func TestMemoryStore_SaveAndList(t *testing.T) {
	store := NewMemoryStore(memTestRetention)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, []Finding{
		newTestFinding(memTestSiteA, now.Add(-time.Minute)),
		newTestFinding(memTestSiteB, now),
	}))

	got, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, memTestSiteB, got[0].CallSite, "newest first")
	assert.Equal(t, memTestSiteA, got[1].CallSite)
}

func TestMemoryStore_ListFilter(t *testing.T) {
	store := NewMemoryStore(memTestRetention)
	ctx := context.Background()
	now := time.Now()

	for i := range 3 {
		require.NoError(t, store.Save(ctx, []Finding{
			newTestFinding(memTestSiteA, now.Add(time.Duration(i)*time.Second)),
			newTestFinding(memTestSiteB, now.Add(time.Duration(i)*time.Second)),
		}))
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "call site", filter: Filter{CallSite: memTestSiteA}, want: 3},
		{name: "fingerprint", filter: Filter{Fingerprint: "fp-" + memTestSiteB}, want: 3},
		{name: "since", filter: Filter{Since: ptr(now.Add(time.Second))}, want: 4},
		{name: "limit", filter: Filter{Limit: 2}, want: 2},
		{name: "offset", filter: Filter{Offset: 5}, want: 1},
		{name: "offset past end", filter: Filter{Offset: 10}, want: 0},
		{name: "no match", filter: Filter{CallSite: "missing"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestMemoryStore_SaveCopies(t *testing.T) {
	store := NewMemoryStore(memTestRetention)
	ctx := context.Background()

	f := newTestFinding(memTestSiteA, time.Now())
	require.NoError(t, store.Save(ctx, []Finding{f}))
	f.Queries[0] = "mutated"

	got, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", got[0].Queries[0])
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store := NewMemoryStore(memTestRetention)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, []Finding{
		newTestFinding(memTestSiteA, time.Now().Add(-2*memTestRetention)),
		newTestFinding(memTestSiteB, time.Now()),
	}))
	require.NoError(t, store.Cleanup(ctx))

	got, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, memTestSiteB, got[0].CallSite)
}

func TestMemoryStore_ZeroRetentionKeepsEverything(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, []Finding{newTestFinding(memTestSiteA, time.Unix(0, 0))}))
	require.NoError(t, store.Cleanup(ctx))

	got, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_CleanupRoutine(t *testing.T) {
	store := NewMemoryStore(memTestShortRetain)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, []Finding{newTestFinding(memTestSiteA, time.Now())}))
	store.StartCleanupRoutine(memTestShortRetain / 2)

	time.Sleep(memTestCleanupSleep)
	require.NoError(t, store.Close())

	got, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, got, "cleanup routine should remove expired findings")
}

func TestMemoryStore_CloseWithoutRoutine(t *testing.T) {
	store := NewMemoryStore(memTestRetention)
	assert.NoError(t, store.Close())
}

func TestMemoryStore_ConcurrentSave(t *testing.T) {
	store := NewMemoryStore(memTestRetention)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range memTestGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range memTestIterations {
				_ = store.Save(ctx, []Finding{newTestFinding(memTestSiteA, time.Now())})
				_, _ = store.List(ctx, Filter{Limit: 1})
			}
		}()
	}
	wg.Wait()

	got, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, memTestGoroutines*memTestIterations)
}

func TestStoreNotifier(t *testing.T) {
	store := NewMemoryStore(memTestRetention)
	ctx := context.Background()
	notes := testNotes()

	n := StoreNotifier{Store: store, Cleaner: callsite.DefaultCleaner()}
	require.NoError(t, n.Notify(ctx, notes))

	got, err := store.List(ctx, Filter{CallSite: notes[0].CallSite.String()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	f := got[0]
	assert.NoError(t, uuid.Validate(f.ID))
	assert.Equal(t, notes[0].Fingerprint, f.Fingerprint)
	assert.Equal(t, 2, f.Count)
	assert.Equal(t, []string{repTestFrame}, f.Stack, "stored stacks are cleaned")
	assert.WithinDuration(t, time.Now(), f.DetectedAt, time.Minute)
}

type failingStore struct{ MemoryStore }

func (*failingStore) Save(context.Context, []Finding) error {
	return errors.New("store unavailable")
}

func TestStoreNotifier_Error(t *testing.T) {
	n := StoreNotifier{Store: &failingStore{}}
	err := n.Notify(context.Background(), testNotes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "saving n+1 findings")
}

func TestNewFindings(t *testing.T) {
	at := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	got := NewFindings([]aggregate.Notification{testNotes()[0], testNotes()[0]}, nil, at)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.Equal(t, at, got[0].DetectedAt)
	assert.Len(t, got[0].Stack, 2)
}
