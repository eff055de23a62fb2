//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/nplusone/pkg/database/migrate"
	"github.com/txn2/nplusone/pkg/report"
)

func TestStore_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:16",
		tcpostgres.WithDatabase("nplusone"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, migrate.Run(db))

	store := New(db, Config{RetentionDays: 1})
	now := time.Now().UTC().Truncate(time.Microsecond)

	old := newTestFinding()
	old.ID = uuid.NewString()
	old.DetectedAt = now.AddDate(0, 0, -3)

	recent := newTestFinding()
	recent.ID = uuid.NewString()
	recent.DetectedAt = now

	require.NoError(t, store.Save(ctx, []report.Finding{old, recent}))

	got, err := store.List(ctx, report.Filter{CallSite: pgTestCallSite})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recent.ID, got[0].ID, "newest first")
	assert.Equal(t, recent.Queries, got[0].Queries)
	assert.Equal(t, recent.Stack, got[0].Stack)
	assert.True(t, recent.DetectedAt.Equal(got[0].DetectedAt))

	require.NoError(t, store.Cleanup(ctx))
	got, err = store.List(ctx, report.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)
}
