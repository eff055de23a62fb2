//go:build integration

package migrate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const latestVersion = uint(2)

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		)
	`, table).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("nplusone"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
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

	t.Run("run creates the findings table", func(t *testing.T) {
		require.NoError(t, Run(db))
		require.True(t, tableExists(t, db, "nplusone_findings"))

		version, dirty, err := Version(db)
		require.NoError(t, err)
		require.False(t, dirty)
		require.Equal(t, latestVersion, version)
	})

	t.Run("run is idempotent", func(t *testing.T) {
		require.NoError(t, Run(db))
		version, _, err := Version(db)
		require.NoError(t, err)
		require.Equal(t, latestVersion, version)
	})

	t.Run("down drops the findings table", func(t *testing.T) {
		require.NoError(t, Down(db))
		require.False(t, tableExists(t, db, "nplusone_findings"))
	})

	t.Run("steps applies one migration at a time", func(t *testing.T) {
		require.NoError(t, Steps(db, 1))
		version, _, err := Version(db)
		require.NoError(t, err)
		require.Equal(t, uint(1), version)

		require.NoError(t, Steps(db, 1))
		version, _, err = Version(db)
		require.NoError(t, err)
		require.Equal(t, latestVersion, version)
	})
}
