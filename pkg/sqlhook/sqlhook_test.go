package sqlhook

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/txn2/nplusone/pkg/aggregate"
	"github.com/txn2/nplusone/pkg/detector"
	"github.com/txn2/nplusone/pkg/fingerprint"
)

const (
	hookTestUserQuery = "SELECT * FROM users WHERE id = ?"
	hookTestRepeats   = 3
)

var driverSeq atomic.Int64

// uniqueName returns a driver name not yet registered with database/sql.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, driverSeq.Add(1))
}

type collector struct {
	mu    sync.Mutex
	notes []aggregate.Notification
}

func (c *collector) Notify(_ context.Context, notes []aggregate.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, notes...)
	return nil
}

func newDetector(t *testing.T) (*detector.Detector, *collector) {
	t.Helper()
	c := &collector{}
	return detector.New(detector.WithNotifier(c)), c
}

// openMock returns a database/sql handle whose driver is sqlmock wrapped by
// sqlhook.
func openMock(t *testing.T, det *detector.Detector) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	dsn := uniqueName("sqlmock")
	mockDB, mock, err := sqlmock.NewWithDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	name := uniqueName("sqlhook-mock")
	Register(name, mockDB.Driver(), det, WithDialect(fingerprint.MySQL))
	db, err := sql.Open(name, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func queryUsers(ctx context.Context, t *testing.T, db *sql.DB, mock sqlmock.Sqlmock) {
	t.Helper()
	for id := 1; id <= hookTestRepeats; id++ {
		mock.ExpectQuery(`SELECT \* FROM users`).WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
		rows, err := db.QueryContext(ctx, hookTestUserQuery, id)
		require.NoError(t, err)
		require.NoError(t, rows.Close())
	}
}

func TestHook_DetectsRepeatedQueries(t *testing.T) {
	det, c := newDetector(t)
	db, mock := openMock(t, det)

	err := det.Scan(context.Background(), func(ctx context.Context) error {
		queryUsers(ctx, t, db, mock)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, c.notes, 1)
	note := c.notes[0]
	assert.Len(t, note.Queries, hookTestRepeats)
	assert.Equal(t, "select * from users where id = ?", note.Fingerprint)
	require.NotEmpty(t, note.Stack)
	assert.Contains(t, note.Stack[0], "sqlhook.queryUsers", "stack starts at the caller of database/sql")
	for _, frame := range note.Stack {
		assert.NotContains(t, frame, " in database/sql.")
	}
}

func TestHook_OutsideScope(t *testing.T) {
	det, c := newDetector(t)
	db, mock := openMock(t, det)

	ctx := context.Background()
	queryUsers(ctx, t, db, mock)

	_, err := det.Finish(ctx)
	require.NoError(t, err)
	assert.Empty(t, c.notes)
}

func TestHook_ContextFlags(t *testing.T) {
	tests := []struct {
		name string
		wrap func(context.Context) context.Context
	}{
		{name: "schema operation", wrap: func(ctx context.Context) context.Context {
			return detector.WithOperation(ctx, detector.SchemaOperation)
		}},
		{name: "cache hit", wrap: detector.WithCacheHit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, c := newDetector(t)
			db, mock := openMock(t, det)

			err := det.Scan(context.Background(), func(ctx context.Context) error {
				queryUsers(tt.wrap(ctx), t, db, mock)
				return nil
			})
			require.NoError(t, err)
			assert.Empty(t, c.notes)
		})
	}
}

func TestHook_PreparedStatement(t *testing.T) {
	det, c := newDetector(t)
	db, mock := openMock(t, det)

	err := det.Scan(context.Background(), func(ctx context.Context) error {
		prep := mock.ExpectPrepare(`SELECT \* FROM users`)
		stmt, err := db.PrepareContext(ctx, hookTestUserQuery)
		require.NoError(t, err)
		defer func() { _ = stmt.Close() }()

		for id := 1; id <= hookTestRepeats; id++ {
			prep.ExpectQuery().WithArgs(id).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
			rows, err := stmt.QueryContext(ctx, id)
			require.NoError(t, err)
			require.NoError(t, rows.Close())
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, c.notes, 1)
	assert.Len(t, c.notes[0].Queries, hookTestRepeats)
}

func TestHook_ExecWithoutSelectIgnored(t *testing.T) {
	det, c := newDetector(t)
	db, mock := openMock(t, det)

	err := det.Scan(context.Background(), func(ctx context.Context) error {
		for id := 1; id <= hookTestRepeats; id++ {
			mock.ExpectExec("UPDATE users").WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
			_, err := db.ExecContext(ctx, "UPDATE users SET seen = 1 WHERE id = ?", id)
			require.NoError(t, err)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, c.notes)
}

func TestHook_Transaction(t *testing.T) {
	det, c := newDetector(t)
	db, mock := openMock(t, det)

	err := det.Scan(context.Background(), func(ctx context.Context) error {
		mock.ExpectBegin()
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		for id := 1; id <= hookTestRepeats; id++ {
			mock.ExpectQuery(`SELECT \* FROM users`).WithArgs(id).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
			rows, err := tx.QueryContext(ctx, hookTestUserQuery, id)
			require.NoError(t, err)
			require.NoError(t, rows.Close())
		}
		mock.ExpectCommit()
		return tx.Commit()
	})
	require.NoError(t, err)
	require.Len(t, c.notes, 1)
}

// legacyDriver implements only the mandatory driver interfaces plus
// ConnBeginTx, forcing database/sql through the prepare fallback.
type legacyDriver struct{ prepared atomic.Int64 }

type legacyConn struct{ d *legacyDriver }

type legacyStmt struct{}

type legacyRows struct{ done bool }

func (d *legacyDriver) Open(string) (driver.Conn, error) { return &legacyConn{d: d}, nil }

func (c *legacyConn) Prepare(string) (driver.Stmt, error) {
	c.d.prepared.Add(1)
	return legacyStmt{}, nil
}
func (*legacyConn) Close() error              { return nil }
func (*legacyConn) Begin() (driver.Tx, error) { return nil, driver.ErrBadConn }
func (*legacyConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return nil, driver.ErrBadConn
}

func (legacyStmt) Close() error  { return nil }
func (legacyStmt) NumInput() int { return -1 }
func (legacyStmt) Exec([]driver.Value) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}
func (legacyStmt) Query([]driver.Value) (driver.Rows, error) { return &legacyRows{}, nil }

func (*legacyRows) Columns() []string { return []string{"n"} }
func (*legacyRows) Close() error      { return nil }
func (r *legacyRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}

func TestHook_LegacyDriverObservedOnce(t *testing.T) {
	det, c := newDetector(t)
	legacy := &legacyDriver{}
	name := uniqueName("sqlhook-legacy")
	Register(name, legacy, det, WithDialect(fingerprint.MySQL))

	db, err := sql.Open(name, "")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	err = det.Scan(context.Background(), func(ctx context.Context) error {
		for id := 1; id <= 2; id++ {
			var n int
			require.NoError(t, db.QueryRowContext(ctx, hookTestUserQuery, id).Scan(&n))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), legacy.prepared.Load(), "queries went through the prepare fallback")
	require.Len(t, c.notes, 1)
	assert.Len(t, c.notes[0].Queries, 2, "each query is observed exactly once")
}

func TestHook_SQLiteEndToEnd(t *testing.T) {
	base, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = base.Close() }()

	det, c := newDetector(t)
	name := uniqueName("sqlhook-sqlite")
	Register(name, base.Driver(), det, WithDialect(fingerprint.SQLite))

	db, err := sql.Open(name, ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	for id := 1; id <= hookTestRepeats; id++ {
		_, err = db.ExecContext(ctx, `INSERT INTO users (id, name) VALUES (?, ?)`, id, fmt.Sprintf("user-%d", id))
		require.NoError(t, err)
	}

	var names []string
	err = det.Scan(ctx, func(ctx context.Context) error {
		for id := 1; id <= hookTestRepeats; id++ {
			var name string
			if err := db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = ?`, id).Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"user-1", "user-2", "user-3"}, names)
	require.Len(t, c.notes, 1)
	assert.Len(t, c.notes[0].Queries, hookTestRepeats)
	assert.True(t, strings.HasPrefix(c.notes[0].Fingerprint, "select name from users"))
}

func TestWrapConnector(t *testing.T) {
	det, c := newDetector(t)
	dsn := uniqueName("sqlmock")
	mockDB, mock, err := sqlmock.NewWithDSN(dsn)
	require.NoError(t, err)
	defer func() { _ = mockDB.Close() }()

	db := sql.OpenDB(WrapConnector(dsnConnector{dsn: dsn, d: mockDB.Driver()}, det, WithDialect(fingerprint.MySQL)))
	defer func() { _ = db.Close() }()

	err = det.Scan(context.Background(), func(ctx context.Context) error {
		queryUsers(ctx, t, db, mock)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, c.notes, 1)
}

type dsnConnector struct {
	dsn string
	d   driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) { return c.d.Open(c.dsn) }
func (c dsnConnector) Driver() driver.Driver                        { return c.d }
