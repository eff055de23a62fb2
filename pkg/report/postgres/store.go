// Package postgres provides PostgreSQL storage for N+1 findings.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/nplusone/pkg/report"
)

const (
	defaultRetentionDays = 30
	defaultListCapacity  = 100
	maxListCapacity      = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// findingColumns lists columns returned by finding SELECT queries.
var findingColumns = []string{
	"id", "detected_at", "call_site", "fingerprint", "query_count", "queries", "stack",
}

// Store implements report.Store using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL findings store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL findings store. The schema is created by
// pkg/database/migrate.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Save inserts findings in one transaction.
func (s *Store) Save(ctx context.Context, findings []report.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning findings transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO nplusone_findings
		(id, detected_at, call_site, fingerprint, query_count, queries, stack)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, f := range findings {
		queries, err := json.Marshal(f.Queries)
		if err != nil {
			return fmt.Errorf("encoding finding queries: %w", err)
		}
		stack, err := json.Marshal(nonNil(f.Stack))
		if err != nil {
			return fmt.Errorf("encoding finding stack: %w", err)
		}

		if _, err := tx.ExecContext(ctx, query,
			f.ID, f.DetectedAt, f.CallSite, f.Fingerprint, f.Count, queries, stack,
		); err != nil {
			return fmt.Errorf("inserting finding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing findings: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, filter report.Filter) sq.SelectBuilder {
	if filter.CallSite != "" {
		qb = qb.Where(sq.Eq{"call_site": filter.CallSite})
	}
	if filter.Fingerprint != "" {
		qb = qb.Where(sq.Eq{"fingerprint": filter.Fingerprint})
	}
	if filter.Since != nil {
		qb = qb.Where(sq.GtOrEq{"detected_at": *filter.Since})
	}
	return qb
}

// List returns findings matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter report.Filter) ([]report.Finding, error) {
	qb := applyFilter(psq.Select(findingColumns...).From("nplusone_findings"), filter)
	qb = qb.OrderBy("detected_at DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building findings query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultListCapacity
	if filter.Limit > 0 && filter.Limit <= maxListCapacity {
		allocCap = filter.Limit
	}
	findings := make([]report.Finding, 0, allocCap)

	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating finding rows: %w", err)
	}
	return findings, nil
}

func scanFinding(rows *sql.Rows) (report.Finding, error) {
	var f report.Finding
	var queries, stack []byte

	if err := rows.Scan(&f.ID, &f.DetectedAt, &f.CallSite, &f.Fingerprint, &f.Count, &queries, &stack); err != nil {
		return f, fmt.Errorf("scanning finding row: %w", err)
	}
	if len(queries) > 0 {
		if err := json.Unmarshal(queries, &f.Queries); err != nil {
			return f, fmt.Errorf("decoding finding queries: %w", err)
		}
	}
	if len(stack) > 0 {
		if err := json.Unmarshal(stack, &f.Stack); err != nil {
			return f, fmt.Errorf("decoding finding stack: %w", err)
		}
	}
	return f, nil
}

// Cleanup removes findings older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nplusone_findings WHERE detected_at < $1`, cutoff); err != nil {
		return fmt.Errorf("cleaning up findings: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old findings. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
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
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("findings cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close cancels the cleanup goroutine and waits for it to exit. The database
// handle belongs to the caller.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ report.Store = (*Store)(nil)
