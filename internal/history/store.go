// Package history keeps a durable log of finished jobs in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/WangQiHao-Charlie/actiond/internal/history/migrations"
	"github.com/WangQiHao-Charlie/actiond/internal/job"
	_ "modernc.org/sqlite"
)

// DefaultLimit bounds Recent when the caller gives no limit.
const DefaultLimit = 50

// Store persists job records in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite history store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append stores one finished job and returns its row id.
func (s *Store) Append(ctx context.Context, rec job.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if rec.Handle == "" {
		return 0, fmt.Errorf("handle is required")
	}
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO jobs (
		   handle, action, status, code, output_directory, cached, duration_ms, finished_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Handle,
		rec.Action,
		rec.Status,
		rec.Code,
		rec.OutputDirectory,
		boolToInt(rec.Cached),
		int64(math.Round(rec.Duration*1000)),
		toMillis(finished),
	)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit records, newest first. A non-empty action
// restricts the result to that action.
func (s *Store) Recent(ctx context.Context, limit int, action string) ([]job.Record, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `SELECT id, handle, action, status, code, output_directory, cached, duration_ms, finished_at
		FROM jobs`
	args := []any{}
	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		var (
			rec        job.Record
			cached     int64
			durationMS int64
			finished   int64
		)
		if err := rows.Scan(&rec.ID, &rec.Handle, &rec.Action, &rec.Status, &rec.Code,
			&rec.OutputDirectory, &cached, &durationMS, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		rec.Cached = cached != 0
		rec.Duration = float64(durationMS) / 1000
		rec.FinishedAt = fromMillis(finished)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// Prune deletes records that finished before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM jobs WHERE finished_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
