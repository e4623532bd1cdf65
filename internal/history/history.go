// Package history keeps a SQLite ledger of file conversions so that restarts and
// repeated runs do not convert the same input twice.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basekick-labs/elf/internal/pipeline"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Job is one recorded conversion
type Job struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	Path       string    `json:"path"`
	Output     string    `json:"output,omitempty"`
	Format     string    `json:"format"`
	Status     string    `json:"status"`
	Records    int       `json:"records"`
	Lines      int       `json:"lines"`
	Bytes      int64     `json:"bytes"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Filter holds filter parameters for Query
type Filter struct {
	Path   string
	Status string
	Since  time.Time
	Limit  int
	Offset int
}

// Store records conversions of one export format
type Store struct {
	db     *sql.DB
	format string
	logger zerolog.Logger
}

// Open opens (creating if needed) the ledger at path. Jobs are recorded under format,
// so switching formats converts inputs again.
func Open(path, format string, logger zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// one connection: SQLite has a single writer and :memory: is per connection
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		format: format,
		logger: logger.With().Str("component", "history").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	s.logger.Debug().Str("path", path).Str("format", format).Msg("Conversion history opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversion_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		path TEXT NOT NULL,
		output TEXT,
		format TEXT NOT NULL,
		status TEXT NOT NULL,
		records INTEGER,
		lines INTEGER,
		bytes INTEGER,
		duration_ms INTEGER,
		error TEXT,
		finished_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_path ON conversion_jobs(path, format, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished ON conversion_jobs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores the results of a run in one transaction.
// Results of files that were never started (no job id) are skipped.
func (s *Store) Record(ctx context.Context, results []pipeline.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversion_jobs (job_id, path, output, format, status, records, lines, bytes, duration_ms, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	recorded := 0
	for _, res := range results {
		if res.JobID == "" {
			continue
		}
		status, errText := StatusSuccess, ""
		if res.Err != nil {
			status, errText = StatusFailed, res.Err.Error()
		}
		if _, err := stmt.ExecContext(ctx,
			res.JobID, res.Path, res.Output, s.format, status,
			res.Records, res.Lines, res.Bytes, res.Duration.Milliseconds(), errText, now,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record job %s: %w", res.JobID, err)
		}
		recorded++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	s.logger.Debug().Int("jobs", recorded).Msg("Recorded conversion jobs")
	return nil
}

// Converted reports whether path was converted successfully to the store's format
func (s *Store) Converted(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM conversion_jobs WHERE path = ? AND format = ? AND status = ? LIMIT 1",
		path, s.format, StatusSuccess,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query history: %w", err)
	}
	return true, nil
}

// Query returns jobs matching filter, newest first
func (s *Store) Query(ctx context.Context, filter *Filter) ([]Job, error) {
	query := "SELECT id, job_id, path, output, format, status, records, lines, bytes, duration_ms, error, finished_at FROM conversion_jobs WHERE 1=1"
	var args []interface{}

	if filter.Path != "" {
		query += " AND path = ?"
		args = append(args, filter.Path)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		query += " AND finished_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY finished_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		var j Job
		var output, errText sql.NullString
		var records, lines, bytes, durationMs sql.NullInt64

		if err := rows.Scan(&j.ID, &j.JobID, &j.Path, &output, &j.Format, &j.Status,
			&records, &lines, &bytes, &durationMs, &errText, &j.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		j.Output = output.String
		j.Error = errText.String
		j.Records = int(records.Int64)
		j.Lines = int(lines.Int64)
		j.Bytes = bytes.Int64
		j.DurationMs = durationMs.Int64
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// Stats returns job counts by status
func (s *Store) Stats(ctx context.Context, since time.Time) (map[string]int64, error) {
	query := "SELECT status, COUNT(*) FROM conversion_jobs"
	var args []interface{}

	if !since.IsZero() {
		query += " WHERE finished_at >= ?"
		args = append(args, since.UTC())
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int64{StatusSuccess: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan history stat: %w", err)
		}
		stats[status] = count
	}

	return stats, rows.Err()
}

// PruneFailed deletes failed jobs finished before cutoff. Successful jobs are kept:
// they are what prevents a second conversion.
func (s *Store) PruneFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM conversion_jobs WHERE status = ? AND finished_at < ?",
		StatusFailed, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.logger.Info().Int64("deleted", rows).Time("cutoff", cutoff).Msg("Pruned failed conversion jobs")
	}
	return rows, nil
}
