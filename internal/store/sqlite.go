package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
	"github.com/ashureev/clipbot/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS job_events (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		processor TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_job_events_created ON job_events(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record appends one job event.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) Record(ctx context.Context, ev domain.JobEvent) error {
	return withConflictRetry(ctx, "record job event", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		query := `
		INSERT INTO job_events (id, job_id, chat_id, type, status, processor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
		_, err := s.db.ExecContext(ctx, query,
			ev.ID, ev.JobID, string(ev.ChatID), string(ev.Type),
			string(ev.Status), string(ev.Processor), ev.Detail,
			ev.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// ListEvents returns a job's events, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	query := `
		SELECT id, job_id, chat_id, type, status, processor, detail, created_at
		FROM job_events WHERE job_id = ?
		ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close job event rows", "error", closeErr)
		}
	}()

	events := make([]domain.JobEvent, 0)
	for rows.Next() {
		var ev domain.JobEvent
		var chatID, typ, status, processor string
		var createdAt int64

		if err := rows.Scan(&ev.ID, &ev.JobID, &chatID, &typ, &status, &processor, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job event row: %w", err)
		}

		ev.ChatID = domain.ChatID(chatID)
		ev.Type = domain.EventType(typ)
		ev.Status = domain.JobStatus(status)
		ev.Processor = domain.Processor(processor)
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}

	return events, nil
}

// CleanupExpiredEvents removes events older than ttl.
func (s *SQLiteStore) CleanupExpiredEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	var removed int64
	err := withConflictRetry(ctx, "cleanup job events", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		result, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?`, threshold)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	return removed, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withConflictRetry retries op on SQLite busy/locked errors with
// exponential backoff: 100ms, 200ms.
func withConflictRetry(ctx context.Context, what string, op func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write conflict, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
