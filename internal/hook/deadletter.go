package hook

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"taskq/internal/domain"
	"taskq/internal/ports"
)

const createDeadLettersTable = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    queue         TEXT NOT NULL,
    task_id       TEXT NOT NULL,
    log_id        TEXT NOT NULL,
    hook_metadata TEXT NOT NULL,
    failed_at     DATETIME NOT NULL
)`

// DeadLetter is one envelope that exhausted its retries.
type DeadLetter struct {
	ID           int64     `json:"id"`
	Queue        string    `json:"queue"`
	TaskID       string    `json:"task_id"`
	LogID        string    `json:"log_id"`
	HookMetadata string    `json:"hook_metadata"`
	FailedAt     time.Time `json:"failed_at"`
}

// DeadLetterStore persists dead notifications in SQLite.
type DeadLetterStore struct {
	db *sql.DB
}

// OpenDeadLetterStore opens the SQLite database at path and creates its table.
func OpenDeadLetterStore(path string) (*DeadLetterStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createDeadLettersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create dead_letters table: %w", err)
	}

	return &DeadLetterStore{db: db}, nil
}

func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}

// For returns a hook recording dead envelopes of queue.
func (s *DeadLetterStore) For(queue string) ports.Hook {
	return deadLetters{s: s, queue: queue}
}

// Record inserts a dead letter.
func (s *DeadLetterStore) Record(ctx context.Context, d DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (queue, task_id, log_id, hook_metadata, failed_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.Queue, d.TaskID, d.LogID, d.HookMetadata, d.FailedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns the most recent dead letters first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, task_id, log_id, hook_metadata, failed_at
		FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.Queue, &d.TaskID, &d.LogID, &d.HookMetadata, &d.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type deadLetters struct {
	s     *DeadLetterStore
	queue string
}

func (d deadLetters) Notify(ctx context.Context, outcome domain.Outcome, taskID, logID, hookMetadata string) error {
	if outcome != domain.OutcomeDead {
		return nil
	}
	return d.s.Record(ctx, DeadLetter{
		Queue:        d.queue,
		TaskID:       taskID,
		LogID:        logID,
		HookMetadata: hookMetadata,
		FailedAt:     time.Now(),
	})
}
