// ABOUTME: SQLite implementation of the audit store using modernc.org/sqlite
// ABOUTME: Automatic schema creation, WAL mode for concurrent writers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements AuditStore on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the audit database at path. Parent
// directories are created if needed and the schema is applied
// automatically.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "audit-store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps the router's audit writes from blocking history reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			command_id  TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			service     TEXT NOT NULL,
			session_id  TEXT,
			user_id     TEXT,
			status      TEXT NOT NULL,
			error_code  TEXT,
			started_at  DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,

			CHECK (status IN ('success', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_started
			ON commands(started_at);

		CREATE TABLE IF NOT EXISTS dead_letters (
			message_id TEXT PRIMARY KEY,
			sender     TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			type       TEXT NOT NULL,
			payload    BLOB,
			attempts   INTEGER NOT NULL,
			failed_at  DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_dead_letters_failed
			ON dead_letters(failed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCommand appends one command outcome.
func (s *SQLiteStore) RecordCommand(ctx context.Context, rec CommandRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO commands
			(command_id, name, service, session_id, user_id, status, error_code, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.Name, rec.Service, rec.SessionID, rec.UserID,
		rec.Status, rec.ErrorCode, rec.StartedAt, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("recording command %s: %w", rec.CommandID, err)
	}
	return nil
}

// RecentCommands returns up to limit commands, newest first.
func (s *SQLiteStore) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, name, service, session_id, user_id, status, error_code, started_at, duration_ms
		FROM commands ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		if err := rows.Scan(&rec.CommandID, &rec.Name, &rec.Service, &rec.SessionID,
			&rec.UserID, &rec.Status, &rec.ErrorCode, &rec.StartedAt, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordDeadLetter retains one dead-lettered message.
func (s *SQLiteStore) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters
			(message_id, sender, recipient, type, payload, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.MessageID, dl.Sender, dl.Recipient, dl.Type, dl.Payload, dl.Attempts, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("recording dead letter %s: %w", dl.MessageID, err)
	}
	return nil
}

// DeadLetters returns up to limit dead letters, newest first.
func (s *SQLiteStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender, recipient, type, payload, attempts, failed_at
		FROM dead_letters ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.MessageID, &dl.Sender, &dl.Recipient, &dl.Type,
			&dl.Payload, &dl.Attempts, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
