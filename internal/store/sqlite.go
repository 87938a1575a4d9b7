// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			from_code TEXT NOT NULL,
			to_code TEXT,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			read_at DATETIME,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_to_code
			ON messages(to_code, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_type
			ON messages(type, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// InsertMessage persists a new message record.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_code, to_code, content, type, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.FromCode, msg.ToCode, msg.Content, msg.Type, msg.Priority,
		msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, from_code, to_code, content, type, priority, read_at, created_at
		FROM messages WHERE id = ?
	`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return msg, nil
}

// MarkRead marks a message as read. The WHERE guard makes a second mark a
// no-op so read_at always reflects the first successful call.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL
	`, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		// Either unknown or already read; only the former is an error.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking message existence: %w", err)
		}
	}
	return nil
}

// QueryInbox lists messages visible to an identity, newest first.
// Direct messages addressed to the identity and all broadcasts qualify.
func (s *SQLiteStore) QueryInbox(ctx context.Context, identity string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_code, to_code, content, type, priority, read_at, created_at
		FROM messages
		WHERE to_code = ? OR type = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, identity, MessageTypeBroadcast, limit)
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanMessage.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var toCode sql.NullString
	var readAt sql.NullString
	var createdAt string

	err := row.Scan(&m.ID, &m.FromCode, &toCode, &m.Content, &m.Type,
		&m.Priority, &readAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if toCode.Valid {
		m.ToCode = &toCode.String
	}
	if readAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, readAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing read_at: %w", err)
		}
		m.ReadAt = &t
		m.IsRead = true
	}
	m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &m, nil
}
