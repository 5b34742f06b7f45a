// Package notifications enqueues user-facing notifications and decides
// when they are warranted.
package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification kinds.
const (
	KindSessionComplete = "session_complete"
	KindSessionError    = "session_error"
)

// Notification is one enqueued notification row.
type Notification struct {
	ID        string
	Kind      string
	AgentSlug string
	SessionID string
	Title     string
	Body      string
	DedupeKey string
	CreatedAt time.Time
	ReadAt    *time.Time
}

// Store defines notification persistence.
type Store interface {
	Enqueue(ctx context.Context, n *Notification) (bool, error)
	ListUnread(ctx context.Context) ([]*Notification, error)
	MarkRead(ctx context.Context, id string) error
}

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize notifications schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		agent_slug TEXT NOT NULL,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		dedupe_key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL,
		read_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(read_at);
	`)
	return err
}

// Enqueue inserts the notification unless its dedupe key already exists.
// Returns whether a row was inserted.
func (s *SQLiteStore) Enqueue(ctx context.Context, n *Notification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications (id, kind, agent_slug, session_id, title, body, dedupe_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Kind, n.AgentSlug, n.SessionID, n.Title, n.Body, n.DedupeKey, n.CreatedAt)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ListUnread returns unread notifications, newest first.
func (s *SQLiteStore) ListUnread(ctx context.Context) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, agent_slug, session_id, title, body, dedupe_key, created_at, read_at
		FROM notifications WHERE read_at IS NULL ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.Kind, &n.AgentSlug, &n.SessionID, &n.Title, &n.Body,
			&n.DedupeKey, &n.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead stamps a notification as read.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("notification not found or already read: %s", id)
	}
	return nil
}
