package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SettingsStore persists user-facing settings as a key/value table in the
// app database. Values are opaque JSON.
type SettingsStore struct {
	db *sql.DB
}

// NewSettingsStore creates the store and its schema.
func NewSettingsStore(db *sql.DB) (*SettingsStore, error) {
	s := &SettingsStore{db: db}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	return s, nil
}

// GetAll returns every setting as a key to raw JSON value map.
func (s *SettingsStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// SetAll upserts the given settings in one transaction.
func (s *SettingsStore) SetAll(ctx context.Context, values map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for key, value := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, string(value), now); err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return fmt.Errorf("failed to rollback settings update: %w", rollbackErr)
			}
			return err
		}
	}
	return tx.Commit()
}
