package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Well-known system_settings keys.
const (
	SettingStopCursor = "stop_cursor"
	SettingStopTime   = "stop_time"
)

// GetSetting returns the value for key, or "" with ok=false if unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return stringOf(value), true, nil
}

// SetSetting upserts a key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	now := unixMicros(time.Now().UTC())
	return retryWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now,
		)
		return err
	})
}
