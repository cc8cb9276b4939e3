package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hallowgate/atwatch/internal/model"
)

// AddMonitoringUser registers did as a monitoring user. Idempotent.
func (s *Store) AddMonitoringUser(ctx context.Context, did, handle string) error {
	now := unixMicros(time.Now().UTC())
	return retryWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO monitoring_users (did, handle, added_at) VALUES (?, ?, ?)
			ON CONFLICT(did) DO UPDATE SET handle = excluded.handle`,
			did, nullIfEmpty(handle), now,
		)
		return err
	})
}

// RemoveMonitoringUser purges a monitoring user and everything derived from
// them: their follow edges and backfill state. Runs in a single
// transaction so a crash mid-purge never leaves an orphaned follow row
// pointing at a user that no longer exists.
func (s *Store) RemoveMonitoringUser(ctx context.Context, did string) error {
	return retryWrite(func() error {
		return s.txDo(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM monitored_follows WHERE user_did = ?`, did); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM monitoring_backfill_state WHERE user_did = ?`, did); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM monitoring_users WHERE did = ?`, did); err != nil {
				return err
			}
			return nil
		})
	})
}

// ListMonitoringUsers returns every registered monitoring user.
func (s *Store) ListMonitoringUsers(ctx context.Context) ([]model.MonitoringUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT did, handle, added_at FROM monitoring_users`)
	if err != nil {
		return nil, fmt.Errorf("list monitoring users: %w", err)
	}
	defer rows.Close()

	var out []model.MonitoringUser
	for rows.Next() {
		var (
			u       model.MonitoringUser
			handle  sql.NullString
			addedAt int64
		)
		if err := rows.Scan(&u.DID, &handle, &addedAt); err != nil {
			return nil, err
		}
		u.Handle = stringOf(handle)
		u.AddedAt = fromUnixMicros(addedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// IsMonitoringUser reports whether did has enabled monitoring.
func (s *Store) IsMonitoringUser(ctx context.Context, did string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM monitoring_users WHERE did = ?`, did).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is monitoring user: %w", err)
	}
	return true, nil
}
