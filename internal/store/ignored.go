package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hallowgate/atwatch/internal/model"
)

// AddIgnored marks did as ignored and, in the same transaction, deletes any
// profile_changes rows already recorded for it — the mechanism behind
// invariant 2: once the ignore-add transaction commits, no profile_changes
// row exists for that DID.
func (s *Store) AddIgnored(ctx context.Context, did string) error {
	now := unixMicros(time.Now().UTC())
	return retryWrite(func() error {
		return s.txDo(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ignored_users (did, added_at) VALUES (?, ?)
				ON CONFLICT(did) DO NOTHING`, did, now,
			); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM profile_changes WHERE did = ?`, did,
			); err != nil {
				return err
			}
			return nil
		})
	})
}

// RemoveIgnored un-ignores did so future events for it are processed again.
func (s *Store) RemoveIgnored(ctx context.Context, did string) error {
	return retryWrite(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM ignored_users WHERE did = ?`, did)
		return err
	})
}

// ListIgnored returns every ignored DID.
func (s *Store) ListIgnored(ctx context.Context) ([]model.IgnoredDID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT did, added_at FROM ignored_users`)
	if err != nil {
		return nil, fmt.Errorf("list ignored: %w", err)
	}
	defer rows.Close()

	var out []model.IgnoredDID
	for rows.Next() {
		var did string
		var addedAt int64
		if err := rows.Scan(&did, &addedAt); err != nil {
			return nil, err
		}
		out = append(out, model.IgnoredDID{DID: did, AddedAt: fromUnixMicros(addedAt)})
	}
	return out, rows.Err()
}
