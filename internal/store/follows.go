package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hallowgate/atwatch/internal/model"
)

// FindFollow looks up a single monitored_follows row by primary key.
func (s *Store) FindFollow(ctx context.Context, userDID, followDID string) (model.MonitoredFollow, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_did, follow_did, follow_handle, rkey, added_at
		FROM monitored_follows WHERE user_did = ? AND follow_did = ?`,
		userDID, followDID,
	)
	f, err := scanFollow(row)
	if err == sql.ErrNoRows {
		return model.MonitoredFollow{}, false, nil
	}
	if err != nil {
		return model.MonitoredFollow{}, false, fmt.Errorf("find follow: %w", err)
	}
	return f, true, nil
}

// FindFollowByRecordKey looks up the follow edge created by a specific
// follow record, the only reliable key for processing unfollow events.
func (s *Store) FindFollowByRecordKey(ctx context.Context, userDID, rkey string) (model.MonitoredFollow, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_did, follow_did, follow_handle, rkey, added_at
		FROM monitored_follows WHERE user_did = ? AND rkey = ?`,
		userDID, rkey,
	)
	f, err := scanFollow(row)
	if err == sql.ErrNoRows {
		return model.MonitoredFollow{}, false, nil
	}
	if err != nil {
		return model.MonitoredFollow{}, false, fmt.Errorf("find follow by rkey: %w", err)
	}
	return f, true, nil
}

// UpsertFollow inserts or updates a single follow edge.
func (s *Store) UpsertFollow(ctx context.Context, f model.MonitoredFollow) error {
	if f.AddedAt.IsZero() {
		f.AddedAt = time.Now().UTC()
	}
	return retryWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO monitored_follows (user_did, follow_did, follow_handle, rkey, added_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_did, follow_did) DO UPDATE SET
				follow_handle = excluded.follow_handle,
				rkey = excluded.rkey`,
			f.UserDID, f.FollowDID, nullIfEmpty(f.FollowHandle), f.RecordKey, unixMicros(f.AddedAt),
		)
		return err
	})
}

// DeleteFollow removes a single follow edge.
func (s *Store) DeleteFollow(ctx context.Context, userDID, followDID string) error {
	return retryWrite(func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM monitored_follows WHERE user_did = ? AND follow_did = ?`,
			userDID, followDID,
		)
		return err
	})
}

// IsFollowedByAnyUser reports whether any monitoring user still follows
// followDID, used by the unfollow handler to decide whether a DID-set
// reconcile is needed.
func (s *Store) IsFollowedByAnyUser(ctx context.Context, followDID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM monitored_follows WHERE follow_did = ? LIMIT 1`, followDID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is followed by any user: %w", err)
	}
	return true, nil
}

// ListFollowDIDs returns the distinct set of all follow targets across
// every monitoring user, used by the main stream to build its DID-set.
func (s *Store) ListFollowDIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT follow_did FROM monitored_follows`)
	if err != nil {
		return nil, fmt.Errorf("list follow dids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out = append(out, did)
	}
	return out, rows.Err()
}

// ListFollowsForUser returns every follow edge owned by userDID.
func (s *Store) ListFollowsForUser(ctx context.Context, userDID string) ([]model.MonitoredFollow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_did, follow_did, follow_handle, rkey, added_at FROM monitored_follows WHERE user_did = ?`,
		userDID,
	)
	if err != nil {
		return nil, fmt.Errorf("list follows for user: %w", err)
	}
	defer rows.Close()

	var out []model.MonitoredFollow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReconcileFollows makes the persisted follow set for userDID match want
// exactly: it adds new follows, removes absent ones, and updates changed
// handles/record-keys for existing ones. Used by the main stream's
// follow-sync bootstrap on start(), inside a single transaction so a
// crash mid-reconcile never leaves a half-applied follow set.
func (s *Store) ReconcileFollows(ctx context.Context, userDID string, want []model.MonitoredFollow) error {
	return retryWrite(func() error {
		return s.txDo(ctx, func(tx *sql.Tx) error {
			existing := make(map[string]model.MonitoredFollow)
			rows, err := tx.QueryContext(ctx,
				`SELECT user_did, follow_did, follow_handle, rkey, added_at FROM monitored_follows WHERE user_did = ?`,
				userDID,
			)
			if err != nil {
				return err
			}
			for rows.Next() {
				f, err := scanFollow(rows)
				if err != nil {
					rows.Close()
					return err
				}
				existing[f.FollowDID] = f
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()

			wantByDID := make(map[string]model.MonitoredFollow, len(want))
			now := unixMicros(time.Now().UTC())

			for _, f := range want {
				wantByDID[f.FollowDID] = f
				prior, ok := existing[f.FollowDID]
				switch {
				case !ok:
					if _, err := tx.ExecContext(ctx, `
						INSERT INTO monitored_follows (user_did, follow_did, follow_handle, rkey, added_at)
						VALUES (?, ?, ?, ?, ?)`,
						userDID, f.FollowDID, nullIfEmpty(f.FollowHandle), f.RecordKey, now,
					); err != nil {
						return err
					}
				case prior.FollowHandle != f.FollowHandle || prior.RecordKey != f.RecordKey:
					if _, err := tx.ExecContext(ctx, `
						UPDATE monitored_follows SET follow_handle = ?, rkey = ?
						WHERE user_did = ? AND follow_did = ?`,
						nullIfEmpty(f.FollowHandle), f.RecordKey, userDID, f.FollowDID,
					); err != nil {
						return err
					}
				}
			}

			for did := range existing {
				if _, ok := wantByDID[did]; !ok {
					if _, err := tx.ExecContext(ctx,
						`DELETE FROM monitored_follows WHERE user_did = ? AND follow_did = ?`,
						userDID, did,
					); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
}

func scanFollow(sc scanner) (model.MonitoredFollow, error) {
	var (
		f         model.MonitoredFollow
		handle    sql.NullString
		addedAt   int64
	)
	if err := sc.Scan(&f.UserDID, &f.FollowDID, &handle, &f.RecordKey, &addedAt); err != nil {
		return model.MonitoredFollow{}, err
	}
	f.FollowHandle = stringOf(handle)
	f.AddedAt = fromUnixMicros(addedAt)
	return f, nil
}
