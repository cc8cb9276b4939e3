package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hallowgate/atwatch/internal/model"
)

// MarkBackfillStarted records the start of a temporary backfill stream for
// userDID, clearing last_completed_at.
func (s *Store) MarkBackfillStarted(ctx context.Context, userDID string) error {
	now := unixMicros(time.Now().UTC())
	return retryWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO monitoring_backfill_state (user_did, last_started_at, last_completed_at, updated_at)
			VALUES (?, ?, NULL, ?)
			ON CONFLICT(user_did) DO UPDATE SET
				last_started_at = excluded.last_started_at,
				last_completed_at = NULL,
				updated_at = excluded.updated_at`,
			userDID, now, now,
		)
		return err
	})
}

// MarkBackfillCompleted records completion of the in-flight backfill for
// userDID.
func (s *Store) MarkBackfillCompleted(ctx context.Context, userDID string) error {
	now := unixMicros(time.Now().UTC())
	return retryWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE monitoring_backfill_state SET last_completed_at = ?, updated_at = ?
			WHERE user_did = ?`,
			now, now, userDID,
		)
		return err
	})
}

// MarkBackfillStartedAndCompleted records a start/complete pair back to
// back, used when a requested backfill has nothing to replay (the
// follow list was empty after ignore-filtering) and no connection is ever
// opened.
func (s *Store) MarkBackfillStartedAndCompleted(ctx context.Context, userDID string) error {
	now := unixMicros(time.Now().UTC())
	return retryWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO monitoring_backfill_state (user_did, last_started_at, last_completed_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_did) DO UPDATE SET
				last_started_at = excluded.last_started_at,
				last_completed_at = excluded.last_completed_at,
				updated_at = excluded.updated_at`,
			userDID, now, now, now,
		)
		return err
	})
}

// GetBackfillState returns the backfill state row for userDID, or a zero
// value with ok=false if none exists yet.
func (s *Store) GetBackfillState(ctx context.Context, userDID string) (model.BackfillState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_did, last_started_at, last_completed_at, updated_at
		FROM monitoring_backfill_state WHERE user_did = ?`, userDID,
	)
	bs, err := scanBackfillState(row)
	if err == sql.ErrNoRows {
		return model.BackfillState{}, false, nil
	}
	if err != nil {
		return model.BackfillState{}, false, fmt.Errorf("get backfill state: %w", err)
	}
	return bs, true, nil
}

// ListIncompleteBackfills returns every backfill state row whose most
// recent start has not been matched by a later completion, i.e. every
// user whose temporary stream needs to be restarted after process boot.
func (s *Store) ListIncompleteBackfills(ctx context.Context) ([]model.BackfillState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_did, last_started_at, last_completed_at, updated_at
		FROM monitoring_backfill_state
		WHERE last_started_at IS NOT NULL
		  AND (last_completed_at IS NULL OR last_completed_at < last_started_at)`,
	)
	if err != nil {
		return nil, fmt.Errorf("list incomplete backfills: %w", err)
	}
	defer rows.Close()

	var out []model.BackfillState
	for rows.Next() {
		bs, err := scanBackfillState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bs)
	}
	return out, rows.Err()
}

func scanBackfillState(sc scanner) (model.BackfillState, error) {
	var (
		bs                             model.BackfillState
		lastStarted, lastCompleted     sql.NullInt64
		updatedAt                      int64
	)
	if err := sc.Scan(&bs.UserDID, &lastStarted, &lastCompleted, &updatedAt); err != nil {
		return model.BackfillState{}, err
	}
	if lastStarted.Valid {
		t := fromUnixMicros(lastStarted.Int64)
		bs.LastStartedAt = &t
	}
	if lastCompleted.Valid {
		t := fromUnixMicros(lastCompleted.Int64)
		bs.LastCompletedAt = &t
	}
	bs.UpdatedAt = fromUnixMicros(updatedAt)
	return bs, nil
}
