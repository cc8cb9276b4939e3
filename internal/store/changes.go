package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hallowgate/atwatch/internal/model"
)

// IsIgnored reports whether did is present in the ignored table. Callers on
// the hot path (dispatch) use this before attempting any insert.
func (s *Store) IsIgnored(ctx context.Context, did string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM ignored_users WHERE did = ?`, did,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is ignored: %w", err)
	}
	return true, nil
}

// FindDuplicate looks for an existing row matching candidate on the
// (did, old_*, new_*) six-tuple with null-equal semantics: two empty/absent
// fields are considered equal. SQLite's IS operator already treats NULL IS
// NULL as true, so fields are stored as NULL (via nullIfEmpty) rather than
// empty string to get that comparison for free.
func (s *Store) FindDuplicate(ctx context.Context, candidate model.Change) (model.Change, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, did, handle, old_handle, new_handle, old_display_name,
		       new_display_name, old_avatar, new_avatar, change_type, changed_at
		FROM profile_changes
		WHERE did = ?
		  AND old_handle IS ?
		  AND new_handle IS ?
		  AND old_display_name IS ?
		  AND new_display_name IS ?
		  AND old_avatar IS ?
		  AND new_avatar IS ?
		LIMIT 1`,
		candidate.DID,
		nullIfEmpty(candidate.OldHandle),
		nullIfEmpty(candidate.NewHandle),
		nullIfEmpty(candidate.OldDisplayName),
		nullIfEmpty(candidate.NewDisplayName),
		nullIfEmpty(candidate.OldAvatar),
		nullIfEmpty(candidate.NewAvatar),
	)

	existing, err := scanChange(row)
	if err == sql.ErrNoRows {
		return model.Change{}, false, nil
	}
	if err != nil {
		return model.Change{}, false, fmt.Errorf("find duplicate: %w", err)
	}
	return existing, true, nil
}

// InsertChange is component C's main entry point: it checks the ignore
// list, checks for a duplicate, and inserts a freshly classified row if
// neither applies. The duplicate check and insert are not wrapped in a
// single serializable transaction — two concurrent inserts with identical
// content may both observe "no duplicate" and both succeed, leaving two rows
// with the same six-tuple; no query in this package collapses them.
func (s *Store) InsertChange(ctx context.Context, candidate model.Change) (model.InsertResult, error) {
	ignored, err := s.IsIgnored(ctx, candidate.DID)
	if err != nil {
		return model.InsertResult{}, err
	}
	if ignored {
		return model.InsertResult{Outcome: model.Ignored}, nil
	}

	existing, found, err := s.FindDuplicate(ctx, candidate)
	if err != nil {
		return model.InsertResult{}, err
	}
	if found {
		return model.InsertResult{Outcome: model.Duplicate, Row: existing}, nil
	}

	candidate.ID = uuid.NewString()
	candidate.ChangeType = model.Classify(candidate)
	if candidate.ChangedAt.IsZero() {
		candidate.ChangedAt = time.Now().UTC()
	}

	err = retryWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO profile_changes (
				id, did, handle, old_handle, new_handle, old_display_name,
				new_display_name, old_avatar, new_avatar, change_type,
				changed_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			candidate.ID, candidate.DID, nullIfEmpty(candidate.Handle),
			nullIfEmpty(candidate.OldHandle), nullIfEmpty(candidate.NewHandle),
			nullIfEmpty(candidate.OldDisplayName), nullIfEmpty(candidate.NewDisplayName),
			nullIfEmpty(candidate.OldAvatar), nullIfEmpty(candidate.NewAvatar),
			string(candidate.ChangeType), unixMicros(candidate.ChangedAt), unixMicros(time.Now().UTC()),
		)
		return err
	})
	if err != nil {
		return model.InsertResult{}, fmt.Errorf("insert change: %w", err)
	}

	return model.InsertResult{Outcome: model.Inserted, Row: candidate}, nil
}

// LastKnownHandle returns the most recent non-null new_handle for did,
// falling back to the handle column of that same row. It returns "" if no
// change has ever been recorded for the DID.
func (s *Store) LastKnownHandle(ctx context.Context, did string) (string, error) {
	var newHandle, handle sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT new_handle, handle FROM profile_changes
		WHERE did = ? AND new_handle IS NOT NULL
		ORDER BY changed_at DESC
		LIMIT 1`, did,
	).Scan(&newHandle, &handle)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last known handle: %w", err)
	}
	if newHandle.Valid && newHandle.String != "" {
		return newHandle.String, nil
	}
	return stringOf(handle), nil
}

// RecentChanges returns up to limit change rows for did, newest first. It
// returns rows as stored: concurrent duplicate inserts (see InsertChange)
// surface as two distinct rows with identical six-tuples, and this query
// does not collapse them.
func (s *Store) RecentChanges(ctx context.Context, did string, limit int) ([]model.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, did, handle, old_handle, new_handle, old_display_name,
		       new_display_name, old_avatar, new_avatar, change_type, changed_at
		FROM profile_changes
		WHERE did = ?
		ORDER BY changed_at DESC
		LIMIT ?`, did, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent changes: %w", err)
	}
	defer rows.Close()

	var out []model.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanChange(sc scanner) (model.Change, error) {
	var (
		c                                                                      model.Change
		handle, oldHandle, newHandle, oldDisplay, newDisplay, oldAvatar, newAvatar sql.NullString
		changedAtMicros                                                        int64
	)
	err := sc.Scan(
		&c.ID, &c.DID, &handle, &oldHandle, &newHandle,
		&oldDisplay, &newDisplay, &oldAvatar, &newAvatar,
		&c.ChangeType, &changedAtMicros,
	)
	if err != nil {
		return model.Change{}, err
	}
	c.Handle = stringOf(handle)
	c.OldHandle = stringOf(oldHandle)
	c.NewHandle = stringOf(newHandle)
	c.OldDisplayName = stringOf(oldDisplay)
	c.NewDisplayName = stringOf(newDisplay)
	c.OldAvatar = stringOf(oldAvatar)
	c.NewAvatar = stringOf(newAvatar)
	c.ChangedAt = fromUnixMicros(changedAtMicros)
	return c, nil
}
