// Package model defines the data types shared across the ingestion engine:
// change records, monitored follows, ignored DIDs, backfill state, and the
// in-memory profile snapshot. None of these types talk to the database or
// the network themselves; that is left to internal/store and internal/jetstream.
package model

import "time"

// ChangeType classifies a persisted profile_changes row.
type ChangeType string

const (
	ChangeHandle   ChangeType = "handle"
	ChangeProfile  ChangeType = "profile"
	ChangeCombined ChangeType = "combined"
)

// Change is an immutable record of a detected handle/display-name/avatar
// mutation for a single DID.
type Change struct {
	ID              string
	DID             string
	Handle          string
	OldHandle       string
	NewHandle       string
	OldDisplayName  string
	NewDisplayName  string
	OldAvatar       string
	NewAvatar       string
	ChangeType      ChangeType
	ChangedAt       time.Time
}

// HasHandleTransition reports whether both the old and new handle are
// populated, i.e. this change carries a genuine handle rename rather than a
// first-seen discovery.
func (c Change) HasHandleTransition() bool {
	return c.OldHandle != "" && c.NewHandle != ""
}

// HasProfileTransition reports whether any profile field (display name or
// avatar) differs between old and new.
func (c Change) HasProfileTransition() bool {
	return c.OldDisplayName != c.NewDisplayName || c.OldAvatar != c.NewAvatar
}

// Classify assigns the change_type for a candidate that has already been
// determined to be non-duplicate. It is a pure function so that it can be
// reused by both the persistence layer and tests.
func Classify(c Change) ChangeType {
	hasHandle := c.HasHandleTransition()
	hasProfile := c.HasProfileTransition()
	switch {
	case hasHandle && hasProfile:
		return ChangeCombined
	case hasHandle:
		return ChangeHandle
	default:
		return ChangeProfile
	}
}

// MonitoredFollow is a single edge in a monitoring user's follow graph, as
// last observed from either a follow commit or the follow-graph bootstrap.
type MonitoredFollow struct {
	UserDID      string
	FollowDID    string
	FollowHandle string
	RecordKey    string
	AddedAt      time.Time
}

// IgnoredDID suppresses inbound change inserts and is excluded from
// subscription DID lists.
type IgnoredDID struct {
	DID     string
	AddedAt time.Time
}

// BackfillState tracks the lifecycle of a monitoring user's temporary
// backfill stream.
type BackfillState struct {
	UserDID         string
	LastStartedAt   *time.Time
	LastCompletedAt *time.Time
	UpdatedAt       time.Time
}

// InFlight reports whether a backfill has been started but not yet
// completed for this user.
func (b BackfillState) InFlight() bool {
	if b.LastStartedAt == nil {
		return false
	}
	if b.LastCompletedAt == nil {
		return true
	}
	return b.LastCompletedAt.Before(*b.LastStartedAt)
}

// MonitoringUser is an end user who has enabled follow-graph tracking.
type MonitoringUser struct {
	DID     string
	Handle  string
	AddedAt time.Time
}

// ProfileSnapshot is the in-memory, per-DID view of the last known profile
// fields observed by a single stream. It is never persisted and is lost on
// restart; the handle field is bootstrapped on demand from the last known
// handle in the persisted change log, falling back to the handle resolver.
type ProfileSnapshot struct {
	Handle      string
	DisplayName string
	AvatarRef   string
}

// InsertOutcome is the result kind returned by the change-persistence
// insert operation.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
	Ignored
)

// InsertResult carries the outcome of an insert attempt plus the row that
// now exists (the freshly inserted row, or the pre-existing duplicate).
type InsertResult struct {
	Outcome InsertOutcome
	Row     Change
}
