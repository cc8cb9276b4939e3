// Package dispatch turns decoded Jetstream events into persisted change
// records and follow-graph mutations. A Dispatcher owns one in-memory
// profile-snapshot map; the main stream and every temporary backfill
// stream each construct their own Dispatcher instance so that ownership
// never crosses stream boundaries (spec §3, §5).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hallowgate/atwatch/internal/jetstream"
	"github.com/hallowgate/atwatch/internal/model"
)

// Store is the subset of internal/store's persistence operations the
// dispatcher needs.
type Store interface {
	InsertChange(ctx context.Context, candidate model.Change) (model.InsertResult, error)
	LastKnownHandle(ctx context.Context, did string) (string, error)
	FindFollow(ctx context.Context, userDID, followDID string) (model.MonitoredFollow, bool, error)
	FindFollowByRecordKey(ctx context.Context, userDID, rkey string) (model.MonitoredFollow, bool, error)
	UpsertFollow(ctx context.Context, f model.MonitoredFollow) error
	DeleteFollow(ctx context.Context, userDID, followDID string) error
	IsFollowedByAnyUser(ctx context.Context, followDID string) (bool, error)
	IsMonitoringUser(ctx context.Context, did string) (bool, error)
}

// HandleResolver is the subset of internal/resolver's operations the
// dispatcher needs.
type HandleResolver interface {
	Resolve(ctx context.Context, did string) (string, bool)
	ResolvePrevious(ctx context.Context, did string) (string, bool)
}

// Options configures a Dispatcher instance.
type Options struct {
	// LogPrefix identifies which stream this dispatcher belongs to, e.g.
	// "main" or "backfill:did:plc:abc", prefixed onto every log line.
	LogPrefix string

	// IsTemporaryStream marks a dispatcher as belonging to a temporary
	// backfill stream: its follow events are always processed, never
	// suppressed by backfill-mode (spec §4.D.3 step 2, §9 open question).
	IsTemporaryStream bool

	// InBackfillMode reports whether the owning stream currently
	// considers itself in backfill mode. Only consulted when
	// IsTemporaryStream is false; may be nil for temporary streams.
	InBackfillMode func() bool

	// RequestReconcile is invoked whenever the monitored-DID set may have
	// changed and the main stream should recompute its subscription.
	RequestReconcile func(reason string)

	// RequestBackfill is invoked when a newly observed follow edge needs
	// its own 24h catch-up window. May be nil (e.g. for a temporary
	// stream's own dispatcher, which never originates new backfill
	// requests).
	RequestBackfill func(userDID string, followDIDs []string)
}

// Dispatcher decodes and routes events for a single stream.
type Dispatcher struct {
	store    Store
	resolver HandleResolver
	logger   *slog.Logger
	opts     Options

	mu        sync.Mutex
	snapshots map[string]*model.ProfileSnapshot
}

// New creates a Dispatcher for one stream.
func New(store Store, resolver HandleResolver, logger *slog.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		store:     store,
		resolver:  resolver,
		logger:    logger.With("stream", opts.LogPrefix),
		opts:      opts,
		snapshots: make(map[string]*model.ProfileSnapshot),
	}
}

// Handle decodes the commit/identity payload of evt and routes it. A
// returned error means persistence failed after retries; the caller (the
// owning stream) must not advance its cursor past this event so it will be
// redelivered on reconnect. Any other outcome — including a silently
// absorbed first-discovery — returns nil.
func (d *Dispatcher) Handle(ctx context.Context, evt *jetstream.Event) error {
	switch evt.Kind {
	case jetstream.KindIdentity:
		if evt.Identity == nil {
			return nil
		}
		return d.handleIdentity(ctx, evt.DID, evt.Identity.Handle)
	case jetstream.KindCommit:
		if evt.Commit == nil {
			return nil
		}
		switch evt.Commit.Collection {
		case jetstream.CollectionProfile:
			return d.handleProfileCommit(ctx, evt.DID, evt.Commit)
		case jetstream.CollectionFollow:
			return d.handleFollowCommit(ctx, evt.DID, evt.Commit)
		}
	}
	return nil
}

func (d *Dispatcher) snapshotFor(did string) (*model.ProfileSnapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots[did]
	if !ok {
		snap = &model.ProfileSnapshot{}
		d.snapshots[did] = snap
	}
	return snap, ok
}

// handleIdentity implements spec §4.D.1.
func (d *Dispatcher) handleIdentity(ctx context.Context, did, newHandle string) error {
	snap, hadSnapshot := d.snapshotFor(did)

	oldHandle := ""
	if hadSnapshot && snap.Handle != "" {
		oldHandle = snap.Handle
	} else if h, err := d.store.LastKnownHandle(ctx, did); err == nil && h != "" {
		oldHandle = h
	} else if h, ok := d.resolver.ResolvePrevious(ctx, did); ok {
		oldHandle = h
	} else if h, ok := d.resolver.Resolve(ctx, did); ok {
		oldHandle = h
	}

	d.mu.Lock()
	snap.Handle = newHandle
	d.mu.Unlock()

	if oldHandle == "" || newHandle == "" || oldHandle == newHandle {
		return nil
	}

	result, err := d.store.InsertChange(ctx, model.Change{
		DID:       did,
		Handle:    newHandle,
		OldHandle: oldHandle,
		NewHandle: newHandle,
		ChangedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%s: insert handle change for %s: %w", d.opts.LogPrefix, did, err)
	}
	if result.Outcome == model.Inserted {
		d.logger.Info("handle change", "did", did, "old_handle", oldHandle, "new_handle", newHandle)
	}
	return nil
}

// handleProfileCommit implements spec §4.D.2.
func (d *Dispatcher) handleProfileCommit(ctx context.Context, did string, commit *jetstream.Commit) error {
	if commit.Operation != jetstream.OpCreate && commit.Operation != jetstream.OpUpdate {
		return nil
	}

	record, err := jetstream.DecodeProfileRecord(commit.Record)
	if err != nil {
		d.logger.Warn("malformed profile record", "did", did, "error", err)
		return nil
	}

	newDisplayName := record.DisplayNameOf()
	newAvatar := record.Avatar.Link()

	snap, hadSnapshot := d.snapshotFor(did)

	d.mu.Lock()
	oldDisplayName, oldAvatar := snap.DisplayName, snap.AvatarRef
	if !hadSnapshot {
		if h, err := d.store.LastKnownHandle(ctx, did); err == nil && h != "" {
			snap.Handle = h
		} else if h, ok := d.resolver.Resolve(ctx, did); ok {
			snap.Handle = h
		}
	}
	changed := oldDisplayName != newDisplayName || oldAvatar != newAvatar
	snap.DisplayName = newDisplayName
	snap.AvatarRef = newAvatar
	handle := snap.Handle
	d.mu.Unlock()

	if !hadSnapshot || !changed {
		return nil
	}

	result, err := d.store.InsertChange(ctx, model.Change{
		DID:            did,
		Handle:         handle,
		OldDisplayName: oldDisplayName,
		NewDisplayName: newDisplayName,
		OldAvatar:      oldAvatar,
		NewAvatar:      newAvatar,
		ChangedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%s: insert profile change for %s: %w", d.opts.LogPrefix, did, err)
	}
	if result.Outcome == model.Inserted {
		d.logger.Info("profile change", "did", did,
			"old_display_name", oldDisplayName, "new_display_name", newDisplayName)
	}
	return nil
}

// handleFollowCommit implements spec §4.D.3.
func (d *Dispatcher) handleFollowCommit(ctx context.Context, follower string, commit *jetstream.Commit) error {
	if commit.Operation != jetstream.OpCreate && commit.Operation != jetstream.OpDelete {
		return nil
	}

	isMonitoring, err := d.store.IsMonitoringUser(ctx, follower)
	if err != nil {
		return fmt.Errorf("%s: check monitoring user %s: %w", d.opts.LogPrefix, follower, err)
	}
	if !isMonitoring {
		return nil
	}

	if !d.opts.IsTemporaryStream && d.opts.InBackfillMode != nil && d.opts.InBackfillMode() {
		return nil
	}

	switch commit.Operation {
	case jetstream.OpCreate:
		return d.handleFollowCreate(ctx, follower, commit)
	case jetstream.OpDelete:
		return d.handleFollowDelete(ctx, follower, commit)
	}
	return nil
}

func (d *Dispatcher) handleFollowCreate(ctx context.Context, follower string, commit *jetstream.Commit) error {
	record, err := jetstream.DecodeFollowRecord(commit.Record)
	if err != nil || record.Subject == "" {
		d.logger.Warn("malformed follow record", "follower", follower, "error", err)
		return nil
	}
	subject := record.Subject

	existing, found, err := d.store.FindFollow(ctx, follower, subject)
	if err != nil {
		return fmt.Errorf("%s: find follow %s->%s: %w", d.opts.LogPrefix, follower, subject, err)
	}
	if found && existing.RecordKey == commit.RKey {
		if d.opts.IsTemporaryStream {
			d.logger.Debug("follow already persisted", "follower", follower, "subject", subject)
		}
		return nil
	}

	handle, _ := d.resolver.Resolve(ctx, subject)

	if err := d.store.UpsertFollow(ctx, model.MonitoredFollow{
		UserDID:      follower,
		FollowDID:    subject,
		FollowHandle: handle,
		RecordKey:    commit.RKey,
		AddedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("%s: upsert follow %s->%s: %w", d.opts.LogPrefix, follower, subject, err)
	}

	d.logger.Info("follow added", "follower", follower, "subject", subject, "handle", handle)

	if d.opts.RequestReconcile != nil {
		d.opts.RequestReconcile("follow added")
	}
	if !found && d.opts.RequestBackfill != nil {
		d.opts.RequestBackfill(follower, []string{subject})
	}
	return nil
}

func (d *Dispatcher) handleFollowDelete(ctx context.Context, follower string, commit *jetstream.Commit) error {
	if commit.RKey == "" {
		return nil
	}

	edge, found, err := d.store.FindFollowByRecordKey(ctx, follower, commit.RKey)
	if err != nil {
		return fmt.Errorf("%s: find follow by rkey %s: %w", d.opts.LogPrefix, commit.RKey, err)
	}
	if !found {
		return nil
	}

	if err := d.store.DeleteFollow(ctx, follower, edge.FollowDID); err != nil {
		return fmt.Errorf("%s: delete follow %s->%s: %w", d.opts.LogPrefix, follower, edge.FollowDID, err)
	}

	d.logger.Info("follow removed", "follower", follower, "subject", edge.FollowDID)

	stillFollowed, err := d.store.IsFollowedByAnyUser(ctx, edge.FollowDID)
	if err != nil {
		return fmt.Errorf("%s: check still followed %s: %w", d.opts.LogPrefix, edge.FollowDID, err)
	}
	if !stillFollowed && d.opts.RequestReconcile != nil {
		d.opts.RequestReconcile("follow removed, subject no longer monitored")
	}
	return nil
}
