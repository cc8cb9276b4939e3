// Package tracker wires the ingestion engine's components into the two
// narrow read surfaces its external collaborators actually need: a
// status.SnapshotSource for the broadcaster, and a CursorReader for the
// HTTP status endpoint. Neither the main stream nor the temp pool is
// exposed to those collaborators directly; they see only these interfaces,
// matching the "construct-and-inject, no package-level singleton" rule.
package tracker

import (
	"context"
	"log/slog"

	"github.com/hallowgate/atwatch/internal/httpserver"
	"github.com/hallowgate/atwatch/internal/model"
	"github.com/hallowgate/atwatch/internal/status"
)

// MainStream is the subset of *mainstream.Stream the aggregator reads.
type MainStream interface {
	GetMainStreamStatus() status.MainStreamStatus
	GetCursorInfo() httpserver.CursorInfo
}

// TempPool is the subset of *temppool.Pool the aggregator reads.
type TempPool interface {
	Status() status.TempPoolStatus
	ActiveUsers() []string
}

// Store is the subset of persistence the aggregator reads to build the
// per-user backfill status list.
type Store interface {
	ListMonitoringUsers(ctx context.Context) ([]model.MonitoringUser, error)
	ListFollowsForUser(ctx context.Context, userDID string) ([]model.MonitoredFollow, error)
	GetBackfillState(ctx context.Context, userDID string) (model.BackfillState, bool, error)
}

// Aggregator implements status.SnapshotSource and httpserver.CursorReader
// by delegating to the main stream, the temp pool, and the store.
type Aggregator struct {
	mainStream MainStream
	tempPool   TempPool
	store      Store
	logger     *slog.Logger
}

// New creates an Aggregator.
func New(mainStream MainStream, tempPool TempPool, store Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{mainStream: mainStream, tempPool: tempPool, store: store, logger: logger}
}

// MainStreamStatus satisfies status.SnapshotSource.
func (a *Aggregator) MainStreamStatus() status.MainStreamStatus {
	return a.mainStream.GetMainStreamStatus()
}

// TempPoolStatus satisfies status.SnapshotSource.
func (a *Aggregator) TempPoolStatus() status.TempPoolStatus {
	return a.tempPool.Status()
}

// UserBackfillStatuses satisfies status.SnapshotSource (spec §4.G's
// per-user `{did, handle, monitoredCount, last_started_at,
// last_completed_at, hasCompletedBackfill}`).
func (a *Aggregator) UserBackfillStatuses() []status.UserBackfillStatus {
	ctx := context.Background()

	users, err := a.store.ListMonitoringUsers(ctx)
	if err != nil {
		a.logger.Error("aggregator: list monitoring users failed", "error", err)
		return nil
	}

	active := make(map[string]struct{})
	for _, did := range a.tempPool.ActiveUsers() {
		active[did] = struct{}{}
	}

	out := make([]status.UserBackfillStatus, 0, len(users))
	for _, u := range users {
		follows, err := a.store.ListFollowsForUser(ctx, u.DID)
		if err != nil {
			a.logger.Warn("aggregator: list follows failed", "user_did", u.DID, "error", err)
		}

		entry := status.UserBackfillStatus{
			DID:            u.DID,
			Handle:         u.Handle,
			MonitoredCount: len(follows),
		}

		_, active2 := active[u.DID]
		entry.ActiveTempStream = active2

		if bs, found, err := a.store.GetBackfillState(ctx, u.DID); err == nil && found {
			entry.LastStartedAt = bs.LastStartedAt
			entry.LastCompletedAt = bs.LastCompletedAt
			entry.HasCompletedBackfill = bs.LastCompletedAt != nil && !bs.InFlight()
		} else if err != nil {
			a.logger.Warn("aggregator: get backfill state failed", "user_did", u.DID, "error", err)
		}

		out = append(out, entry)
	}
	return out
}

// GetCursorInfo satisfies httpserver.CursorReader.
func (a *Aggregator) GetCursorInfo() httpserver.CursorInfo {
	return a.mainStream.GetCursorInfo()
}
