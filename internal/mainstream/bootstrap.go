package mainstream

import (
	"context"
	"time"

	"github.com/hallowgate/atwatch/internal/model"
)

// bootstrapFollowSync implements spec §4.E's follow-sync bootstrap: before
// the first connect, fetch each monitoring user's current follow list from
// the external follow-graph API and reconcile the persisted
// monitored_follows rows against it. A single user's failure is logged and
// skipped; bootstrap failure as a whole is non-fatal, since the persisted
// follow set from a prior run is still a usable starting point.
func (s *Stream) bootstrapFollowSync(ctx context.Context) {
	users, err := s.deps.Store.ListMonitoringUsers(ctx)
	if err != nil {
		s.logger.Error("bootstrap: list monitoring users failed", "error", err)
		return
	}

	for _, u := range users {
		if err := s.bootstrapOneUser(ctx, u.DID); err != nil {
			s.logger.Warn("bootstrap: follow sync failed for user, keeping prior state",
				"did", u.DID, "error", err)
		}
	}
}

func (s *Stream) bootstrapOneUser(ctx context.Context, userDID string) error {
	follows, err := s.deps.FollowGraph.GetFollows(ctx, userDID)
	if err != nil && len(follows) == 0 {
		return err
	}

	existing, err := s.deps.Store.ListFollowsForUser(ctx, userDID)
	if err != nil {
		return err
	}
	rkeyByDID := make(map[string]string, len(existing))
	for _, f := range existing {
		rkeyByDID[f.FollowDID] = f.RecordKey
	}

	now := time.Now().UTC()
	want := make([]model.MonitoredFollow, 0, len(follows))
	for _, f := range follows {
		want = append(want, model.MonitoredFollow{
			UserDID:      userDID,
			FollowDID:    f.DID,
			FollowHandle: f.Handle,
			RecordKey:    rkeyByDID[f.DID],
			AddedAt:      now,
		})
	}

	return s.deps.Store.ReconcileFollows(ctx, userDID, want)
}
