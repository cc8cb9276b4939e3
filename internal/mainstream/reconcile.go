package mainstream

import (
	"context"

	"github.com/hallowgate/atwatch/internal/jetstream"
)

// reconcileLoop is the second actor: it serializes DID-set recomputation,
// naturally coalescing bursty requests because reconcileCh is buffered
// with capacity 1 and ReloadDIDsNow drops a request when one is already
// pending (spec §5).
func (s *Stream) reconcileLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.reconcileCh:
			s.reconcile(ctx)
		}
	}
}

// reconcile gathers the monitored DID set, emits an updated options
// message over the live connection, and — if the set actually changed —
// forces an immediate, no-backoff reconnect so the upstream filter fully
// takes effect (spec §4.E).
func (s *Stream) reconcile(ctx context.Context) {
	priority, rest, err := s.gatherDIDs(ctx)
	if err != nil {
		s.logger.Error("gather dids for reconcile failed", "error", err)
		return
	}

	msg, dropped := jetstream.BuildOptionsMessage(priority, rest)
	if dropped > 0 {
		s.logger.Warn("wanted DID set exceeds cap, surplus dropped", "dropped", dropped)
	}

	newSet := make(map[string]struct{}, len(msg.Payload.WantedDIDs))
	for _, did := range msg.Payload.WantedDIDs {
		newSet[did] = struct{}{}
	}

	s.mu.Lock()
	changed := !sameSet(newSet, s.lastSentDIDs)
	s.lastSentDIDs = newSet
	s.monitoredN = len(newSet)
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if connected && conn != nil {
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Warn("send updated options failed", "error", err)
		}
	}

	if len(newSet) == 0 {
		s.goIdle()
		return
	}

	select {
	case s.activateCh <- struct{}{}:
	default:
	}

	if changed && connected {
		s.mu.Lock()
		s.fastReconnect = true
		c := s.conn
		s.mu.Unlock()
		if c != nil {
			c.Close()
		}
	}

	s.deps.Broadcaster.BroadcastStatus()
}

// goIdle transitions the stream to IDLE and drops the live connection: an
// empty DID set means there is nothing to subscribe to, so no connection
// is held open (spec §8 boundary behavior).
func (s *Stream) goIdle() {
	s.mu.Lock()
	s.state = StateIdle
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// gatherDIDs collects the monitoring-user DIDs (placed first, so they are
// never truncated by the 10,000 cap) and every follow target, minus the
// ignored set.
func (s *Stream) gatherDIDs(ctx context.Context) (priority, rest []string, err error) {
	users, err := s.deps.Store.ListMonitoringUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	follows, err := s.deps.Store.ListFollowDIDs(ctx)
	if err != nil {
		return nil, nil, err
	}
	ignored, err := s.deps.Store.ListIgnored(ctx)
	if err != nil {
		return nil, nil, err
	}

	ignoredSet := make(map[string]struct{}, len(ignored))
	for _, ig := range ignored {
		ignoredSet[ig.DID] = struct{}{}
	}

	for _, u := range users {
		if _, ig := ignoredSet[u.DID]; !ig {
			priority = append(priority, u.DID)
		}
	}
	for _, did := range follows {
		if _, ig := ignoredSet[did]; !ig {
			rest = append(rest, did)
		}
	}
	return priority, rest, nil
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
