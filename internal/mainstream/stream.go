// Package mainstream implements the single long-lived connection to the
// upstream Jetstream firehose: DID-set reconciliation, reconnect-with-
// backoff, cursor advancement, and backfill-mode detection (spec §4.E).
//
// The stream is modeled as two cooperating actors, matching spec §5's
// "exactly one main-stream actor" plus the serialized-reconcile
// requirement: a run loop that owns the socket and the read path, and a
// reconcile loop that owns DID-set recomputation and is the only thing
// allowed to trigger a fast (no-backoff) reconnect. Both only ever touch
// shared state through s.mu.
package mainstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/hallowgate/atwatch/internal/followgraph"
	"github.com/hallowgate/atwatch/internal/resolver"
	"github.com/hallowgate/atwatch/internal/status"
	"github.com/hallowgate/atwatch/internal/store"
)

// State is one of the five states in spec §4.E's state diagram.
type State int

const (
	StateInit State = iota
	StateIdle
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// backfillLagThreshold is the cursor-age boundary above which a freshly
// started stream is considered to be in backfill mode (spec §4.E, §8:
// "strict > is the rule").
const backfillLagThreshold = 60 * time.Second

// validCursorUptime is the debounce before a non-nil cursor is considered
// "valid" for isRunningWithCursor — retained verbatim from the source per
// spec §9's open question, despite being otherwise unexplained.
const validCursorUptime = 30 * time.Second

// maxReconnectBackoff caps the exponential reconnect delay.
const maxReconnectBackoff = 30 * time.Second

// TempRequester is the narrow interface the main stream uses to ask the
// temp pool to backfill a single newly observed follow edge.
type TempRequester interface {
	RequestBackfill(userDID string, followDIDs []string)
}

// Deps are the Stream's external collaborators, constructed once by the
// composition root and injected at construction time (spec §9's
// "construct-and-inject, no dynamic loading").
type Deps struct {
	Hosts         []string
	Store         *store.Store
	Resolver      *resolver.Resolver
	FollowGraph   *followgraph.Client
	Broadcaster   *status.Broadcaster
	TempRequester TempRequester
	Logger        *slog.Logger
}

// UptimeInfo answers getUptimeInfo().
type UptimeInfo struct {
	StartedAt *time.Time
	Uptime    time.Duration
}

// Stream is the main-stream actor.
type Stream struct {
	deps   Deps
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	lastCursor    int64
	hasCursor     bool
	startedAt     time.Time
	startWallUS   int64
	inBackfill    bool
	attempt       int
	lastSentDIDs  map[string]struct{}
	monitoredN    int
	fastReconnect bool

	stopCh      chan struct{}
	reconcileCh chan struct{}
	activateCh  chan struct{}
	loopDone    chan struct{}
	stopOnce    sync.Once
}

// New creates a Stream in the INIT state. Call Start to begin connecting.
func New(deps Deps) *Stream {
	return &Stream{
		deps:   deps,
		logger: deps.Logger.With("component", "mainstream"),
		state:  StateInit,
	}
}

// Start runs the follow-sync bootstrap (spec §4.E) and then begins the
// connect/read/reconnect loop in the background. seedCursor, if non-nil,
// is used only if no better resume cursor is available.
func (s *Stream) Start(ctx context.Context, seedCursor *int64) error {
	s.mu.Lock()
	if s.state != StateInit && s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("mainstream: already started")
	}
	s.stopCh = make(chan struct{})
	s.reconcileCh = make(chan struct{}, 1)
	s.activateCh = make(chan struct{}, 1)
	s.loopDone = make(chan struct{})
	s.attempt = 0
	s.fastReconnect = false
	s.mu.Unlock()

	s.bootstrapFollowSync(ctx)

	cursor := s.chooseStartCursor(ctx, seedCursor)

	s.mu.Lock()
	if cursor != nil {
		s.lastCursor = *cursor
		s.hasCursor = true
	} else {
		s.hasCursor = false
	}
	now := time.Now()
	s.startedAt = now
	s.startWallUS = now.UnixMicro()
	s.inBackfill = cursor != nil && now.UnixMicro()-*cursor > backfillLagThreshold.Microseconds()
	s.mu.Unlock()

	if s.inBackfill {
		s.logger.Info("starting in backfill mode", "cursor_age", humanize.Time(time.UnixMicro(*cursor)))
	}

	go s.reconcileLoop(ctx)
	go s.runLoop(ctx)
	s.ReloadDIDsNow("startup")

	return nil
}

// Stop persists the cursor and stop time for resume, then shuts the stream
// down. It blocks until the run loop has exited or 5 seconds have passed,
// whichever comes first.
func (s *Stream) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cursor, hasCursor := s.lastCursor, s.hasCursor
		conn := s.conn
		s.state = StateStopped
		s.mu.Unlock()

		if hasCursor {
			if err := s.deps.Store.SetSetting(ctx, store.SettingStopCursor, fmt.Sprintf("%d", cursor)); err != nil {
				s.logger.Error("persist stop cursor failed", "error", err)
			}
			if err := s.deps.Store.SetSetting(ctx, store.SettingStopTime, fmt.Sprintf("%d", time.Now().UnixMicro())); err != nil {
				s.logger.Error("persist stop time failed", "error", err)
			}
		}

		close(s.stopCh)
		if conn != nil {
			conn.Close()
		}
	})

	select {
	case <-s.loopDone:
	case <-time.After(5 * time.Second):
	}
}

// ReloadDIDsNow requests a DID-set reconciliation. Multiple requests made
// while one is already pending are coalesced into a single reconcile, per
// spec §5's "at most one pending" rule.
func (s *Stream) ReloadDIDsNow(reason string) {
	select {
	case s.reconcileCh <- struct{}{}:
	default:
	}
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Stream) inBackfillMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inBackfill
}
