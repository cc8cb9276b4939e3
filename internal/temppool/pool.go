// Package temppool implements the bounded pool of short-lived temporary
// backfill streams described in spec §4.F: each covers a single monitoring
// user's newly observed follows over the upstream's ~24h retention window,
// then stops itself once it catches up to live.
package temppool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hallowgate/atwatch/internal/model"
	"github.com/hallowgate/atwatch/internal/resolver"
	"github.com/hallowgate/atwatch/internal/status"
	"github.com/hallowgate/atwatch/internal/store"
)

// DefaultMaxConcurrent is the pool's default capacity (spec §4.F: "50").
const DefaultMaxConcurrent = 50

// Store is the subset of persistence operations the pool needs.
type Store interface {
	ListIgnored(ctx context.Context) ([]model.IgnoredDID, error)
	MarkBackfillStarted(ctx context.Context, userDID string) error
	MarkBackfillCompleted(ctx context.Context, userDID string) error
	MarkBackfillStartedAndCompleted(ctx context.Context, userDID string) error
	ListIncompleteBackfills(ctx context.Context) ([]model.BackfillState, error)
	InsertChange(ctx context.Context, candidate model.Change) (model.InsertResult, error)
	LastKnownHandle(ctx context.Context, did string) (string, error)
	FindFollow(ctx context.Context, userDID, followDID string) (model.MonitoredFollow, bool, error)
	FindFollowByRecordKey(ctx context.Context, userDID, rkey string) (model.MonitoredFollow, bool, error)
	UpsertFollow(ctx context.Context, f model.MonitoredFollow) error
	DeleteFollow(ctx context.Context, userDID, followDID string) error
	IsFollowedByAnyUser(ctx context.Context, followDID string) (bool, error)
	IsMonitoringUser(ctx context.Context, did string) (bool, error)
	ListFollowsForUser(ctx context.Context, userDID string) ([]model.MonitoredFollow, error)
}

var _ Store = (*store.Store)(nil)

// HandleResolver is the subset of resolver operations the pool needs.
type HandleResolver interface {
	Resolve(ctx context.Context, did string) (string, bool)
	ResolvePrevious(ctx context.Context, did string) (string, bool)
}

var _ HandleResolver = (*resolver.Resolver)(nil)

// MainStreamGate lets the pool ask whether the main stream is far enough
// along to be a safe point for the boot-time auto-restart scan (spec §4.F:
// "running with valid cursor").
type MainStreamGate interface {
	IsRunningWithCursor() bool
}

// Deps are the Pool's external collaborators.
type Deps struct {
	Hosts         []string
	Store         Store
	Resolver      HandleResolver
	Broadcaster   *status.Broadcaster
	MainStream    MainStreamGate
	Logger        *slog.Logger
	MaxConcurrent int
}

// StartResult answers startForUser.
type StartResult struct {
	Queued   bool
	Position int
}

// CanStartResult answers canStart.
type CanStartResult struct {
	Allowed      bool
	Reason       string
	QueuePosition int
}

type queuedRequest struct {
	userDID    string
	followDIDs []string
}

// Pool is the temp-stream manager. Its active table and queue are mutated
// only inside Pool methods, which are mutually exclusive under mu (spec §5
// "operations are mutually exclusive").
type Pool struct {
	deps Deps

	mu     sync.Mutex
	active map[string]*tempStream
	queue  []queuedRequest

	ctx      context.Context
	cancel   context.CancelFunc
	doneWG   sync.WaitGroup
}

// New creates a Pool. Call Start to enable the boot-time auto-restart scan.
func New(deps Deps) *Pool {
	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Pool{
		deps:   deps,
		active: make(map[string]*tempStream),
	}
}

// SetMainStreamGate installs the gate the auto-restart scan polls. The
// main stream and the pool are constructed independently by the
// composition root (each needs a reference into the other as a
// TempRequester/MainStreamGate), so this breaks that construction-order
// cycle; call it before Start.
func (p *Pool) SetMainStreamGate(gate MainStreamGate) {
	p.deps.MainStream = gate
}

// Start launches the auto-restart scan described in spec §4.F: once the
// main stream reports a valid cursor, every incomplete backfill row is
// re-enqueued. If the main stream isn't ready yet, one retry is scheduled
// 30s later.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.doneWG.Add(1)
	go p.autoRestartLoop(p.ctx)
}

// Stop cancels every active temp stream via context, not via stop(): per
// spec §5's graceful-shutdown rule, temp streams close without marking
// completed on process shutdown — they are picked up again by the
// auto-restart scan on next boot. StopForUser, by contrast, is treated as
// the "manual" stop case in spec §4.F step 9 and does mark completed.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.doneWG.Wait()
}

// StartForUser implements startForUser(user_did, follow_dids). It is safe
// to call from any goroutine.
func (p *Pool) StartForUser(userDID string, followDIDs []string) StartResult {
	p.mu.Lock()
	if _, active := p.active[userDID]; active {
		p.mu.Unlock()
		return StartResult{Queued: false}
	}
	for _, q := range p.queue {
		if q.userDID == userDID {
			p.mu.Unlock()
			return StartResult{Queued: true}
		}
	}

	if len(p.active) >= p.deps.MaxConcurrent {
		p.queue = append(p.queue, queuedRequest{userDID: userDID, followDIDs: followDIDs})
		pos := len(p.queue)
		p.mu.Unlock()
		p.deps.Broadcaster.BroadcastStatus()
		return StartResult{Queued: true, Position: pos}
	}

	ts := p.launchLocked(userDID, followDIDs)
	p.mu.Unlock()
	_ = ts
	p.deps.Broadcaster.BroadcastStatus()
	return StartResult{Queued: false}
}

// RequestBackfill matches mainstream.TempRequester: it is called by the
// main stream's dispatcher whenever a follow-create is observed for a DID
// not previously tracked.
func (p *Pool) RequestBackfill(userDID string, followDIDs []string) {
	p.StartForUser(userDID, followDIDs)
}

// StopForUser implements stopForUser(user_did): a best-effort stop.
func (p *Pool) StopForUser(userDID string) {
	p.mu.Lock()
	ts, ok := p.active[userDID]
	if !ok {
		for i, q := range p.queue {
			if q.userDID == userDID {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		p.deps.Broadcaster.BroadcastStatus()
		return
	}
	p.mu.Unlock()
	ts.stop()
}

// CanStart implements canStart(user_did).
func (p *Pool) CanStart(userDID string) CanStartResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, active := p.active[userDID]; active {
		return CanStartResult{Allowed: false, Reason: "already has an active temp stream"}
	}
	for i, q := range p.queue {
		if q.userDID == userDID {
			return CanStartResult{Allowed: false, Reason: "already queued", QueuePosition: i + 1}
		}
	}
	if len(p.active) >= p.deps.MaxConcurrent {
		return CanStartResult{Allowed: true, QueuePosition: len(p.queue) + 1}
	}
	return CanStartResult{Allowed: true}
}

// Status implements status(), and also satisfies status.SnapshotSource's
// temp-pool contribution.
func (p *Pool) Status() status.TempPoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return status.TempPoolStatus{
		Active:         len(p.active),
		Max:            p.deps.MaxConcurrent,
		QueueLength:    len(p.queue),
		AvailableSlots: p.deps.MaxConcurrent - len(p.active),
	}
}

// ActiveUsers returns the DIDs currently holding a temp stream.
func (p *Pool) ActiveUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for did := range p.active {
		out = append(out, did)
	}
	return out
}

// launchLocked starts a tempStream for userDID. Caller must hold p.mu.
func (p *Pool) launchLocked(userDID string, followDIDs []string) *tempStream {
	ts := newTempStream(p, userDID, followDIDs)
	p.active[userDID] = ts
	p.doneWG.Add(1)
	go func() {
		defer p.doneWG.Done()
		ts.run(p.ctx)
		p.onStreamDone(userDID)
	}()
	return ts
}

// onStreamDone removes the finished stream from the active table and
// promotes the next queued request into its place, if any.
func (p *Pool) onStreamDone(userDID string) {
	p.mu.Lock()
	delete(p.active, userDID)

	var next *queuedRequest
	if len(p.queue) > 0 {
		n := p.queue[0]
		p.queue = p.queue[1:]
		next = &n
	}

	var launched *tempStream
	if next != nil {
		launched = p.launchLocked(next.userDID, next.followDIDs)
	}
	p.mu.Unlock()
	_ = launched

	p.deps.Broadcaster.BroadcastStatus()
}

func (p *Pool) autoRestartLoop(ctx context.Context) {
	defer p.doneWG.Done()

	for attempt := 0; ; attempt++ {
		if p.deps.MainStream.IsRunningWithCursor() {
			p.runAutoRestartScan(ctx)
			return
		}
		if attempt == 1 {
			return
		}
		timer := time.NewTimer(30 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Pool) runAutoRestartScan(ctx context.Context) {
	incomplete, err := p.deps.Store.ListIncompleteBackfills(ctx)
	if err != nil {
		p.deps.Logger.Error("temppool: auto-restart scan failed", "error", err)
		return
	}
	for _, bs := range incomplete {
		follows, err := p.deps.Store.ListFollowsForUser(ctx, bs.UserDID)
		if err != nil {
			p.deps.Logger.Warn("temppool: auto-restart list follows failed", "user_did", bs.UserDID, "error", err)
			continue
		}
		dids := make([]string, 0, len(follows))
		for _, f := range follows {
			dids = append(dids, f.FollowDID)
		}
		p.StartForUser(bs.UserDID, dids)
	}
}
