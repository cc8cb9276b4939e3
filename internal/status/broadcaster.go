// Package status aggregates a snapshot of the main stream, the temp pool,
// and per-user backfill state, and pushes it to a list of registered
// subscribers. A subscription list (rather than a single callback slot) is
// used so that WebSocket fan-out to UI clients and an HTTP snapshot
// endpoint can register independently, per the design note against the
// source's single-slot callback.
package status

import (
	"log/slog"
	"sync"
	"time"
)

// MainStreamStatus is the main stream's contribution to a snapshot.
type MainStreamStatus struct {
	Running        bool     `json:"running"`
	MonitoredDIDs  int      `json:"monitoredDids"`
	HasValidCursor bool     `json:"hasValidCursor"`
}

// TempPoolStatus is the temp pool's contribution to a snapshot.
type TempPoolStatus struct {
	Active         int `json:"active"`
	Max            int `json:"max"`
	QueueLength    int `json:"queueLength"`
	AvailableSlots int `json:"availableSlots"`
}

// UserBackfillStatus describes one monitoring user's backfill progress.
type UserBackfillStatus struct {
	DID                  string     `json:"did"`
	Handle               string     `json:"handle"`
	MonitoredCount       int        `json:"monitoredCount"`
	LastStartedAt        *time.Time `json:"lastStartedAt,omitempty"`
	LastCompletedAt      *time.Time `json:"lastCompletedAt,omitempty"`
	HasCompletedBackfill bool       `json:"hasCompletedBackfill"`
	ActiveTempStream     bool       `json:"activeTempStream"`
}

// Snapshot is the full aggregated state pushed to subscribers.
type Snapshot struct {
	MainStream MainStreamStatus     `json:"mainStream"`
	TempPool   TempPoolStatus       `json:"tempPool"`
	Users      []UserBackfillStatus `json:"users"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

// CursorUpdate is the lighter, more frequent notification carrying just
// the stream's current cursor position.
type CursorUpdate struct {
	TimestampISO *string `json:"timestamp,omitempty"`
	IsInBackfill bool    `json:"isInBackfill"`
}

// SnapshotSource is implemented by anything that can produce the pieces of
// a Snapshot on demand; the broadcaster calls it to build each push.
type SnapshotSource interface {
	MainStreamStatus() MainStreamStatus
	TempPoolStatus() TempPoolStatus
	UserBackfillStatuses() []UserBackfillStatus
}

// Subscriber receives pushed snapshots and cursor updates.
type Subscriber interface {
	OnStatus(Snapshot)
	OnCursor(CursorUpdate)
}

// Broadcaster holds a registry of subscribers and pushes snapshots/cursor
// updates to all of them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int]Subscriber
	nextID      int
	source      SnapshotSource
	logger      *slog.Logger
}

// New creates a Broadcaster. source may be nil at construction time — the
// composition root typically builds the broadcaster before the components
// that supply its snapshot data exist — and must be set via SetSource
// before the first BroadcastStatus/Snapshot call.
func New(source SnapshotSource, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int]Subscriber),
		source:      source,
		logger:      logger,
	}
}

// SetSource installs the snapshot source, breaking the construction-order
// cycle between the broadcaster and the components it reports on.
func (b *Broadcaster) SetSource(source SnapshotSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source = source
}

// Register adds a subscriber and returns a token usable with Unregister.
func (b *Broadcaster) Register(sub Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	return id
}

// Unregister removes a subscriber previously returned by Register.
func (b *Broadcaster) Unregister(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// BroadcastStatus builds a fresh Snapshot from the source and pushes it to
// every subscriber. Transitions are always delivered whole, never as
// deltas, so a subscriber joining mid-stream never needs replay.
func (b *Broadcaster) BroadcastStatus() {
	snap := b.Snapshot()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		sub.OnStatus(snap)
	}
}

// BroadcastCursor pushes a lighter cursor-only update to every subscriber.
func (b *Broadcaster) BroadcastCursor(update CursorUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		sub.OnCursor(update)
	}
}

// Snapshot returns a freshly built snapshot without pushing it, used by the
// HTTP status endpoint to answer a single request.
func (b *Broadcaster) Snapshot() Snapshot {
	b.mu.RLock()
	source := b.source
	b.mu.RUnlock()

	return Snapshot{
		MainStream:  source.MainStreamStatus(),
		TempPool:    source.TempPoolStatus(),
		Users:       source.UserBackfillStatuses(),
		GeneratedAt: time.Now().UTC(),
	}
}
