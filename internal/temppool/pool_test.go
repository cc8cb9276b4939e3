package temppool

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/hallowgate/atwatch/internal/model"
	"github.com/hallowgate/atwatch/internal/status"
)

type fakeStore struct{}

func (fakeStore) ListIgnored(ctx context.Context) ([]model.IgnoredDID, error)  { return nil, nil }
func (fakeStore) MarkBackfillStarted(ctx context.Context, userDID string) error { return nil }
func (fakeStore) MarkBackfillCompleted(ctx context.Context, userDID string) error { return nil }
func (fakeStore) MarkBackfillStartedAndCompleted(ctx context.Context, userDID string) error {
	return nil
}
func (fakeStore) ListIncompleteBackfills(ctx context.Context) ([]model.BackfillState, error) {
	return nil, nil
}
func (fakeStore) InsertChange(ctx context.Context, candidate model.Change) (model.InsertResult, error) {
	return model.InsertResult{}, nil
}
func (fakeStore) LastKnownHandle(ctx context.Context, did string) (string, error) { return "", nil }
func (fakeStore) FindFollow(ctx context.Context, userDID, followDID string) (model.MonitoredFollow, bool, error) {
	return model.MonitoredFollow{}, false, nil
}
func (fakeStore) FindFollowByRecordKey(ctx context.Context, userDID, rkey string) (model.MonitoredFollow, bool, error) {
	return model.MonitoredFollow{}, false, nil
}
func (fakeStore) UpsertFollow(ctx context.Context, f model.MonitoredFollow) error { return nil }
func (fakeStore) DeleteFollow(ctx context.Context, userDID, followDID string) error { return nil }
func (fakeStore) IsFollowedByAnyUser(ctx context.Context, followDID string) (bool, error) {
	return false, nil
}
func (fakeStore) IsMonitoringUser(ctx context.Context, did string) (bool, error) { return false, nil }
func (fakeStore) ListFollowsForUser(ctx context.Context, userDID string) ([]model.MonitoredFollow, error) {
	return nil, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, did string) (string, bool)         { return "", false }
func (fakeResolver) ResolvePrevious(ctx context.Context, did string) (string, bool) { return "", false }

type fakeGate struct{ valid bool }

func (f fakeGate) IsRunningWithCursor() bool { return f.valid }

type fakeSnapshotSource struct{}

func (fakeSnapshotSource) MainStreamStatus() status.MainStreamStatus { return status.MainStreamStatus{} }
func (fakeSnapshotSource) TempPoolStatus() status.TempPoolStatus     { return status.TempPoolStatus{} }
func (fakeSnapshotSource) UserBackfillStatuses() []status.UserBackfillStatus { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newQueueOnlyPool builds a Pool whose capacity is forced to zero after
// construction so StartForUser always queues instead of launching a real
// tempStream (which would need a live websocket connection).
func newQueueOnlyPool(t *testing.T) *Pool {
	t.Helper()
	p := New(Deps{
		Store:       fakeStore{},
		Resolver:    fakeResolver{},
		Broadcaster: status.New(fakeSnapshotSource{}, testLogger()),
		MainStream:  fakeGate{valid: true},
		Logger:      testLogger(),
	})
	p.deps.MaxConcurrent = 0
	return p
}

func TestStartForUser_QueuesWhenAtCapacity(t *testing.T) {
	p := newQueueOnlyPool(t)

	result := p.StartForUser("did:plc:user1", nil)
	if !result.Queued || result.Position != 1 {
		t.Fatalf("StartForUser = %+v, want queued at position 1", result)
	}

	result2 := p.StartForUser("did:plc:user2", nil)
	if !result2.Queued || result2.Position != 2 {
		t.Fatalf("StartForUser (second) = %+v, want queued at position 2", result2)
	}
}

func TestStartForUser_DuplicateQueuedRequestIsNotRequeued(t *testing.T) {
	p := newQueueOnlyPool(t)

	p.StartForUser("did:plc:user1", nil)
	result := p.StartForUser("did:plc:user1", nil)
	if !result.Queued {
		t.Fatal("re-requesting an already-queued user should report Queued=true")
	}
	if len(p.queue) != 1 {
		t.Fatalf("len(queue) = %d, want 1 (no duplicate entry)", len(p.queue))
	}
}

func TestCanStart_AllowedWhenIdle(t *testing.T) {
	p := New(Deps{
		Store:       fakeStore{},
		Resolver:    fakeResolver{},
		Broadcaster: status.New(fakeSnapshotSource{}, testLogger()),
		MainStream:  fakeGate{valid: true},
		Logger:      testLogger(),
	})

	result := p.CanStart("did:plc:user1")
	if !result.Allowed || result.Reason != "" {
		t.Fatalf("CanStart = %+v, want allowed with no reason", result)
	}
}

func TestCanStart_DisallowedWhenQueued(t *testing.T) {
	p := newQueueOnlyPool(t)
	p.StartForUser("did:plc:user1", nil)

	result := p.CanStart("did:plc:user1")
	if result.Allowed {
		t.Fatal("CanStart should be disallowed for an already-queued user")
	}
	if result.QueuePosition != 1 {
		t.Fatalf("QueuePosition = %d, want 1", result.QueuePosition)
	}
}

func TestCanStart_AllowedButQueuedWhenAtCapacity(t *testing.T) {
	p := newQueueOnlyPool(t)

	result := p.CanStart("did:plc:brand-new")
	if !result.Allowed {
		t.Fatal("CanStart should report Allowed=true even at capacity (it would just queue)")
	}
	if result.QueuePosition != 1 {
		t.Fatalf("QueuePosition = %d, want 1", result.QueuePosition)
	}
}

func TestStopForUser_DequeuesWaitingRequest(t *testing.T) {
	p := newQueueOnlyPool(t)
	p.StartForUser("did:plc:user1", nil)
	p.StartForUser("did:plc:user2", nil)

	p.StopForUser("did:plc:user1")

	if len(p.queue) != 1 || p.queue[0].userDID != "did:plc:user2" {
		t.Fatalf("queue = %+v, want only did:plc:user2 remaining", p.queue)
	}
}

func TestStatus_ReflectsCapacityAndQueue(t *testing.T) {
	p := newQueueOnlyPool(t)
	p.StartForUser("did:plc:user1", nil)

	st := p.Status()
	if st.Max != 0 {
		t.Fatalf("Max = %d, want 0 (forced for this test)", st.Max)
	}
	if st.QueueLength != 1 {
		t.Fatalf("QueueLength = %d, want 1", st.QueueLength)
	}
	if st.Active != 0 {
		t.Fatalf("Active = %d, want 0", st.Active)
	}
}

func TestActiveUsers_EmptyWhenNothingLaunched(t *testing.T) {
	p := newQueueOnlyPool(t)
	p.StartForUser("did:plc:user1", nil)

	if users := p.ActiveUsers(); len(users) != 0 {
		t.Fatalf("ActiveUsers = %v, want empty (the request only queued)", users)
	}
}
