package status

import (
	"io"
	"log/slog"
	"testing"
)

type fakeSource struct {
	main MainStreamStatus
	pool TempPoolStatus
	users []UserBackfillStatus
}

func (f fakeSource) MainStreamStatus() MainStreamStatus         { return f.main }
func (f fakeSource) TempPoolStatus() TempPoolStatus             { return f.pool }
func (f fakeSource) UserBackfillStatuses() []UserBackfillStatus { return f.users }

type fakeSubscriber struct {
	statuses []Snapshot
	cursors  []CursorUpdate
}

func (f *fakeSubscriber) OnStatus(s Snapshot)     { f.statuses = append(f.statuses, s) }
func (f *fakeSubscriber) OnCursor(c CursorUpdate) { f.cursors = append(f.cursors, c) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshot_BuiltFromSource(t *testing.T) {
	source := fakeSource{
		main: MainStreamStatus{Running: true, MonitoredDIDs: 3, HasValidCursor: true},
		pool: TempPoolStatus{Active: 1, Max: 50, QueueLength: 0, AvailableSlots: 49},
		users: []UserBackfillStatus{{DID: "did:plc:abc", Handle: "abc.bsky.social"}},
	}
	b := New(source, testLogger())

	snap := b.Snapshot()
	if snap.MainStream != source.main {
		t.Fatalf("MainStream = %+v, want %+v", snap.MainStream, source.main)
	}
	if snap.TempPool != source.pool {
		t.Fatalf("TempPool = %+v, want %+v", snap.TempPool, source.pool)
	}
	if len(snap.Users) != 1 || snap.Users[0].DID != "did:plc:abc" {
		t.Fatalf("Users = %+v, want one entry did:plc:abc", snap.Users)
	}
	if snap.GeneratedAt.IsZero() {
		t.Fatal("GeneratedAt should be set")
	}
}

func TestSetSource_BreaksConstructionCycle(t *testing.T) {
	b := New(nil, testLogger())
	b.SetSource(fakeSource{main: MainStreamStatus{Running: true}})

	snap := b.Snapshot()
	if !snap.MainStream.Running {
		t.Fatal("Snapshot should reflect the source installed via SetSource")
	}
}

func TestBroadcastStatus_DeliversToAllSubscribers(t *testing.T) {
	b := New(fakeSource{main: MainStreamStatus{Running: true}}, testLogger())

	sub1 := &fakeSubscriber{}
	sub2 := &fakeSubscriber{}
	b.Register(sub1)
	b.Register(sub2)

	b.BroadcastStatus()

	if len(sub1.statuses) != 1 || len(sub2.statuses) != 1 {
		t.Fatalf("both subscribers should receive exactly one status push, got %d and %d", len(sub1.statuses), len(sub2.statuses))
	}
}

func TestUnregister_StopsDelivery(t *testing.T) {
	b := New(fakeSource{}, testLogger())

	sub := &fakeSubscriber{}
	id := b.Register(sub)
	b.Unregister(id)

	b.BroadcastStatus()

	if len(sub.statuses) != 0 {
		t.Fatalf("unregistered subscriber received %d pushes, want 0", len(sub.statuses))
	}
}

func TestBroadcastCursor_DeliversToAllSubscribers(t *testing.T) {
	b := New(fakeSource{}, testLogger())

	sub := &fakeSubscriber{}
	b.Register(sub)

	ts := "2026-08-06T00:00:00Z"
	b.BroadcastCursor(CursorUpdate{TimestampISO: &ts, IsInBackfill: true})

	if len(sub.cursors) != 1 {
		t.Fatalf("len(cursors) = %d, want 1", len(sub.cursors))
	}
	if !sub.cursors[0].IsInBackfill {
		t.Fatal("delivered cursor update should preserve IsInBackfill=true")
	}
}
