package mainstream

import (
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/hallowgate/atwatch/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStream(t *testing.T) (*Stream, *store.Store) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared", testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := New(Deps{Store: st, Logger: testLogger()})
	return s, st
}

func TestSameSet(t *testing.T) {
	cases := []struct {
		name string
		a, b map[string]struct{}
		want bool
	}{
		{"both empty", map[string]struct{}{}, map[string]struct{}{}, true},
		{"identical", map[string]struct{}{"a": {}, "b": {}}, map[string]struct{}{"b": {}, "a": {}}, true},
		{"different size", map[string]struct{}{"a": {}}, map[string]struct{}{"a": {}, "b": {}}, false},
		{"same size different members", map[string]struct{}{"a": {}}, map[string]struct{}{"b": {}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sameSet(tc.a, tc.b); got != tc.want {
				t.Fatalf("sameSet(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestStatusCursorUpdate(t *testing.T) {
	u := statusCursorUpdate("2026-08-06T00:00:00Z", true)
	if u.TimestampISO == nil || *u.TimestampISO != "2026-08-06T00:00:00Z" {
		t.Fatalf("TimestampISO = %v, want the formatted time", u.TimestampISO)
	}
	if !u.IsInBackfill {
		t.Fatal("IsInBackfill should be true")
	}
}

func TestIsRunningWithCursor_FalseBeforeDebounceElapses(t *testing.T) {
	s, _ := newTestStream(t)
	s.mu.Lock()
	s.hasCursor = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.IsRunningWithCursor() {
		t.Fatal("IsRunningWithCursor should be false immediately after start")
	}
}

func TestIsRunningWithCursor_TrueAfterDebounceElapses(t *testing.T) {
	s, _ := newTestStream(t)
	s.mu.Lock()
	s.hasCursor = true
	s.startedAt = time.Now().Add(-validCursorUptime - time.Second)
	s.mu.Unlock()

	if !s.IsRunningWithCursor() {
		t.Fatal("IsRunningWithCursor should be true once uptime exceeds the debounce")
	}
}

func TestIsRunningWithCursor_FalseWithoutCursor(t *testing.T) {
	s, _ := newTestStream(t)
	s.mu.Lock()
	s.hasCursor = false
	s.startedAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if s.IsRunningWithCursor() {
		t.Fatal("IsRunningWithCursor should be false without a cursor regardless of uptime")
	}
}

func TestGetRecommendedStartCursor_NoStopRecorded(t *testing.T) {
	s, _ := newTestStream(t)
	cursor, err := s.GetRecommendedStartCursor(t.Context())
	if err != nil {
		t.Fatalf("GetRecommendedStartCursor: %v", err)
	}
	if cursor != nil {
		t.Fatalf("cursor = %v, want nil when nothing was ever stopped", cursor)
	}
}

func TestGetRecommendedStartCursor_RecentStopIsResumable(t *testing.T) {
	s, st := newTestStream(t)
	ctx := t.Context()
	if err := st.SetSetting(ctx, store.SettingStopCursor, "1000000"); err != nil {
		t.Fatalf("SetSetting cursor: %v", err)
	}
	if err := st.SetSetting(ctx, store.SettingStopTime, nowMicrosString(time.Now())); err != nil {
		t.Fatalf("SetSetting time: %v", err)
	}

	cursor, err := s.GetRecommendedStartCursor(ctx)
	if err != nil {
		t.Fatalf("GetRecommendedStartCursor: %v", err)
	}
	if cursor == nil || *cursor != 1000000 {
		t.Fatalf("cursor = %v, want 1000000", cursor)
	}
}

func TestGetRecommendedStartCursor_StaleStopIsIgnored(t *testing.T) {
	s, st := newTestStream(t)
	ctx := t.Context()
	if err := st.SetSetting(ctx, store.SettingStopCursor, "1000000"); err != nil {
		t.Fatalf("SetSetting cursor: %v", err)
	}
	if err := st.SetSetting(ctx, store.SettingStopTime, nowMicrosString(time.Now().Add(-25*time.Hour))); err != nil {
		t.Fatalf("SetSetting time: %v", err)
	}

	cursor, err := s.GetRecommendedStartCursor(ctx)
	if err != nil {
		t.Fatalf("GetRecommendedStartCursor: %v", err)
	}
	if cursor != nil {
		t.Fatalf("cursor = %v, want nil for a stop recorded more than 24h ago", cursor)
	}
}

func TestChooseStartCursor_FallsBackToSeed(t *testing.T) {
	s, _ := newTestStream(t)
	seed := int64(42)
	got := s.chooseStartCursor(t.Context(), &seed)
	if got == nil || *got != 42 {
		t.Fatalf("chooseStartCursor = %v, want the seed value 42", got)
	}
}

func TestChooseStartCursor_PrefersRecommendedOverSeed(t *testing.T) {
	s, st := newTestStream(t)
	ctx := t.Context()
	if err := st.SetSetting(ctx, store.SettingStopCursor, "999"); err != nil {
		t.Fatalf("SetSetting cursor: %v", err)
	}
	if err := st.SetSetting(ctx, store.SettingStopTime, nowMicrosString(time.Now())); err != nil {
		t.Fatalf("SetSetting time: %v", err)
	}

	seed := int64(42)
	got := s.chooseStartCursor(ctx, &seed)
	if got == nil || *got != 999 {
		t.Fatalf("chooseStartCursor = %v, want the recommended resume cursor 999", got)
	}
}

func nowMicrosString(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}
