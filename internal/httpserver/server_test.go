package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hallowgate/atwatch/internal/status"
)

type fakeSnapshotSource struct{}

func (fakeSnapshotSource) MainStreamStatus() status.MainStreamStatus {
	return status.MainStreamStatus{Running: true, MonitoredDIDs: 7}
}
func (fakeSnapshotSource) TempPoolStatus() status.TempPoolStatus { return status.TempPoolStatus{Max: 50} }
func (fakeSnapshotSource) UserBackfillStatuses() []status.UserBackfillStatus { return nil }

type fakeCursorReader struct {
	info CursorInfo
}

func (f fakeCursorReader) GetCursorInfo() CursorInfo { return f.info }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(cursor CursorReader) *Server {
	b := status.New(fakeSnapshotSource{}, testLogger())
	return NewServer(0, b, cursor, testLogger())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(fakeCursorReader{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v, want status=ok", body)
	}
}

func TestHandleStatus_ReturnsSnapshotFromBroadcaster(t *testing.T) {
	s := newTestServer(fakeCursorReader{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap status.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !snap.MainStream.Running || snap.MainStream.MonitoredDIDs != 7 {
		t.Fatalf("snapshot.MainStream = %+v, want Running=true MonitoredDIDs=7", snap.MainStream)
	}
}

func TestHandleCursor_ReturnsCursorInfoFromReader(t *testing.T) {
	cursor := int64(123)
	s := newTestServer(fakeCursorReader{info: CursorInfo{Cursor: &cursor, HasValidCursor: true, InBackfill: false}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cursor", nil)

	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["cursor"].(float64) != 123 {
		t.Fatalf("cursor = %v, want 123", body["cursor"])
	}
	if body["hasValidCursor"] != true {
		t.Fatalf("hasValidCursor = %v, want true", body["hasValidCursor"])
	}
}

func TestHandleCursor_NilCursor(t *testing.T) {
	s := newTestServer(fakeCursorReader{info: CursorInfo{}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cursor", nil)

	s.httpServer.Handler.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["cursor"] != nil {
		t.Fatalf("cursor = %v, want nil", body["cursor"])
	}
}
