package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/voxecho/voxecho/internal/database"
	"github.com/voxecho/voxecho/internal/database/models"
	"github.com/voxecho/voxecho/internal/ivr"
	"github.com/voxecho/voxecho/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testServer wires a Server against a real SQLite database in a temp
// dir and real in-memory registries.
func testServer(t *testing.T) (*Server, database.CDRRepository, *ivr.CallRegistry) {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := database.NewCDRRepository(db)

	registry := ivr.NewCallRegistry(testLogger())

	endpoints, err := media.NewEndpointManager(41000, 41009, testLogger())
	if err != nil {
		t.Fatalf("NewEndpointManager: %v", err)
	}
	t.Cleanup(endpoints.Close)

	srv := NewServer(registry, endpoints, repo, nil, testLogger())
	t.Cleanup(srv.Close)
	return srv, repo, registry
}

func doGET(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return w, env
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := testServer(t)

	w, env := doGET(t, srv, "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := env.Data.(map[string]any)
	if data["status"] != "ok" {
		t.Errorf("status = %v, want ok", data["status"])
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _, registry := testServer(t)

	registry.TryAdd("call-1", &ivr.OngoingCall{ID: "call-1", AnsweredAt: time.Now()})

	w, env := doGET(t, srv, "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := env.Data.(map[string]any)
	if data["active_calls"] != float64(1) {
		t.Errorf("active_calls = %v, want 1", data["active_calls"])
	}
	if data["rtp_endpoints"] != float64(0) {
		t.Errorf("rtp_endpoints = %v, want 0", data["rtp_endpoints"])
	}
}

func TestHandleActiveCalls(t *testing.T) {
	srv, _, registry := testServer(t)

	registry.TryAdd("call-1", &ivr.OngoingCall{
		ID:           "call-1",
		CallerIDName: "Alice",
		CallerIDNum:  "1001",
		AnsweredAt:   time.Now(),
	})

	w, env := doGET(t, srv, "/api/v1/calls")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := env.Data.(map[string]any)
	if data["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", data["count"])
	}
	calls := data["calls"].([]any)
	call := calls[0].(map[string]any)
	if call["call_id"] != "call-1" {
		t.Errorf("call_id = %v, want call-1", call["call_id"])
	}
	if call["caller_id_num"] != "1001" {
		t.Errorf("caller_id_num = %v, want 1001", call["caller_id_num"])
	}
}

func seedCDR(t *testing.T, repo database.CDRRepository, callID string, disposition string) {
	t.Helper()
	ctx := context.Background()

	start := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	cdr := &models.CDR{
		CallID:       callID,
		CallerIDName: "Alice",
		CallerIDNum:  "1001",
		StartTime:    start,
	}
	if err := repo.Create(ctx, cdr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	answer := start.Add(time.Second)
	err := repo.Finalize(ctx, callID, database.CDRFinal{
		AnswerTime:     &answer,
		EndTime:        start.Add(30 * time.Second),
		Duration:       29,
		Disposition:    disposition,
		Digits:         "42",
		PlaybackRounds: 1,
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestHandleListCDRs(t *testing.T) {
	srv, repo, _ := testServer(t)
	seedCDR(t, repo, "call-1", models.DispositionHangup)
	seedCDR(t, repo, "call-2", models.DispositionCancelled)

	w, env := doGET(t, srv, "/api/v1/cdrs/?disposition=hangup")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := env.Data.(map[string]any)
	if data["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", data["total"])
	}
	items := data["items"].([]any)
	item := items[0].(map[string]any)
	if item["call_id"] != "call-1" {
		t.Errorf("call_id = %v, want call-1", item["call_id"])
	}
	if item["digits"] != "42" {
		t.Errorf("digits = %v, want 42", item["digits"])
	}
}

func TestHandleListCDRs_UnknownDisposition(t *testing.T) {
	srv, _, _ := testServer(t)

	w, env := doGET(t, srv, "/api/v1/cdrs/?disposition=bogus")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.Error != "unknown disposition" {
		t.Errorf("error = %q, want 'unknown disposition'", env.Error)
	}
}

func TestHandleGetCDR(t *testing.T) {
	srv, repo, _ := testServer(t)
	seedCDR(t, repo, "call-1", models.DispositionHangup)

	w, env := doGET(t, srv, "/api/v1/cdrs/call-1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := env.Data.(map[string]any)
	if data["disposition"] != models.DispositionHangup {
		t.Errorf("disposition = %v, want hangup", data["disposition"])
	}
	if data["playback_rounds"] != float64(1) {
		t.Errorf("playback_rounds = %v, want 1", data["playback_rounds"])
	}
}

func TestHandleGetCDR_NotFound(t *testing.T) {
	srv, _, _ := testServer(t)

	w, _ := doGET(t, srv, "/api/v1/cdrs/no-such-call")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleCDRStats(t *testing.T) {
	srv, repo, _ := testServer(t)
	seedCDR(t, repo, "call-1", models.DispositionHangup)
	seedCDR(t, repo, "call-2", models.DispositionHangup)

	w, env := doGET(t, srv, "/api/v1/cdrs/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := env.Data.(map[string]any)
	if data["total_calls"] != float64(2) {
		t.Errorf("total_calls = %v, want 2", data["total_calls"])
	}
	if data["digits_played"] != float64(4) {
		t.Errorf("digits_played = %v, want 4", data["digits_played"])
	}
	byDisp := data["by_disposition"].(map[string]any)
	if byDisp["hangup"] != float64(2) {
		t.Errorf("by_disposition.hangup = %v, want 2", byDisp["hangup"])
	}
}

func TestHandleExportCDRs(t *testing.T) {
	srv, repo, _ := testServer(t)
	seedCDR(t, repo, "call-1", models.DispositionHangup)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cdrs/export", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("Content-Type = %q, want text/csv", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "call-1") {
		t.Errorf("export missing call-1 row:\n%s", body)
	}
}
