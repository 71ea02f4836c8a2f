package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want map", env.Data)
	}
	if data["status"] != "ok" {
		t.Errorf("data.status = %v, want ok", data["status"])
	}
}

func TestWriteError_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusNotFound, "cdr not found")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "cdr not found" {
		t.Errorf("error = %q, want 'cdr not found'", env.Error)
	}
}

func TestParsePagination_Defaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/items", nil)

	p, errMsg := parsePagination(r)
	if errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if p.Limit != defaultLimit {
		t.Errorf("expected default limit %d, got %d", defaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestParsePagination_CustomValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/items?limit=50&offset=10", nil)

	p, errMsg := parsePagination(r)
	if errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestParsePagination_LimitClamped(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/items?limit=500", nil)

	p, errMsg := parsePagination(r)
	if errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if p.Limit != maxLimit {
		t.Errorf("expected limit clamped to %d, got %d", maxLimit, p.Limit)
	}
}

func TestParsePagination_InvalidLimit(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"non-numeric", "/items?limit=abc"},
		{"zero", "/items?limit=0"},
		{"negative", "/items?limit=-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.query, nil)
			_, errMsg := parsePagination(r)
			if errMsg != "limit must be a positive integer" {
				t.Errorf("expected 'limit must be a positive integer', got %q", errMsg)
			}
		})
	}
}

func TestParsePagination_InvalidOffset(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"non-numeric", "/items?offset=abc"},
		{"negative", "/items?offset=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.query, nil)
			_, errMsg := parsePagination(r)
			if errMsg != "offset must be a non-negative integer" {
				t.Errorf("expected 'offset must be a non-negative integer', got %q", errMsg)
			}
		})
	}
}
