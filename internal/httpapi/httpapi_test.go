package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

// TestWriteError produces a structured body with the expected code and message.
func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 404, CodeNotFound, "heuristic %s not found", "h-1")

	if rec.Code != 404 {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse error body: %v", err)
	}
	if body.Code != "NOT_FOUND" {
		t.Errorf("Expected code NOT_FOUND, got %s", body.Code)
	}
	if body.Error != "heuristic h-1 not found" {
		t.Errorf("Unexpected message: %s", body.Error)
	}
}

// TestTraceGeneratesWhenMissing ensures a trace ID is minted and echoed.
func TestTraceGeneratesWhenMissing(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/queue/stats", nil)

	id := Trace(rec, req)
	if id == "" {
		t.Fatal("Expected generated trace ID")
	}
	if rec.Header().Get(TraceHeader) != id {
		t.Errorf("Expected trace ID echoed on response, got %q", rec.Header().Get(TraceHeader))
	}
}

// TestTracePreservesCallerID ensures a caller-provided trace ID survives.
func TestTracePreservesCallerID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/queue/stats", nil)
	req.Header.Set(TraceHeader, "trace-abc")

	if id := Trace(rec, req); id != "trace-abc" {
		t.Errorf("Expected trace-abc, got %s", id)
	}
	if rec.Header().Get(TraceHeader) != "trace-abc" {
		t.Errorf("Expected trace-abc echoed, got %s", rec.Header().Get(TraceHeader))
	}
}

// TestHealthDetails includes process stats plus caller-provided entries.
func TestHealthDetails(t *testing.T) {
	h := NewHealthTracker()
	d := h.Details("ok", map[string]any{"queued_events": 3})

	if d.Status != "ok" {
		t.Errorf("Expected status ok, got %s", d.Status)
	}
	if d.UptimeSeconds < 0 {
		t.Errorf("Expected non-negative uptime, got %f", d.UptimeSeconds)
	}
	if d.Details["queued_events"] != 3 {
		t.Errorf("Expected queued_events 3, got %v", d.Details["queued_events"])
	}
	if _, ok := d.Details["goroutines"]; !ok {
		t.Error("Expected goroutines in details")
	}
}
