package executive

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/memory"
	"github.com/vthunder/gladys/internal/types"
)

// fakeMemory implements the Memory interface in-process.
type fakeMemory struct {
	mu           sync.Mutex
	stored       []*types.Heuristic
	nudges       []string // "<id>:+" or "<id>:-"
	matchResults []types.HeuristicMatch
}

func (f *fakeMemory) MatchHeuristics(ctx context.Context, eventText string, minConfidence float64, limit int, sourceFilter string) ([]types.HeuristicMatch, error) {
	return f.matchResults, nil
}

func (f *fakeMemory) StoreHeuristic(ctx context.Context, h *types.Heuristic, generateEmbedding bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.ID = "h-new"
	f.stored = append(f.stored, h)
	return h.ID, nil
}

func (f *fakeMemory) UpdateConfidence(ctx context.Context, heuristicID string, positive bool, feedbackSource string) (*memory.ConfidenceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sign := "-"
	if positive {
		sign = "+"
	}
	f.nudges = append(f.nudges, heuristicID+":"+sign)
	return &memory.ConfidenceResult{Success: true}, nil
}

func newTestService(t *testing.T, llm LLM, mem Memory) (*Service, *httptest.Server) {
	t.Helper()
	svc, err := NewService(config.Executive{
		HeuristicThreshold:   0.7,
		LLMConfidenceCeiling: 0.8,
		TraceRetention:       time.Minute,
	}, llm, mem)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)
	return svc, srv
}

func postJSON(t *testing.T, url string, body any, out any) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// validExtractionJSON passes both word-count gates.
const validExtractionJSON = `{"condition": "the kitchen oven timer has gone off and no one has acted on it",
	"action": {"type": "suggest", "message": "Remind the user to turn off the oven before the food burns badly"}}`

func processOnce(t *testing.T, srv *httptest.Server, suggestion *types.HeuristicSuggestion) ProcessResult {
	t.Helper()
	var result ProcessResult
	postJSON(t, srv.URL+"/v1/events/process", ProcessRequest{
		Event:      &types.Event{ID: "ev-1", Source: "kitchen", RawText: "the oven timer expired"},
		Immediate:  true,
		Suggestion: suggestion,
	}, &result)
	return result
}

// TestProcessEventLLMPathStoresTrace tests the LLM branch end to end:
// response, prediction parsing, and a usable trace for later feedback.
func TestProcessEventLLMPathStoresTrace(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"Turn off the oven.", `{"success":0.7,"confidence":0.6}`}}
	svc, srv := newTestService(t, llm, &fakeMemory{})

	result := processOnce(t, srv, nil)
	if !result.Accepted || result.DecisionPath != types.PathLLM {
		t.Fatalf("Expected accepted llm decision, got %+v", result)
	}
	if result.ResponseText != "Turn off the oven." {
		t.Errorf("Expected LLM response text, got %q", result.ResponseText)
	}
	if svc.traces.Get(result.ResponseID) == nil {
		t.Error("Expected reasoning trace stored under response id")
	}
}

// TestProcessEventHeuristicPath tests the fast path over the wire.
func TestProcessEventHeuristicPath(t *testing.T) {
	_, srv := newTestService(t, &scriptedLLM{}, &fakeMemory{})

	result := processOnce(t, srv, &types.HeuristicSuggestion{
		HeuristicID:     "h-1",
		SuggestedAction: "Turn off the oven.",
		Confidence:      0.9,
	})
	if result.DecisionPath != types.PathHeuristic {
		t.Fatalf("Expected heuristic decision, got %s", result.DecisionPath)
	}
	if result.MatchedHeuristicID != "h-1" {
		t.Errorf("Expected matched heuristic h-1, got %q", result.MatchedHeuristicID)
	}
}

// TestFeedbackUnknownResponse tests the expired-trace answer.
func TestFeedbackUnknownResponse(t *testing.T) {
	_, srv := newTestService(t, &scriptedLLM{}, &fakeMemory{})

	var result FeedbackResult
	positive := true
	postJSON(t, srv.URL+"/v1/feedback", FeedbackRequest{ResponseID: "nope", Positive: &positive}, &result)
	if result.Accepted {
		t.Error("Expected accepted=false for unknown response id")
	}
	if !strings.Contains(result.ErrorMessage, "not found or expired") {
		t.Errorf("Expected trace-missing message, got %q", result.ErrorMessage)
	}
}

// TestNegativeFeedbackNudgesMatchedHeuristic tests that a thumbs-down on
// a heuristic-matched response marks it down and nothing else.
func TestNegativeFeedbackNudgesMatchedHeuristic(t *testing.T) {
	mem := &fakeMemory{}
	llm := &scriptedLLM{responses: []string{"resp", `{"success":0.5,"confidence":0.5}`}}
	_, srv := newTestService(t, llm, mem)

	processed := processOnce(t, srv, &types.HeuristicSuggestion{
		HeuristicID: "h-1", ConditionText: "oven", SuggestedAction: "check", Confidence: 0.4,
	})

	var result FeedbackResult
	positive := false
	postJSON(t, srv.URL+"/v1/feedback", FeedbackRequest{ResponseID: processed.ResponseID, Positive: &positive}, &result)
	if !result.Accepted {
		t.Fatal("Expected negative feedback accepted")
	}
	if len(mem.nudges) != 1 || mem.nudges[0] != "h-1:-" {
		t.Errorf("Expected single negative nudge for h-1, got %v", mem.nudges)
	}
	if len(mem.stored) != 0 {
		t.Error("Expected no heuristic created on negative feedback")
	}
}

// TestPositiveFeedbackCreatesHeuristic tests the full learning flow:
// extraction, gates, nudge, store, trace consumption.
func TestPositiveFeedbackCreatesHeuristic(t *testing.T) {
	mem := &fakeMemory{}
	llm := &scriptedLLM{responses: []string{
		"Turn off the oven.",
		`{"success":0.7,"confidence":0.6}`,
		validExtractionJSON,
	}}
	svc, srv := newTestService(t, llm, mem)

	processed := processOnce(t, srv, &types.HeuristicSuggestion{
		HeuristicID: "h-old", ConditionText: "oven", SuggestedAction: "check", Confidence: 0.4,
	})

	var result FeedbackResult
	positive := true
	postJSON(t, srv.URL+"/v1/feedback", FeedbackRequest{ResponseID: processed.ResponseID, Positive: &positive}, &result)

	if !result.Accepted || result.CreatedHeuristicID != "h-new" {
		t.Fatalf("Expected heuristic created, got %+v", result)
	}
	if len(mem.stored) != 1 {
		t.Fatalf("Expected 1 stored heuristic, got %d", len(mem.stored))
	}
	h := mem.stored[0]
	if h.Confidence != 0.3 {
		t.Errorf("Expected learned confidence 0.3, got %f", h.Confidence)
	}
	if h.Origin != types.OriginLearned || h.OriginID != processed.ResponseID {
		t.Errorf("Expected origin learned/%s, got %s/%s", processed.ResponseID, h.Origin, h.OriginID)
	}
	if wc := wordCount(h.ConditionText); wc < 10 || wc > 50 {
		t.Errorf("Expected condition word count in [10,50], got %d", wc)
	}
	// The matched heuristic gets its own positive nudge.
	if len(mem.nudges) != 1 || mem.nudges[0] != "h-old:+" {
		t.Errorf("Expected positive nudge for h-old, got %v", mem.nudges)
	}
	if svc.traces.Get(processed.ResponseID) != nil {
		t.Error("Expected trace consumed after heuristic creation")
	}
}

// TestPositiveFeedbackQualityGateRejection tests that a degenerate
// extraction is declined with a reason and creates nothing.
func TestPositiveFeedbackQualityGateRejection(t *testing.T) {
	mem := &fakeMemory{}
	llm := &scriptedLLM{responses: []string{
		"resp",
		`{"success":0.5,"confidence":0.5}`,
		`{"condition":"x","action":{"type":"suggest","message":"y"}}`,
	}}
	_, srv := newTestService(t, llm, mem)

	processed := processOnce(t, srv, nil)

	var result FeedbackResult
	positive := true
	postJSON(t, srv.URL+"/v1/feedback", FeedbackRequest{ResponseID: processed.ResponseID, Positive: &positive}, &result)

	if !result.Accepted {
		t.Error("Expected gate rejection to still count as accepted feedback")
	}
	if !strings.Contains(result.ErrorMessage, "too short") {
		t.Errorf("Expected error mentioning 'too short', got %q", result.ErrorMessage)
	}
	if result.CreatedHeuristicID != "" || len(mem.stored) != 0 {
		t.Error("Expected no heuristic created on gate rejection")
	}
}

// TestPositiveFeedbackDedupRejection tests the near-duplicate gate.
func TestPositiveFeedbackDedupRejection(t *testing.T) {
	mem := &fakeMemory{
		matchResults: []types.HeuristicMatch{
			{Heuristic: &types.Heuristic{ID: "h-dup"}, Similarity: 0.96},
		},
	}
	llm := &scriptedLLM{responses: []string{
		"resp",
		`{"success":0.5,"confidence":0.5}`,
		validExtractionJSON,
	}}
	_, srv := newTestService(t, llm, mem)

	processed := processOnce(t, srv, nil)

	var result FeedbackResult
	positive := true
	postJSON(t, srv.URL+"/v1/feedback", FeedbackRequest{ResponseID: processed.ResponseID, Positive: &positive}, &result)

	if !result.Accepted || !strings.Contains(result.ErrorMessage, "near-duplicate") {
		t.Errorf("Expected near-duplicate rejection, got %+v", result)
	}
	if len(mem.stored) != 0 {
		t.Error("Expected no heuristic created on dedup rejection")
	}
}

// TestPositiveFeedbackWithoutBackend tests the no-LLM refusal.
func TestPositiveFeedbackWithoutBackend(t *testing.T) {
	svc, srv := newTestService(t, nil, &fakeMemory{})
	svc.traces.Put(&ReasoningTrace{ResponseID: "r-1", EventID: "ev-1"})

	var result FeedbackResult
	positive := true
	postJSON(t, srv.URL+"/v1/feedback", FeedbackRequest{ResponseID: "r-1", Positive: &positive}, &result)
	if result.Accepted {
		t.Error("Expected accepted=false without a text backend")
	}
}
