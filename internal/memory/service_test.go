package memory

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/store"
	"github.com/vthunder/gladys/internal/types"
)

// newTestOllama stands in for the Ollama API so the embed path runs
// without a model server
func newTestOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"embedding": [0.1, 0.2, 0.3, 0.4]}`))
		case "/api/tags":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"models": []}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// setupTestService boots a full memory service on a temp database and
// returns a client pointed at it
func setupTestService(t *testing.T) (*Client, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "memory-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	ollama := newTestOllama(t)
	svc, err := NewService(config.Memory{
		DataDir:            tmpDir,
		OllamaURL:          ollama.URL,
		EmbedModel:         "all-minilm",
		EmbedDim:           4,
		MinMatchSimilarity: 0.7,
	})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create service: %v", err)
	}

	server := httptest.NewServer(svc.Routes())
	client := NewClient(server.URL)

	cleanup := func() {
		server.Close()
		svc.Close()
		os.RemoveAll(tmpDir)
	}
	return client, cleanup
}

// TestStoreAndFetchEvent verifies the ingest path end to end, including
// server-side embedding generation
func TestStoreAndFetchEvent(t *testing.T) {
	client, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	ev := &types.EpisodicEvent{
		ID:          "evt-1",
		Source:      "discord",
		RawText:     "the deployment pipeline is failing",
		TimestampMS: 5000,
	}
	if err := client.StoreEvent(ctx, ev); err != nil {
		t.Fatalf("StoreEvent failed: %v", err)
	}

	events, err := client.EventsByTime(ctx, 0, 10000, "discord", 10)
	if err != nil {
		t.Fatalf("EventsByTime failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].ID != "evt-1" {
		t.Errorf("Expected evt-1, got %s", events[0].ID)
	}
	// The service embedded the raw text before storing
	if len(events[0].Embedding) != 4 {
		t.Errorf("Expected server-generated 4-dim embedding, got %d", len(events[0].Embedding))
	}
}

// TestStoreEventRequiresText verifies input validation
func TestStoreEventRequiresText(t *testing.T) {
	client, cleanup := setupTestService(t)
	defer cleanup()

	err := client.StoreEvent(context.Background(), &types.EpisodicEvent{ID: "x", Source: "test"})
	if err == nil {
		t.Fatal("Expected error for event without raw_text")
	}
	if !strings.Contains(err.Error(), "INVALID_ARGUMENT") {
		t.Errorf("Expected INVALID_ARGUMENT in error, got: %v", err)
	}
}

// TestEmbedEndpoint verifies embedding generation and validation
func TestEmbedEndpoint(t *testing.T) {
	client, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	emb, err := client.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(emb) != 4 {
		t.Errorf("Expected 4-dim embedding, got %d", len(emb))
	}

	if _, err := client.Embed(ctx, ""); err == nil {
		t.Error("Expected error for empty text")
	}
}

// TestHeuristicLifecycle verifies store, fetch, list, and confidence update
// through the HTTP surface
func TestHeuristicLifecycle(t *testing.T) {
	client, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	h := &types.Heuristic{
		Name:          "deploy failure",
		ConditionText: "deployment failed",
		Origin:        types.OriginLearned,
	}
	id, err := client.StoreHeuristic(ctx, h, true)
	if err != nil {
		t.Fatalf("StoreHeuristic failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a heuristic ID to be assigned")
	}

	got, err := client.GetHeuristic(ctx, id)
	if err != nil {
		t.Fatalf("GetHeuristic failed: %v", err)
	}
	// Zero confidence defaults to 0.5 and the embedding was generated
	if math.Abs(got.Confidence-0.5) > 0.001 {
		t.Errorf("Expected default confidence 0.5, got %f", got.Confidence)
	}
	if len(got.ConditionEmbedding) != 4 {
		t.Errorf("Expected generated condition embedding, got %d dims", len(got.ConditionEmbedding))
	}

	list, err := client.ListHeuristics(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListHeuristics failed: %v", err)
	}
	if len(list) != 1 || list[0].Similarity != 1 {
		t.Errorf("Expected 1 listed heuristic with similarity 1, got %d", len(list))
	}

	update, err := client.UpdateConfidence(ctx, id, true, types.SourceExplicit)
	if err != nil {
		t.Fatalf("UpdateConfidence failed: %v", err)
	}
	// No recorded fire: (1 + 1) / (2 + 1)
	if math.Abs(update.NewConfidence-0.6667) > 0.001 {
		t.Errorf("Expected confidence 0.6667, got %f", update.NewConfidence)
	}
	if update.TDError != 0 {
		t.Errorf("Expected td_error 0, got %f", update.TDError)
	}

	if _, err := client.GetHeuristic(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestMatchEndpoint verifies matching over the wire including the source filter
func TestMatchEndpoint(t *testing.T) {
	client, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	h := &types.Heuristic{
		Name:          "server down",
		ConditionText: "discord: server is down",
		Confidence:    0.8,
	}
	if _, err := client.StoreHeuristic(ctx, h, true); err != nil {
		t.Fatalf("StoreHeuristic failed: %v", err)
	}

	matches, err := client.MatchHeuristics(ctx, "the server is down again", 0, 5, "")
	if err != nil {
		t.Fatalf("MatchHeuristics failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(matches))
	}
	expectedScore := matches[0].Similarity * 0.8
	if math.Abs(matches[0].Score-expectedScore) > 0.001 {
		t.Errorf("Expected score similarity*confidence, got %f", matches[0].Score)
	}

	matches, err = client.MatchHeuristics(ctx, "the server is down again", 0, 5, "sensor")
	if err != nil {
		t.Fatalf("MatchHeuristics with filter failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Expected no matches for source filter sensor, got %d", len(matches))
	}
}

// TestFireFlow verifies fire recording and feedback resolution over the wire
func TestFireFlow(t *testing.T) {
	client, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	h := &types.Heuristic{Name: "n", ConditionText: "c"}
	id, err := client.StoreHeuristic(ctx, h, false)
	if err != nil {
		t.Fatalf("StoreHeuristic failed: %v", err)
	}

	fireID, err := client.RecordFire(ctx, id, "evt-1", "")
	if err != nil {
		t.Fatalf("RecordFire failed: %v", err)
	}
	if fireID == "" {
		t.Fatal("Expected a fire ID")
	}

	pending, err := client.PendingFires(ctx, id, 3600)
	if err != nil {
		t.Fatalf("PendingFires failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending fire, got %d", len(pending))
	}

	// Feedback resolves the fire without double-counting:
	// fire_count 1 (from the fire), success_count 1 -> (1+1)/(2+1)
	update, err := client.UpdateConfidence(ctx, id, true, types.SourceExplicit)
	if err != nil {
		t.Fatalf("UpdateConfidence failed: %v", err)
	}
	if math.Abs(update.NewConfidence-0.6667) > 0.001 {
		t.Errorf("Expected confidence 0.6667, got %f", update.NewConfidence)
	}

	pending, _ = client.PendingFires(ctx, id, 3600)
	if len(pending) != 0 {
		t.Errorf("Expected no pending fires after feedback, got %d", len(pending))
	}

	if _, err := client.RecordFire(ctx, "missing", "evt-1", ""); err == nil {
		t.Error("Expected error recording fire for missing heuristic")
	}
}

// TestStatsAndResetEndpoint verifies counters and the wipe operation
func TestStatsAndResetEndpoint(t *testing.T) {
	client, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	ev := &types.EpisodicEvent{ID: "evt-s", Source: "test", RawText: "something happened", TimestampMS: 1}
	if err := client.StoreEvent(ctx, ev); err != nil {
		t.Fatalf("StoreEvent failed: %v", err)
	}

	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["episodic_events"] != 1 {
		t.Errorf("Expected 1 event in stats, got %d", stats["episodic_events"])
	}

	if err := client.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	stats, _ = client.Stats(ctx)
	if stats["episodic_events"] != 0 {
		t.Errorf("Expected 0 events after reset, got %d", stats["episodic_events"])
	}
}

// TestHealthDetails verifies the detailed health surface
func TestHealthDetails(t *testing.T) {
	client, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()
	if !client.Healthy(ctx) {
		t.Error("Expected service to report healthy")
	}

	details, err := client.HealthDetails(ctx)
	if err != nil {
		t.Fatalf("HealthDetails failed: %v", err)
	}
	if details.Details["embedding_model"] != "all-minilm" {
		t.Errorf("Expected embedding_model all-minilm, got %v", details.Details["embedding_model"])
	}
	if details.Details["ollama_connected"] != true {
		t.Errorf("Expected ollama_connected true, got %v", details.Details["ollama_connected"])
	}
}
