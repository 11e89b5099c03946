package salience

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/types"
)

// stubMemory is a scriptable stand-in for the memory service.
type stubMemory struct {
	mu         sync.Mutex
	embedding  []float64
	matches    []types.HeuristicMatch
	embedFail  bool
	matchFail  bool
	matchCalls int
}

func (m *stubMemory) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.embedFail {
			httpapi.WriteError(w, http.StatusServiceUnavailable, httpapi.CodeUnavailable, "embedding model down")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"embedding": m.embedding, "dim": len(m.embedding)})
	})
	mux.HandleFunc("POST /v1/heuristics/match", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.matchCalls++
		if m.matchFail {
			httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "match unavailable")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, m.matches)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, httpapi.Health{Status: "healthy"})
	})
	return mux
}

func (m *stubMemory) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matchCalls
}

func setupTestService(t *testing.T, stub *stubMemory) (*Client, *Service) {
	t.Helper()

	memSrv := httptest.NewServer(stub.handler())
	t.Cleanup(memSrv.Close)

	svc, err := NewService(config.Salience{
		MemoryAddress:         memSrv.URL,
		Scorer:                "embedding",
		BaselineNovelty:       0.1,
		UnmatchedNoveltyBoost: 0.7,
		MinSimilarity:         0.7,
		MinConfidence:         0.5,
		NoveltyThreshold:      0.9,
		CacheMaxEvents:        100,
		CacheMaxHeuristics:    50,
		HeuristicTTL:          5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)

	return NewClient(srv.URL), svc
}

// matchFor builds a storage match whose condition embedding equals the
// stub's event embedding, so the warmed cache matches on the next call.
func matchFor(id string, emb []float64, boost map[string]float64) types.HeuristicMatch {
	return types.HeuristicMatch{
		Heuristic: &types.Heuristic{
			ID:                 id,
			Name:               "h-" + id,
			ConditionText:      "user mentions " + id,
			ConditionEmbedding: emb,
			Confidence:         0.8,
			Effects: &types.Effects{
				Type:     "suggest",
				Message:  "respond to " + id,
				Salience: boost,
			},
		},
		Similarity: 0.95,
		Score:      0.76,
	}
}

// TestEvaluateNoMatch verifies novelty is boosted when no heuristic
// matches.
func TestEvaluateNoMatch(t *testing.T) {
	stub := &stubMemory{embedding: []float64{0.1, 0.2, 0.3, 0.4}}
	client, _ := setupTestService(t, stub)

	result, err := client.Evaluate(context.Background(), &types.Event{
		ID:      "ev-1",
		Source:  "sensor:kitchen",
		RawText: "the toaster finished",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if result.Error != "" {
		t.Errorf("Expected no error, got %q", result.Error)
	}
	if result.FromCache || result.MatchedHeuristicID != "" {
		t.Errorf("Expected no match, got from_cache=%v id=%q", result.FromCache, result.MatchedHeuristicID)
	}
	if got := result.Salience.Vector["novelty"]; got != 0.7 {
		t.Errorf("Expected novelty boosted to 0.7, got %v", got)
	}
	if result.Salience.Threat != 0 {
		t.Errorf("Expected zero threat, got %v", result.Salience.Threat)
	}
	if result.Salience.ModelID != "embedding_similarity" {
		t.Errorf("Expected model id embedding_similarity, got %q", result.Salience.ModelID)
	}
}

// TestEvaluateMatchWarmsCache verifies a storage match applies its
// boost, warms the cache, and the next similar event is served locally.
func TestEvaluateMatchWarmsCache(t *testing.T) {
	emb := []float64{0.1, 0.2, 0.3, 0.4}
	stub := &stubMemory{
		embedding: emb,
		matches: []types.HeuristicMatch{
			matchFor("fire-alarm", emb, map[string]float64{"threat": 0.8, "salience": 0.9, "opportunity": 0.6}),
		},
	}
	client, svc := setupTestService(t, stub)

	first, err := client.Evaluate(context.Background(), &types.Event{
		ID:      "ev-1",
		Source:  "sensor:kitchen",
		RawText: "the fire alarm is going off",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if first.MatchedHeuristicID != "fire-alarm" || !first.FromCache {
		t.Errorf("Expected fire-alarm match, got id=%q from_cache=%v", first.MatchedHeuristicID, first.FromCache)
	}
	if first.Salience.Threat != 0.8 || first.Salience.Salience != 0.9 {
		t.Errorf("Expected boost threat=0.8 salience=0.9, got %v / %v", first.Salience.Threat, first.Salience.Salience)
	}
	if got := first.Salience.Vector["opportunity"]; got != 0.6 {
		t.Errorf("Expected opportunity boost 0.6, got %v", got)
	}
	if got := first.Salience.Vector["novelty"]; got != 0.1 {
		t.Errorf("Expected baseline novelty on match, got %v", got)
	}
	if first.Salience.Habituation != 0 {
		t.Errorf("Expected no habituation on first sighting, got %v", first.Salience.Habituation)
	}
	if stub.calls() != 1 {
		t.Fatalf("Expected 1 storage match call, got %d", stub.calls())
	}

	// Second, near-identical event: matched from the warmed cache, and
	// damped because we just saw one like it.
	second, err := client.Evaluate(context.Background(), &types.Event{
		ID:      "ev-2",
		Source:  "sensor:kitchen",
		RawText: "the fire alarm is going off",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if second.MatchedHeuristicID != "fire-alarm" {
		t.Errorf("Expected cached match, got id=%q", second.MatchedHeuristicID)
	}
	if stub.calls() != 1 {
		t.Errorf("Expected cache to serve second call, storage calls=%d", stub.calls())
	}
	if second.Salience.Habituation < 0.9 {
		t.Errorf("Expected habituation from recent duplicate, got %v", second.Salience.Habituation)
	}

	stats := svc.cache.Stats()
	if stats.TotalMisses != 1 || stats.TotalHits != 1 {
		t.Errorf("Expected 1 miss + 1 hit, got %d / %d", stats.TotalMisses, stats.TotalHits)
	}
	if stats.EventCount != 2 {
		t.Errorf("Expected both events cached, got %d", stats.EventCount)
	}
}

// TestEvaluateEmptyText verifies empty text yields the baseline vector
// with no novelty boost.
func TestEvaluateEmptyText(t *testing.T) {
	stub := &stubMemory{embedding: []float64{0.1, 0.2, 0.3, 0.4}}
	client, _ := setupTestService(t, stub)

	result, err := client.Evaluate(context.Background(), &types.Event{ID: "ev-1", Source: "sensor:kitchen"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got := result.Salience.Vector["novelty"]; got != 0.1 {
		t.Errorf("Expected baseline novelty 0.1, got %v", got)
	}
	if stub.calls() != 0 {
		t.Errorf("Expected no storage calls for empty text, got %d", stub.calls())
	}
}

// TestEvaluateEmbeddingFailure verifies scoring falls back to a storage
// match when the embedding model is down.
func TestEvaluateEmbeddingFailure(t *testing.T) {
	stub := &stubMemory{
		embedFail: true,
		matches:   []types.HeuristicMatch{matchFor("fallback", nil, map[string]float64{"threat": 0.5})},
	}
	client, _ := setupTestService(t, stub)

	result, err := client.Evaluate(context.Background(), &types.Event{
		ID:      "ev-1",
		Source:  "sensor:kitchen",
		RawText: "something happened",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if result.Error != "" {
		t.Errorf("Expected embedding failure to degrade, not error: %q", result.Error)
	}
	if result.MatchedHeuristicID != "fallback" {
		t.Errorf("Expected storage fallback match, got %q", result.MatchedHeuristicID)
	}
	if result.Salience.Threat != 0.5 {
		t.Errorf("Expected boost applied, got threat %v", result.Salience.Threat)
	}
}

// TestEvaluateScorerError verifies a total scoring failure returns a
// usable vector with the error attached.
func TestEvaluateScorerError(t *testing.T) {
	stub := &stubMemory{embedFail: true, matchFail: true}
	client, _ := setupTestService(t, stub)

	result, err := client.Evaluate(context.Background(), &types.Event{
		ID:      "ev-1",
		Source:  "sensor:kitchen",
		RawText: "something happened",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if result.Error == "" {
		t.Error("Expected error to be reported")
	}
	if result.FromCache || result.MatchedHeuristicID != "" {
		t.Error("Expected no match on scorer error")
	}
	if got := result.Salience.Vector["novelty"]; got != 0.7 {
		t.Errorf("Expected novelty boost on scorer error, got %v", got)
	}
}

// TestCacheManagementEndpoints exercises list, evict, flush, and
// change notification.
func TestCacheManagementEndpoints(t *testing.T) {
	emb := []float64{0.1, 0.2, 0.3, 0.4}
	stub := &stubMemory{
		embedding: emb,
		matches:   []types.HeuristicMatch{matchFor("h1", emb, nil)},
	}
	client, _ := setupTestService(t, stub)
	ctx := context.Background()

	warm := func() {
		t.Helper()
		if _, err := client.Evaluate(ctx, &types.Event{ID: "ev", Source: "s", RawText: "warm the cache"}); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
	}
	warm()

	infos, err := client.CachedHeuristics(ctx, 0)
	if err != nil {
		t.Fatalf("CachedHeuristics failed: %v", err)
	}
	if len(infos) != 1 || infos[0].HeuristicID != "h1" {
		t.Fatalf("Expected cached h1, got %+v", infos)
	}
	if infos[0].HitCount < 1 {
		t.Errorf("Expected matched entry to be touched, hit count %d", infos[0].HitCount)
	}

	found, err := client.EvictHeuristic(ctx, "h1")
	if err != nil || !found {
		t.Errorf("Expected evict to find h1, got found=%v err=%v", found, err)
	}
	found, err = client.EvictHeuristic(ctx, "h1")
	if err != nil || found {
		t.Errorf("Expected second evict to miss, got found=%v err=%v", found, err)
	}

	warm()
	flushed, err := client.FlushCache(ctx)
	if err != nil || flushed != 1 {
		t.Errorf("Expected flush to evict 1, got %d err=%v", flushed, err)
	}

	stats, err := client.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats failed: %v", err)
	}
	if stats.CurrentSize != 0 {
		t.Errorf("Expected empty cache after flush, got %d", stats.CurrentSize)
	}
	if stats.MaxCapacity != 50 {
		t.Errorf("Expected capacity 50, got %d", stats.MaxCapacity)
	}

	warm()
	if err := client.NotifyChange(ctx, "h1", "updated"); err != nil {
		t.Fatalf("NotifyChange failed: %v", err)
	}
	infos, err = client.CachedHeuristics(ctx, 0)
	if err != nil {
		t.Fatalf("CachedHeuristics failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected notify to evict cached copy, got %d entries", len(infos))
	}
}

// TestNewServiceUnknownScorer verifies an unrecognized scorer name is
// rejected at startup.
func TestNewServiceUnknownScorer(t *testing.T) {
	_, err := NewService(config.Salience{Scorer: "neural", MemoryAddress: "http://localhost:1"})
	if err == nil || !strings.Contains(err.Error(), "unknown scorer") {
		t.Errorf("Expected unknown scorer error, got %v", err)
	}
}

// TestClientErrorFormat verifies API errors surface status and code.
func TestClientErrorFormat(t *testing.T) {
	stub := &stubMemory{embedding: []float64{0.1, 0.2}}
	client, _ := setupTestService(t, stub)

	err := client.NotifyChange(context.Background(), "", "updated")
	if err == nil {
		t.Fatal("Expected error for missing heuristic_id")
	}
	if !strings.Contains(err.Error(), "salience API error") || !strings.Contains(err.Error(), httpapi.CodeInvalidArgument) {
		t.Errorf("Expected formatted API error, got %q", err.Error())
	}
}

// TestHealthDetails verifies the detailed health payload includes
// scorer and cache information.
func TestHealthDetails(t *testing.T) {
	stub := &stubMemory{embedding: []float64{0.1, 0.2}}
	client, _ := setupTestService(t, stub)

	details, err := client.HealthDetails(context.Background())
	if err != nil {
		t.Fatalf("HealthDetails failed: %v", err)
	}
	if details.Status != "healthy" {
		t.Errorf("Expected healthy, got %q", details.Status)
	}
	if got := details.Details["scorer"]; got != "embedding_similarity" {
		t.Errorf("Expected scorer embedding_similarity, got %v", got)
	}
	if got := details.Details["memory_connected"]; got != true {
		t.Errorf("Expected memory_connected true, got %v", got)
	}
}
