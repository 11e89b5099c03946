package salience

import (
	"fmt"
	"testing"
	"time"

	"github.com/vthunder/gladys/internal/types"
)

func testHeuristic(id string, confidence float64, emb []float64) *types.Heuristic {
	return &types.Heuristic{
		ID:                 id,
		Name:               "h-" + id,
		ConditionText:      "condition " + id,
		ConditionEmbedding: emb,
		Confidence:         confidence,
		Effects:            &types.Effects{Type: "suggest", Message: "act on " + id},
	}
}

// TestEventEviction verifies events evict oldest-timestamp-first once
// the cache is full.
func TestEventEviction(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 3, MaxHeuristics: 10})

	for i := 1; i <= 4; i++ {
		c.AddEvent(fmt.Sprintf("ev-%d", i), []float64{1, 0}, int64(i*1000))
	}

	stats := c.Stats()
	if stats.EventCount != 3 {
		t.Errorf("Expected 3 events after eviction, got %d", stats.EventCount)
	}
	if _, ok := c.events["ev-1"]; ok {
		t.Error("Expected oldest event ev-1 to be evicted")
	}
	if _, ok := c.events["ev-4"]; !ok {
		t.Error("Expected newest event ev-4 to be present")
	}
}

// TestHeuristicLRUEviction verifies the least recently accessed
// heuristic is evicted first.
func TestHeuristicLRUEviction(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 2})

	c.AddHeuristic(testHeuristic("h1", 0.8, nil))
	c.AddHeuristic(testHeuristic("h2", 0.8, nil))
	c.heuristics["h1"].lastAccessedMS = 1000
	c.heuristics["h2"].lastAccessedMS = 2000

	c.AddHeuristic(testHeuristic("h3", 0.8, nil))

	if c.GetHeuristic("h1") != nil {
		t.Error("Expected LRU entry h1 to be evicted")
	}
	if c.GetHeuristic("h2") == nil || c.GetHeuristic("h3") == nil {
		t.Error("Expected h2 and h3 to survive eviction")
	}
}

// TestTouchUpdatesLRU verifies touching a heuristic protects it from
// eviction.
func TestTouchUpdatesLRU(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 2})

	c.AddHeuristic(testHeuristic("h1", 0.8, nil))
	c.AddHeuristic(testHeuristic("h2", 0.8, nil))
	c.heuristics["h1"].lastAccessedMS = 1000
	c.heuristics["h2"].lastAccessedMS = 2000

	c.TouchHeuristic("h1")
	c.AddHeuristic(testHeuristic("h3", 0.8, nil))

	if c.GetHeuristic("h1") == nil {
		t.Error("Expected touched h1 to survive eviction")
	}
	if c.GetHeuristic("h2") != nil {
		t.Error("Expected untouched h2 to be evicted")
	}

	if e := c.heuristics["h1"]; e.hitCount != 1 || e.lastHitMS == 0 {
		t.Errorf("Expected touch to record a hit, got count=%d lastHit=%d", e.hitCount, e.lastHitMS)
	}
}

// TestAddHeuristicReplace verifies re-adding an id swaps the payload
// without growing the cache.
func TestAddHeuristicReplace(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 5})

	c.AddHeuristic(testHeuristic("h1", 0.5, nil))
	c.AddHeuristic(testHeuristic("h1", 0.9, nil))

	if n := c.Stats().HeuristicCount; n != 1 {
		t.Errorf("Expected 1 entry after replace, got %d", n)
	}
	if got := c.GetHeuristic("h1").Confidence; got != 0.9 {
		t.Errorf("Expected replaced confidence 0.9, got %v", got)
	}
}

// TestFindMatchingFilters verifies similarity and confidence gates,
// ordering, and the result limit.
func TestFindMatchingFilters(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 10})

	c.AddHeuristic(testHeuristic("exact", 0.9, []float64{1, 0, 0, 0}))
	c.AddHeuristic(testHeuristic("partial", 0.9, []float64{0.6, 0.8, 0, 0}))
	c.AddHeuristic(testHeuristic("orthogonal", 0.9, []float64{0, 1, 0, 0}))
	c.AddHeuristic(testHeuristic("no-embedding", 0.9, nil))
	c.AddHeuristic(testHeuristic("low-confidence", 0.2, []float64{1, 0, 0, 0}))

	query := []float64{1, 0, 0, 0}

	matches := c.FindMatching(query, 0.5, 0.5, 10)
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	if matches[0].Heuristic.ID != "exact" || matches[1].Heuristic.ID != "partial" {
		t.Errorf("Expected [exact partial], got [%s %s]", matches[0].Heuristic.ID, matches[1].Heuristic.ID)
	}
	if matches[0].Similarity < 0.99 {
		t.Errorf("Expected exact similarity ~1.0, got %v", matches[0].Similarity)
	}
	if matches[0].Score < 0.89 || matches[0].Score > 0.91 {
		t.Errorf("Expected score=sim*conf ~0.9, got %v", matches[0].Score)
	}

	if got := c.FindMatching(query, 0.5, 0.5, 1); len(got) != 1 {
		t.Errorf("Expected limit to cap results at 1, got %d", len(got))
	}
	if got := c.FindMatching(nil, 0.5, 0.5, 10); got != nil {
		t.Errorf("Expected nil for empty query, got %d matches", len(got))
	}
}

// TestFindMatchingTTL verifies stale entries stop matching once past
// the heuristic TTL.
func TestFindMatchingTTL(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 10, HeuristicTTL: 5 * time.Second})

	c.AddHeuristic(testHeuristic("fresh", 0.9, []float64{1, 0}))
	c.AddHeuristic(testHeuristic("stale", 0.9, []float64{1, 0}))
	c.heuristics["stale"].cachedAtMS = time.Now().UnixMilli() - 6000

	matches := c.FindMatching([]float64{1, 0}, 0.5, 0.5, 10)
	if len(matches) != 1 || matches[0].Heuristic.ID != "fresh" {
		t.Fatalf("Expected only fresh to match, got %d matches", len(matches))
	}
}

// TestRemoveAndFlush verifies single eviction and full flush.
func TestRemoveAndFlush(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 10})

	c.AddHeuristic(testHeuristic("h1", 0.8, nil))
	c.AddHeuristic(testHeuristic("h2", 0.8, nil))

	if !c.RemoveHeuristic("h1") {
		t.Error("Expected remove of present heuristic to report true")
	}
	if c.RemoveHeuristic("h1") {
		t.Error("Expected remove of absent heuristic to report false")
	}

	if n := c.FlushHeuristics(); n != 1 {
		t.Errorf("Expected flush to evict 1 entry, got %d", n)
	}
	if n := c.Stats().HeuristicCount; n != 0 {
		t.Errorf("Expected empty cache after flush, got %d", n)
	}
}

// TestHitRate verifies the hit-rate computation including the
// no-traffic case.
func TestHitRate(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 10})

	if rate := c.Stats().HitRate(); rate != 0 {
		t.Errorf("Expected 0 hit rate before traffic, got %v", rate)
	}

	c.RecordHit()
	c.RecordHit()
	c.RecordHit()
	c.RecordMiss()

	stats := c.Stats()
	if stats.TotalHits != 3 || stats.TotalMisses != 1 {
		t.Errorf("Expected 3 hits / 1 miss, got %d / %d", stats.TotalHits, stats.TotalMisses)
	}
	if rate := stats.HitRate(); rate != 0.75 {
		t.Errorf("Expected hit rate 0.75, got %v", rate)
	}
}

// TestSeenBefore verifies the recent-event similarity check.
func TestSeenBefore(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 10, NoveltyThreshold: 0.9})

	c.AddEvent("ev-1", []float64{1, 0, 0}, 1000)

	if c.IsNovel([]float64{1, 0, 0}) {
		t.Error("Expected near-duplicate embedding to not be novel")
	}
	if !c.IsNovel([]float64{0, 1, 0}) {
		t.Error("Expected orthogonal embedding to be novel")
	}

	id, sim, seen := c.FindSimilarEvent([]float64{1, 0, 0})
	if !seen || id != "ev-1" || sim < 0.99 {
		t.Errorf("Expected ev-1 with similarity ~1.0, got %s %.3f %v", id, sim, seen)
	}
}

// TestListHeuristics verifies listing order and bookkeeping fields.
func TestListHeuristics(t *testing.T) {
	c := NewCache(CacheConfig{MaxEvents: 10, MaxHeuristics: 10})

	c.AddHeuristic(testHeuristic("old", 0.8, nil))
	c.AddHeuristic(testHeuristic("recent", 0.8, nil))
	c.heuristics["old"].lastAccessedMS = 1000
	c.heuristics["recent"].lastAccessedMS = 2000
	c.TouchHeuristic("recent")

	infos := c.ListHeuristics(0)
	if len(infos) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(infos))
	}
	if infos[0].HeuristicID != "recent" {
		t.Errorf("Expected most recently accessed first, got %s", infos[0].HeuristicID)
	}
	if infos[0].HitCount != 1 {
		t.Errorf("Expected hit count 1 on touched entry, got %d", infos[0].HitCount)
	}

	if got := c.ListHeuristics(1); len(got) != 1 {
		t.Errorf("Expected limit 1 to cap listing, got %d", len(got))
	}
}
