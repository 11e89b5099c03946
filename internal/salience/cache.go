package salience

import (
	"sort"
	"sync"
	"time"

	"github.com/vthunder/gladys/internal/embedding"
	"github.com/vthunder/gladys/internal/types"
)

// CacheConfig sizes the in-memory cache and sets its staleness rules.
type CacheConfig struct {
	MaxEvents        int
	MaxHeuristics    int
	NoveltyThreshold float64       // event similarity at or above this means "seen before"
	HeuristicTTL     time.Duration // 0 disables TTL expiry
}

// cachedEvent is a recently seen event kept for seen-it-before checks.
type cachedEvent struct {
	id          string
	embedding   []float64
	timestampMS int64
}

// cacheEntry wraps a heuristic with local bookkeeping. The heuristic
// pointer is owned by the cache and treated as read-only after Add.
type cacheEntry struct {
	h              *types.Heuristic
	lastAccessedMS int64
	cachedAtMS     int64
	hitCount       int64
	lastHitMS      int64
}

// CachedInfo describes one cache entry for the listing endpoint.
type CachedInfo struct {
	HeuristicID  string `json:"heuristic_id"`
	Name         string `json:"name"`
	HitCount     int64  `json:"hit_count"`
	CachedAtUnix int64  `json:"cached_at_unix"`
	LastHitUnix  int64  `json:"last_hit_unix"`
}

// CacheStats is a point-in-time snapshot of cache occupancy and traffic.
type CacheStats struct {
	EventCount     int   `json:"event_count"`
	HeuristicCount int   `json:"heuristic_count"`
	MaxEvents      int   `json:"max_events"`
	MaxHeuristics  int   `json:"max_heuristics"`
	TotalHits      int64 `json:"total_hits"`
	TotalMisses    int64 `json:"total_misses"`
}

// HitRate returns hits/(hits+misses), or 0 before any traffic.
func (s CacheStats) HitRate() float64 {
	total := s.TotalHits + s.TotalMisses
	if total == 0 {
		return 0
	}
	return float64(s.TotalHits) / float64(total)
}

// Cache holds recently matched heuristics and recently seen events in
// memory so most evaluations never leave the process. Events evict
// oldest-first by timestamp; heuristics evict least-recently-accessed.
type Cache struct {
	mu          sync.RWMutex
	cfg         CacheConfig
	events      map[string]*cachedEvent
	heuristics  map[string]*cacheEntry
	totalHits   int64
	totalMisses int64
}

// NewCache creates an empty cache. Non-positive capacities fall back to
// defaults so the eviction scans always terminate.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1000
	}
	if cfg.MaxHeuristics <= 0 {
		cfg.MaxHeuristics = 500
	}
	return &Cache{
		cfg:        cfg,
		events:     make(map[string]*cachedEvent),
		heuristics: make(map[string]*cacheEntry),
	}
}

// AddEvent records an event embedding, evicting the oldest entries to
// stay under capacity.
func (c *Cache) AddEvent(id string, emb []float64, timestampMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.events) >= c.cfg.MaxEvents {
		if !c.evictOldestEvent() {
			break
		}
	}
	c.events[id] = &cachedEvent{id: id, embedding: emb, timestampMS: timestampMS}
}

// evictOldestEvent removes the event with the smallest timestamp.
// Caller holds the write lock.
func (c *Cache) evictOldestEvent() bool {
	oldest := ""
	var oldestTS int64
	for id, ev := range c.events {
		if oldest == "" || ev.timestampMS < oldestTS {
			oldest = id
			oldestTS = ev.timestampMS
		}
	}
	if oldest == "" {
		return false
	}
	delete(c.events, oldest)
	return true
}

// AddHeuristic caches a heuristic, evicting the least recently accessed
// entries to stay under capacity. Re-adding an existing id replaces the
// entry and resets its bookkeeping.
func (c *Cache) AddHeuristic(h *types.Heuristic) {
	if h == nil || h.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.heuristics[h.ID]; !exists {
		for len(c.heuristics) >= c.cfg.MaxHeuristics {
			if !c.evictLRUHeuristic() {
				break
			}
		}
	}
	now := time.Now().UnixMilli()
	c.heuristics[h.ID] = &cacheEntry{h: h, lastAccessedMS: now, cachedAtMS: now}
}

// evictLRUHeuristic removes the entry with the smallest last-accessed
// time. Caller holds the write lock.
func (c *Cache) evictLRUHeuristic() bool {
	lru := ""
	var lruAccess int64
	for id, e := range c.heuristics {
		if lru == "" || e.lastAccessedMS < lruAccess {
			lru = id
			lruAccess = e.lastAccessedMS
		}
	}
	if lru == "" {
		return false
	}
	delete(c.heuristics, lru)
	return true
}

// GetHeuristic returns the cached heuristic or nil. Does not count as
// an access for LRU purposes.
func (c *Cache) GetHeuristic(id string) *types.Heuristic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.heuristics[id]; ok {
		return e.h
	}
	return nil
}

// TouchHeuristic marks a heuristic as just used: bumps its hit count
// and refreshes its LRU position.
func (c *Cache) TouchHeuristic(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.heuristics[id]; ok {
		now := time.Now().UnixMilli()
		e.lastAccessedMS = now
		e.lastHitMS = now
		e.hitCount++
	}
}

// FindMatching returns cached heuristics whose condition embedding is
// at least minSim cosine-similar to the query, skipping entries below
// minConf, without embeddings, or past their TTL. Results are sorted
// by similarity descending and capped at limit.
func (c *Cache) FindMatching(query []float64, minSim, minConf float64, limit int) []types.HeuristicMatch {
	if len(query) == 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	nowMS := time.Now().UnixMilli()
	var matches []types.HeuristicMatch
	for _, e := range c.heuristics {
		if c.expired(e, nowMS) {
			continue
		}
		if e.h.Confidence < minConf || len(e.h.ConditionEmbedding) == 0 {
			continue
		}
		sim := embedding.CosineSimilarity(query, e.h.ConditionEmbedding)
		if sim < minSim {
			continue
		}
		matches = append(matches, types.HeuristicMatch{
			Heuristic:  e.h,
			Similarity: sim,
			Score:      sim * e.h.Confidence,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// expired reports whether a cache entry has outlived the heuristic TTL.
func (c *Cache) expired(e *cacheEntry, nowMS int64) bool {
	ttl := c.cfg.HeuristicTTL
	return ttl > 0 && nowMS-e.cachedAtMS >= ttl.Milliseconds()
}

// FindSimilarEvent returns the cached event most similar to the
// embedding, if any reaches the novelty threshold.
func (c *Cache) FindSimilarEvent(emb []float64) (string, float64, bool) {
	if len(emb) == 0 {
		return "", 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	bestID := ""
	bestSim := 0.0
	for _, ev := range c.events {
		if len(ev.embedding) == 0 {
			continue
		}
		sim := embedding.CosineSimilarity(emb, ev.embedding)
		if sim >= c.cfg.NoveltyThreshold && sim > bestSim {
			bestID = ev.id
			bestSim = sim
		}
	}
	return bestID, bestSim, bestID != ""
}

// IsNovel reports whether no recently cached event resembles the
// embedding.
func (c *Cache) IsNovel(emb []float64) bool {
	_, _, seen := c.FindSimilarEvent(emb)
	return !seen
}

// RecordHit counts a lookup served from the cache.
func (c *Cache) RecordHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalHits++
}

// RecordMiss counts a lookup that had to fall through to storage.
func (c *Cache) RecordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalMisses++
}

// RemoveHeuristic evicts a single heuristic, reporting whether it was
// present.
func (c *Cache) RemoveHeuristic(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.heuristics[id]; !ok {
		return false
	}
	delete(c.heuristics, id)
	return true
}

// FlushHeuristics drops every cached heuristic and returns how many
// were evicted. Events and traffic counters are untouched.
func (c *Cache) FlushHeuristics() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.heuristics)
	c.heuristics = make(map[string]*cacheEntry)
	return n
}

// ListHeuristics returns bookkeeping for cached entries, most recently
// accessed first. limit <= 0 means all.
func (c *Cache) ListHeuristics(limit int) []CachedInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]*cacheEntry, 0, len(c.heuristics))
	for _, e := range c.heuristics {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccessedMS > entries[j].lastAccessedMS
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	infos := make([]CachedInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, CachedInfo{
			HeuristicID:  e.h.ID,
			Name:         e.h.Name,
			HitCount:     e.hitCount,
			CachedAtUnix: e.cachedAtMS / 1000,
			LastHitUnix:  e.lastHitMS / 1000,
		})
	}
	return infos
}

// Stats snapshots occupancy and hit/miss counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		EventCount:     len(c.events),
		HeuristicCount: len(c.heuristics),
		MaxEvents:      c.cfg.MaxEvents,
		MaxHeuristics:  c.cfg.MaxHeuristics,
		TotalHits:      c.totalHits,
		TotalMisses:    c.totalMisses,
	}
}
