// Package salience implements the salience service: fast scoring of
// incoming events against learned heuristics, backed by an in-memory
// cache that falls through to the memory service on a miss.
package salience

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/memory"
	"github.com/vthunder/gladys/internal/types"
)

// Service is the salience service: a scorer and its cache fronted by an
// HTTP API.
type Service struct {
	cfg     config.Salience
	cache   *Cache
	scorer  Scorer
	memory  *memory.Client
	modelID string
	health  *httpapi.HealthTracker
}

// NewService wires up the cache, scorer, and memory client.
func NewService(cfg config.Salience) (*Service, error) {
	cache := NewCache(CacheConfig{
		MaxEvents:        cfg.CacheMaxEvents,
		MaxHeuristics:    cfg.CacheMaxHeuristics,
		NoveltyThreshold: cfg.NoveltyThreshold,
		HeuristicTTL:     cfg.HeuristicTTL,
	})
	mem := memory.NewClient(cfg.MemoryAddress)
	scorer, err := NewScorer(cfg.Scorer, cache, mem, cfg.MinSimilarity, cfg.MinConfidence)
	if err != nil {
		return nil, err
	}

	modelID, _ := scorer.Config()["scorer"].(string)
	return &Service{
		cfg:     cfg,
		cache:   cache,
		scorer:  scorer,
		memory:  mem,
		modelID: modelID,
		health:  httpapi.NewHealthTracker(),
	}, nil
}

// Routes returns the HTTP mux for the service.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/details", s.handleHealthDetails)

	mux.HandleFunc("POST /v1/salience/evaluate", s.handleEvaluate)

	mux.HandleFunc("POST /v1/cache/flush", s.handleFlush)
	mux.HandleFunc("GET /v1/cache/heuristics", s.handleListCached)
	mux.HandleFunc("DELETE /v1/cache/heuristics/{id}", s.handleEvict)
	mux.HandleFunc("POST /v1/cache/notify", s.handleNotify)
	mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)

	return mux
}

type evaluateRequest struct {
	EventID   string   `json:"event_id"`
	Source    string   `json:"source"`
	RawText   string   `json:"raw_text"`
	EntityIDs []string `json:"entity_ids,omitempty"`
}

// EvaluateResult is the wire shape of a salience evaluation. Error is
// set (with a usable default vector) when scoring failed; callers treat
// that as degraded, not fatal.
type EvaluateResult struct {
	Salience           *types.SalienceVector `json:"salience"`
	FromCache          bool                  `json:"from_cache"`
	MatchedHeuristicID string                `json:"matched_heuristic_id,omitempty"`
	Error              string                `json:"error,omitempty"`
}

func (s *Service) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	trace := httpapi.Trace(w, r)

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}

	vec := s.baseline()
	ctx := httpapi.WithTrace(r.Context(), trace)

	var result *ScoreResult
	if req.RawText != "" {
		var err error
		result, err = s.scorer.Score(ctx, req.RawText, req.Source)
		if err != nil {
			logging.Warn("salience", "[%s] scoring failed for event %s: %v", trace, req.EventID, err)
			vec.Vector["novelty"] = math.Max(vec.Vector["novelty"], s.cfg.UnmatchedNoveltyBoost)
			httpapi.WriteJSON(w, http.StatusOK, EvaluateResult{Salience: vec, Error: err.Error()})
			return
		}
	}

	matchedID := ""
	if result != nil && len(result.Matches) > 0 {
		best := result.Matches[0]
		matchedID = best.Heuristic.ID

		logging.Info("salience", "[%s] heuristic %s matched event %s (sim %.3f, cached %v)",
			trace, matchedID, req.EventID, best.Similarity, result.FromCache)

		if best.Heuristic.Effects != nil {
			applyBoost(vec, best.Heuristic.Effects.Salience)
		}
		if result.FromCache {
			s.cache.RecordHit()
		} else {
			s.cache.RecordMiss()
		}
		s.cache.TouchHeuristic(matchedID)
	} else if req.RawText != "" {
		// Nothing matched: this event is potentially novel.
		vec.Vector["novelty"] = math.Max(vec.Vector["novelty"], s.cfg.UnmatchedNoveltyBoost)
	}

	// Seen-it-before damping: a recent near-duplicate event raises
	// habituation, and this event joins the recent set.
	if result != nil && len(result.Embedding) > 0 {
		if _, sim, seen := s.cache.FindSimilarEvent(result.Embedding); seen {
			vec.Habituation = math.Max(vec.Habituation, sim)
		}
		if req.EventID != "" {
			s.cache.AddEvent(req.EventID, result.Embedding, time.Now().UnixMilli())
		}
	}

	httpapi.WriteJSON(w, http.StatusOK, EvaluateResult{
		Salience:           vec,
		FromCache:          matchedID != "",
		MatchedHeuristicID: matchedID,
	})
}

// baseline is the pre-matching salience vector: everything quiet except
// a small novelty prior.
func (s *Service) baseline() *types.SalienceVector {
	return &types.SalienceVector{
		Vector: map[string]float64{
			"novelty":        s.cfg.BaselineNovelty,
			"goal_relevance": 0,
			"opportunity":    0,
			"actionability":  0,
			"social":         0,
		},
		ModelID: s.modelID,
	}
}

// applyBoost max-merges a heuristic's salience boost map into the
// vector. Scalar dimensions land on their scalar fields; everything
// else goes into the named-dimension map.
func applyBoost(vec *types.SalienceVector, boost map[string]float64) {
	for dim, v := range boost {
		switch dim {
		case "threat":
			vec.Threat = math.Max(vec.Threat, v)
		case "salience":
			vec.Salience = math.Max(vec.Salience, v)
		case "habituation":
			vec.Habituation = math.Max(vec.Habituation, v)
		default:
			if vec.Vector == nil {
				vec.Vector = make(map[string]float64)
			}
			vec.Vector[dim] = math.Max(vec.Vector[dim], v)
		}
	}
}

type flushResult struct {
	EntriesFlushed int `json:"entries_flushed"`
}

func (s *Service) handleFlush(w http.ResponseWriter, r *http.Request) {
	n := s.cache.FlushHeuristics()
	logging.Info("salience", "cache flushed: %d heuristics dropped", n)
	httpapi.WriteJSON(w, http.StatusOK, flushResult{EntriesFlushed: n})
}

func (s *Service) handleEvict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found := s.cache.RemoveHeuristic(id)
	logging.Debug("salience", "evict heuristic %s: found=%v", id, found)
	httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"found": found})
}

type listCachedResult struct {
	Heuristics []CachedInfo `json:"heuristics"`
}

func (s *Service) handleListCached(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	infos := s.cache.ListHeuristics(limit)
	if infos == nil {
		infos = []CachedInfo{}
	}
	httpapi.WriteJSON(w, http.StatusOK, listCachedResult{Heuristics: infos})
}

type notifyRequest struct {
	HeuristicID string `json:"heuristic_id"`
	ChangeType  string `json:"change_type"`
}

// handleNotify reacts to heuristic changes in the memory service. Any
// change invalidates the cached copy; the next evaluation re-fetches.
func (s *Service) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.HeuristicID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "heuristic_id is required")
		return
	}

	switch req.ChangeType {
	case "created", "updated", "deleted":
	default:
		logging.Warn("salience", "unknown change type %q for %s, evicting anyway", req.ChangeType, req.HeuristicID)
	}
	s.cache.RemoveHeuristic(req.HeuristicID)
	httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CacheStatsResult is the wire shape of cache statistics.
type CacheStatsResult struct {
	CurrentSize int     `json:"current_size"`
	MaxCapacity int     `json:"max_capacity"`
	HitRate     float64 `json:"hit_rate"`
	TotalHits   int64   `json:"total_hits"`
	TotalMisses int64   `json:"total_misses"`
}

func (s *Service) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats()
	httpapi.WriteJSON(w, http.StatusOK, CacheStatsResult{
		CurrentSize: stats.HeuristicCount,
		MaxCapacity: stats.MaxHeuristics,
		HitRate:     stats.HitRate(),
		TotalHits:   stats.TotalHits,
		TotalMisses: stats.TotalMisses,
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, httpapi.Health{
		Status:  "healthy",
		Message: "salience service operational",
	})
}

func (s *Service) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats()
	extra := map[string]any{
		"cache_size":       stats.HeuristicCount,
		"cache_capacity":   stats.MaxHeuristics,
		"cache_hit_rate":   stats.HitRate(),
		"event_cache_size": stats.EventCount,
		"total_hits":       stats.TotalHits,
		"total_misses":     stats.TotalMisses,
		"memory_connected": s.memory.Healthy(r.Context()),
	}
	for k, v := range s.scorer.Config() {
		extra[k] = v
	}
	httpapi.WriteJSON(w, http.StatusOK, s.health.Details("healthy", extra))
}
