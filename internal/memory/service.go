// Package memory implements the memory service: episodic event storage,
// heuristic matching and confidence updates, fire records, entity
// extraction, and embedding generation with a content-hash cache.
package memory

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/embedding"
	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/store"
	"github.com/vthunder/gladys/internal/types"
)

// Service is the memory service: a sqlite store fronted by an HTTP API.
type Service struct {
	cfg       config.Memory
	store     *store.DB
	embedder  *embedding.Client
	extractor *EntityExtractor
	health    *httpapi.HealthTracker
}

// NewService opens the store and wires up the service components.
func NewService(cfg config.Memory) (*Service, error) {
	db, err := store.Open(cfg.DataDir, cfg.EmbedDim)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		store:     db,
		embedder:  embedding.NewClient(cfg.OllamaURL, cfg.EmbedModel),
		extractor: NewEntityExtractor(db),
		health:    httpapi.NewHealthTracker(),
	}, nil
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}

// Routes returns the HTTP mux for the service.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/details", s.handleHealthDetails)

	mux.HandleFunc("POST /v1/events", s.handleStoreEvent)
	mux.HandleFunc("GET /v1/events/by-time", s.handleEventsByTime)
	mux.HandleFunc("POST /v1/events/similar", s.handleEventsSimilar)

	mux.HandleFunc("POST /v1/embeddings", s.handleEmbed)

	mux.HandleFunc("POST /v1/heuristics", s.handleStoreHeuristic)
	mux.HandleFunc("GET /v1/heuristics", s.handleListHeuristics)
	mux.HandleFunc("POST /v1/heuristics/match", s.handleMatchHeuristics)
	mux.HandleFunc("GET /v1/heuristics/{id}", s.handleGetHeuristic)
	mux.HandleFunc("POST /v1/heuristics/{id}/confidence", s.handleUpdateConfidence)

	mux.HandleFunc("POST /v1/fires", s.handleRecordFire)
	mux.HandleFunc("POST /v1/fires/{id}/outcome", s.handleFireOutcome)
	mux.HandleFunc("GET /v1/fires/pending", s.handlePendingFires)

	mux.HandleFunc("GET /v1/entities", s.handleListEntities)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("DELETE /v1/memory/reset", s.handleReset)

	return mux
}

// embed returns the embedding for text, consulting the content-hash cache
// before calling Ollama.
func (s *Service) embed(text string) ([]float64, error) {
	if cached := s.store.CachedEmbedding(s.cfg.EmbedModel, text); cached != nil {
		return cached, nil
	}
	emb, err := s.embedder.Embed(text)
	if err != nil {
		return nil, err
	}
	s.store.CacheEmbedding(s.cfg.EmbedModel, text, emb)
	return emb, nil
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, httpapi.Health{
		Status:  "healthy",
		Message: "memory service operational",
	})
}

func (s *Service) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.store.Stats()
	httpapi.WriteJSON(w, http.StatusOK, s.health.Details("healthy", map[string]any{
		"db_path":          s.store.Path(),
		"events":           stats["episodic_events"],
		"heuristics":       stats["heuristics"],
		"fires":            stats["heuristic_fires"],
		"entities":         stats["entities"],
		"embedding_model":  s.cfg.EmbedModel,
		"ollama_connected": s.embedder.Healthy(),
	}))
}

type storeResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Service) handleStoreEvent(w http.ResponseWriter, r *http.Request) {
	trace := httpapi.Trace(w, r)

	var ev types.EpisodicEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid event JSON: %v", err)
		return
	}
	if ev.RawText == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "event raw_text is required")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if len(ev.Embedding) == 0 {
		if emb, err := s.embed(ev.RawText); err == nil {
			ev.Embedding = emb
		} else {
			logging.Warn("memory", "[%s] embedding failed for event %s: %v", trace, ev.ID, err)
		}
	}

	if err := s.store.AddEvent(&ev); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "failed to store event: %v", err)
		return
	}

	// Entity extraction is best-effort and never fails the store.
	entityIDs := s.extractor.ExtractAndLink(ev.ID, ev.RawText)
	logging.Debug("memory", "[%s] stored event %s from %s (%d entities)",
		trace, ev.ID, ev.Source, len(entityIDs))

	httpapi.WriteJSON(w, http.StatusOK, storeResult{Success: true})
}

func (s *Service) handleEventsByTime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	startMS, err := queryInt64(q.Get("start_ms"), 0)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid start_ms")
		return
	}
	endMS, err := queryInt64(q.Get("end_ms"), time.Now().UnixMilli())
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid end_ms")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	events, err := s.store.EventsByTime(startMS, endMS, q.Get("source"), limit)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "query failed: %v", err)
		return
	}
	if events == nil {
		events = []*types.EpisodicEvent{}
	}
	httpapi.WriteJSON(w, http.StatusOK, events)
}

type similarRequest struct {
	Embedding []float64 `json:"embedding"`
	Threshold float64   `json:"threshold,omitempty"`
	Hours     int       `json:"hours,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

func (s *Service) handleEventsSimilar(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if len(req.Embedding) == 0 {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "embedding is required")
		return
	}
	if req.Threshold == 0 {
		req.Threshold = s.cfg.MinMatchSimilarity
	}

	events, err := s.store.EventsBySimilarity(req.Embedding, req.Threshold, req.Hours, req.Limit)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "query failed: %v", err)
		return
	}
	if events == nil {
		events = []store.SimilarEvent{}
	}
	httpapi.WriteJSON(w, http.StatusOK, events)
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Dim       int       `json:"dim"`
}

func (s *Service) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.Text == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "text is required")
		return
	}

	emb, err := s.embed(req.Text)
	if err != nil {
		httpapi.WriteError(w, http.StatusServiceUnavailable, httpapi.CodeUnavailable, "embedding failed: %v", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, embedResponse{Embedding: emb, Dim: len(emb)})
}

type storeHeuristicRequest struct {
	Heuristic         *types.Heuristic `json:"heuristic"`
	GenerateEmbedding bool             `json:"generate_embedding"`
}

type storeHeuristicResponse struct {
	Success     bool   `json:"success"`
	HeuristicID string `json:"heuristic_id"`
}

func (s *Service) handleStoreHeuristic(w http.ResponseWriter, r *http.Request) {
	trace := httpapi.Trace(w, r)

	var req storeHeuristicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	h := req.Heuristic
	if h == nil || h.ConditionText == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "heuristic with condition_text is required")
		return
	}

	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Name == "" {
		h.Name = logging.Truncate(h.ConditionText, 50)
	}
	if h.Confidence == 0 {
		h.Confidence = 0.5
	}
	if h.Effects == nil || h.Effects.ActionText() == "" {
		logging.Warn("memory", "[%s] heuristic %s has no effects message", trace, h.ID)
	}

	if req.GenerateEmbedding && len(h.ConditionEmbedding) == 0 {
		if emb, err := s.embed(h.ConditionText); err == nil {
			h.ConditionEmbedding = emb
		} else {
			logging.Warn("memory", "[%s] condition embedding failed for %s: %v", trace, h.ID, err)
		}
	}

	if err := s.store.AddHeuristic(h); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "failed to store heuristic: %v", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, storeHeuristicResponse{Success: true, HeuristicID: h.ID})
}

func (s *Service) handleListHeuristics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minConfidence, _ := strconv.ParseFloat(q.Get("min_confidence"), 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	heuristics, err := s.store.ListHeuristics(minConfidence, limit)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "query failed: %v", err)
		return
	}

	// Listed entries carry similarity 1 so score reduces to confidence.
	matches := make([]types.HeuristicMatch, 0, len(heuristics))
	for _, h := range heuristics {
		matches = append(matches, types.HeuristicMatch{Heuristic: h, Similarity: 1, Score: h.Confidence})
	}
	httpapi.WriteJSON(w, http.StatusOK, matches)
}

type matchRequest struct {
	EventText     string  `json:"event_text"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	SourceFilter  string  `json:"source_filter,omitempty"`
}

func (s *Service) handleMatchHeuristics(w http.ResponseWriter, r *http.Request) {
	trace := httpapi.Trace(w, r)

	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.EventText == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "event_text is required")
		return
	}

	// Embedding failure degrades to the keyword fallback inside the store.
	queryEmb, err := s.embed(req.EventText)
	if err != nil {
		logging.Warn("memory", "[%s] query embedding failed, keyword match only: %v", trace, err)
	}

	matches, err := s.store.MatchHeuristics(queryEmb, req.EventText, store.MatchOptions{
		MinSimilarity: s.cfg.MinMatchSimilarity,
		MinConfidence: req.MinConfidence,
		Limit:         req.Limit,
		SourceFilter:  req.SourceFilter,
	})
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "match failed: %v", err)
		return
	}
	if matches == nil {
		matches = []types.HeuristicMatch{}
	}
	httpapi.WriteJSON(w, http.StatusOK, matches)
}

func (s *Service) handleGetHeuristic(w http.ResponseWriter, r *http.Request) {
	h, err := s.store.GetHeuristic(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "heuristic not found")
		return
	}
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "query failed: %v", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, h)
}

type confidenceRequest struct {
	Positive       *bool  `json:"positive"`
	FeedbackSource string `json:"feedback_source,omitempty"`

	// Accepted for wire compatibility; the Bayesian rule has no use for them.
	LearningRate     float64 `json:"learning_rate,omitempty"`
	PredictedSuccess float64 `json:"predicted_success,omitempty"`
}

// ConfidenceResult is the wire shape of a confidence update. td_error is
// always zero under the Bayesian rule; the field survives for callers that
// still read it.
type ConfidenceResult struct {
	Success       bool    `json:"success"`
	OldConfidence float64 `json:"old_confidence"`
	NewConfidence float64 `json:"new_confidence"`
	Delta         float64 `json:"delta"`
	TDError       float64 `json:"td_error"`
}

func (s *Service) handleUpdateConfidence(w http.ResponseWriter, r *http.Request) {
	trace := httpapi.Trace(w, r)
	id := r.PathValue("id")

	var req confidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.Positive == nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "positive is required")
		return
	}
	if req.FeedbackSource == "" {
		req.FeedbackSource = types.SourceExplicit
	}

	update, err := s.store.UpdateConfidence(id, *req.Positive, req.FeedbackSource)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "heuristic not found")
		return
	}
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "update failed: %v", err)
		return
	}

	logging.Info("memory", "[%s] confidence %s: %.3f -> %.3f (%s)",
		trace, id, update.OldConfidence, update.NewConfidence, req.FeedbackSource)
	httpapi.WriteJSON(w, http.StatusOK, ConfidenceResult{
		Success:       true,
		OldConfidence: update.OldConfidence,
		NewConfidence: update.NewConfidence,
		Delta:         update.Delta,
	})
}

type fireRequest struct {
	HeuristicID     string `json:"heuristic_id"`
	EventID         string `json:"event_id"`
	EpisodicEventID string `json:"episodic_event_id,omitempty"`
}

func (s *Service) handleRecordFire(w http.ResponseWriter, r *http.Request) {
	var req fireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.HeuristicID == "" || req.EventID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "heuristic_id and event_id are required")
		return
	}

	fireID, err := s.store.RecordFire(req.HeuristicID, req.EventID, req.EpisodicEventID)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "heuristic not found")
		return
	}
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "failed to record fire: %v", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"fire_id": fireID})
}

type fireOutcomeRequest struct {
	Outcome        string `json:"outcome"`
	FeedbackSource string `json:"feedback_source,omitempty"`
}

func (s *Service) handleFireOutcome(w http.ResponseWriter, r *http.Request) {
	var req fireOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}

	outcome := types.FireOutcome(req.Outcome)
	switch outcome {
	case types.OutcomeSuccess, types.OutcomeFail, types.OutcomeUnknown:
	default:
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "outcome must be success, fail, or unknown")
		return
	}

	found, err := s.store.UpdateFireOutcome(r.PathValue("id"), outcome, req.FeedbackSource)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "update failed: %v", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"found": found})
}

func (s *Service) handlePendingFires(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxAgeSec, _ := strconv.Atoi(q.Get("max_age_sec"))
	if maxAgeSec <= 0 {
		maxAgeSec = 3600
	}

	fires, err := s.store.PendingFires(q.Get("heuristic_id"), time.Duration(maxAgeSec)*time.Second)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "query failed: %v", err)
		return
	}
	if fires == nil {
		fires = []*types.HeuristicFire{}
	}
	httpapi.WriteJSON(w, http.StatusOK, fires)
}

func (s *Service) handleListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	entities, err := s.store.ListEntities(q.Get("type"), limit)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "query failed: %v", err)
		return
	}
	if entities == nil {
		entities = []*store.Entity{}
	}
	httpapi.WriteJSON(w, http.StatusOK, entities)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "stats failed: %v", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, stats)
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reset(); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "reset failed: %v", err)
		return
	}
	logging.Info("memory", "memory reset: all tables wiped")
	httpapi.WriteJSON(w, http.StatusOK, storeResult{Success: true})
}

func queryInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
