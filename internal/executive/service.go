// Package executive implements the executive service: the decision
// between a learned heuristic and the LLM, reasoning-trace bookkeeping,
// and learning new heuristics from positive feedback.
package executive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/memory"
	"github.com/vthunder/gladys/internal/types"
)

// Memory is the slice of the memory client the executive needs: dedup
// matching, heuristic creation, and confidence nudges.
type Memory interface {
	MatchHeuristics(ctx context.Context, eventText string, minConfidence float64, limit int, sourceFilter string) ([]types.HeuristicMatch, error)
	StoreHeuristic(ctx context.Context, h *types.Heuristic, generateEmbedding bool) (string, error)
	UpdateConfidence(ctx context.Context, heuristicID string, positive bool, feedbackSource string) (*memory.ConfidenceResult, error)
}

// healthChecker is implemented by LLM clients that can report liveness.
type healthChecker interface {
	Healthy() bool
}

// Service is the executive service.
type Service struct {
	cfg      config.Executive
	llm      LLM // nil when no backend is configured
	memory   Memory
	strategy DecisionStrategy
	traces   *TraceStore
	health   *httpapi.HealthTracker

	eventsProcessed   atomic.Int64
	heuristicsCreated atomic.Int64
}

// NewService wires the strategy, trace store, and clients. llm may be
// nil; the service then rejects LLM-path work but still serves the
// heuristic fast path and negative feedback.
func NewService(cfg config.Executive, llm LLM, mem Memory) (*Service, error) {
	var profile *Profile
	if cfg.ProfileFile != "" {
		p, err := LoadProfile(cfg.ProfileFile)
		if err != nil {
			return nil, err
		}
		profile = p
		logging.Info("executive", "profile loaded: %d goals, %d biases",
			len(p.Goals), len(p.PersonalityBiases))
	}

	strategy, err := NewDecisionStrategy("heuristic_first", HeuristicFirstConfig{
		ConfidenceThreshold:  cfg.HeuristicThreshold,
		LLMConfidenceCeiling: cfg.LLMConfidenceCeiling,
		Profile:              profile,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		llm:      llm,
		memory:   mem,
		strategy: strategy,
		traces:   NewTraceStore(cfg.TraceRetention),
		health:   httpapi.NewHealthTracker(),
	}, nil
}

// Routes returns the HTTP mux for the service.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/details", s.handleHealthDetails)

	mux.HandleFunc("POST /v1/events/process", s.handleProcess)
	mux.HandleFunc("POST /v1/feedback", s.handleFeedback)

	return mux
}

// ProcessRequest is the wire shape of a process call.
type ProcessRequest struct {
	Event      *types.Event                `json:"event"`
	Immediate  bool                        `json:"immediate"`
	Suggestion *types.HeuristicSuggestion  `json:"suggestion,omitempty"`
	Candidates []types.HeuristicSuggestion `json:"candidates,omitempty"`
}

// ProcessResult is the wire shape of a process response.
type ProcessResult struct {
	Accepted             bool               `json:"accepted"`
	ErrorMessage         string             `json:"error_message,omitempty"`
	ResponseID           string             `json:"response_id,omitempty"`
	ResponseText         string             `json:"response_text,omitempty"`
	PredictedSuccess     float64            `json:"predicted_success,omitempty"`
	PredictionConfidence float64            `json:"prediction_confidence,omitempty"`
	PromptText           string             `json:"prompt_text,omitempty"`
	DecisionPath         types.DecisionPath `json:"decision_path,omitempty"`
	MatchedHeuristicID   string             `json:"matched_heuristic_id,omitempty"`
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	trace := httpapi.Trace(w, r)

	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.Event == nil || req.Event.RawText == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "event with raw_text is required")
		return
	}

	decision := s.strategy.Decide(r.Context(), DecisionContext{
		Event:      req.Event,
		Immediate:  req.Immediate,
		Suggestion: req.Suggestion,
		Candidates: req.Candidates,
	}, s.llm)

	if decision.Path == DecideRejected {
		logging.Warn("executive", "[%s] event %s rejected: %s", trace, req.Event.ID, decision.RejectReason)
		httpapi.WriteJSON(w, http.StatusOK, ProcessResult{
			Accepted:     false,
			ErrorMessage: decision.RejectReason,
		})
		return
	}

	responseID := uuid.NewString()
	traceContext := decision.PromptText
	if traceContext == "" {
		traceContext = req.Event.RawText
	}
	s.traces.Put(&ReasoningTrace{
		EventID:              req.Event.ID,
		ResponseID:           responseID,
		Context:              traceContext,
		Response:             decision.ResponseText,
		MatchedHeuristicID:   decision.MatchedHeuristicID,
		PredictedSuccess:     decision.PredictedSuccess,
		PredictionConfidence: decision.PredictionConfidence,
		Timestamp:            time.Now(),
	})
	s.eventsProcessed.Add(1)

	logging.Info("executive", "[%s] event %s -> %s (%.2f/%.2f)",
		trace, req.Event.ID, decision.Path, decision.PredictedSuccess, decision.PredictionConfidence)

	httpapi.WriteJSON(w, http.StatusOK, ProcessResult{
		Accepted:             true,
		ResponseID:           responseID,
		ResponseText:         decision.ResponseText,
		PredictedSuccess:     decision.PredictedSuccess,
		PredictionConfidence: decision.PredictionConfidence,
		PromptText:           decision.PromptText,
		DecisionPath:         wirePath(decision.Path),
		MatchedHeuristicID:   decision.MatchedHeuristicID,
	})
}

// wirePath maps strategy paths onto the persisted decision_path enum.
// FALLBACK means the backend produced nothing, which callers treat the
// same as an unavailable executive.
func wirePath(p DecisionPath) types.DecisionPath {
	switch p {
	case DecideHeuristic:
		return types.PathHeuristic
	case DecideLLM:
		return types.PathLLM
	default:
		return types.PathNoExecutive
	}
}

// FeedbackRequest is the wire shape of a feedback call.
type FeedbackRequest struct {
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id"`
	Positive   *bool  `json:"positive"`
}

// FeedbackResult is the wire shape of a feedback response. A gate or
// dedup rejection is still Accepted: the feedback was processed, only
// the heuristic creation was declined, and ErrorMessage names the rule.
type FeedbackResult struct {
	Accepted           bool   `json:"accepted"`
	CreatedHeuristicID string `json:"created_heuristic_id,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

func (s *Service) handleFeedback(w http.ResponseWriter, r *http.Request) {
	traceID := httpapi.Trace(w, r)

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.ResponseID == "" || req.Positive == nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "response_id and positive are required")
		return
	}

	trace := s.traces.Get(req.ResponseID)
	if trace == nil {
		httpapi.WriteJSON(w, http.StatusOK, FeedbackResult{
			Accepted:     false,
			ErrorMessage: "reasoning trace not found or expired",
		})
		return
	}

	ctx := httpapi.WithTrace(r.Context(), traceID)
	if !*req.Positive {
		s.applyNegative(ctx, trace)
		httpapi.WriteJSON(w, http.StatusOK, FeedbackResult{Accepted: true})
		return
	}

	result := s.applyPositive(ctx, trace)
	httpapi.WriteJSON(w, http.StatusOK, result)
}

// applyNegative marks the matched heuristic down. Feedback on a pure LLM
// response with no matched heuristic has nothing to update.
func (s *Service) applyNegative(ctx context.Context, trace *ReasoningTrace) {
	if trace.MatchedHeuristicID == "" || s.memory == nil {
		return
	}
	if _, err := s.memory.UpdateConfidence(ctx, trace.MatchedHeuristicID, false, types.SourceExplicit); err != nil {
		logging.Error("executive", "negative nudge failed for %s: %v", trace.MatchedHeuristicID, err)
	}
}

// applyPositive runs the full learning flow: extract a candidate rule,
// gate it, dedup it, nudge the matched heuristic, store the new one, and
// consume the trace.
func (s *Service) applyPositive(ctx context.Context, trace *ReasoningTrace) FeedbackResult {
	if s.llm == nil {
		return FeedbackResult{Accepted: false, ErrorMessage: "no text backend available for heuristic extraction"}
	}

	raw, err := s.llm.Generate("", extractionPrompt(trace))
	if err != nil {
		return FeedbackResult{Accepted: false, ErrorMessage: fmt.Sprintf("heuristic extraction failed: %v", err)}
	}
	extracted, err := parseExtraction(raw)
	if err != nil {
		return FeedbackResult{Accepted: true, ErrorMessage: err.Error()}
	}
	if err := qualityGate(extracted); err != nil {
		logging.Info("executive", "quality gate rejected extraction: %v", err)
		return FeedbackResult{Accepted: true, ErrorMessage: err.Error()}
	}

	if s.memory == nil {
		return FeedbackResult{Accepted: false, ErrorMessage: "memory service unavailable"}
	}

	// Dedup gate: a near-identical condition already exists.
	if matches, err := s.memory.MatchHeuristics(ctx, extracted.Condition, 0, 1, ""); err == nil && len(matches) > 0 {
		if best := matches[0]; best.Similarity > dedupSimilarity {
			logging.Info("executive", "dedup gate rejected extraction: %.3f similar to %s",
				best.Similarity, best.Heuristic.ID)
			return FeedbackResult{
				Accepted: true,
				ErrorMessage: fmt.Sprintf("near-duplicate of existing heuristic %s (similarity %.2f)",
					best.Heuristic.ID, best.Similarity),
			}
		}
	}

	// The confirmed match earns its own positive nudge, separate from the
	// new heuristic being born below.
	if trace.MatchedHeuristicID != "" {
		if _, err := s.memory.UpdateConfidence(ctx, trace.MatchedHeuristicID, true, types.SourceExplicit); err != nil {
			logging.Error("executive", "positive nudge failed for %s: %v", trace.MatchedHeuristicID, err)
		}
	}

	h := &types.Heuristic{
		Name:          "Learned: " + logging.Truncate(extracted.Condition, 50),
		ConditionText: extracted.Condition,
		Effects: &types.Effects{
			Type:    extracted.Action.Type,
			Message: extracted.Action.Message,
		},
		Confidence: 0.3,
		Origin:     types.OriginLearned,
		OriginID:   trace.ResponseID,
		CreatedAt:  time.Now(),
	}
	id, err := s.memory.StoreHeuristic(ctx, h, true)
	if err != nil {
		return FeedbackResult{Accepted: false, ErrorMessage: fmt.Sprintf("failed to store heuristic: %v", err)}
	}

	s.traces.Delete(trace.ResponseID)
	s.heuristicsCreated.Add(1)
	logging.Info("executive", "learned heuristic %s from response %s", id, trace.ResponseID)
	return FeedbackResult{Accepted: true, CreatedHeuristicID: id}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, httpapi.Health{
		Status:  "healthy",
		Message: "executive service operational",
	})
}

func (s *Service) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	llmConnected := false
	if hc, ok := s.llm.(healthChecker); ok {
		llmConnected = hc.Healthy()
	}
	httpapi.WriteJSON(w, http.StatusOK, s.health.Details("healthy", map[string]any{
		"llm_connected":      llmConnected,
		"events_processed":   s.eventsProcessed.Load(),
		"heuristics_created": s.heuristicsCreated.Load(),
		"active_traces":      s.traces.Len(),
		"decision_strategy":  s.strategy.Name(),
	}))
}
