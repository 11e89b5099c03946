// Package orchestrator implements the event loop: ingest, salience
// scoring, heuristic matching, the emergency fast path, the priority
// queue feeding the executive, and response fan-out.
package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/executive"
	"github.com/vthunder/gladys/internal/learning"
	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/outcome"
	"github.com/vthunder/gladys/internal/salience"
	"github.com/vthunder/gladys/internal/types"
)

// SalienceAPI is the slice of the salience client the router needs.
type SalienceAPI interface {
	Evaluate(ctx context.Context, ev *types.Event) (*salience.EvaluateResult, error)
}

// MemoryAPI is the slice of the memory client the router needs.
type MemoryAPI interface {
	StoreEvent(ctx context.Context, ev *types.EpisodicEvent) error
	MatchHeuristics(ctx context.Context, eventText string, minConfidence float64, limit int, sourceFilter string) ([]types.HeuristicMatch, error)
	RecordFire(ctx context.Context, heuristicID, eventID, episodicEventID string) (string, error)
}

// ExecutiveAPI is the slice of the executive client the router needs.
type ExecutiveAPI interface {
	ProcessEvent(ctx context.Context, ev *types.Event, immediate bool, suggestion *types.HeuristicSuggestion, candidates []types.HeuristicSuggestion) (*executive.ProcessResult, error)
	ProvideFeedback(ctx context.Context, eventID, responseID string, positive bool) (*executive.FeedbackResult, error)
}

// EventAck is the synchronous answer to one ingested event. An emergency
// fast-path hit carries the response inline; everything else is queued.
type EventAck struct {
	EventID              string  `json:"event_id"`
	Accepted             bool    `json:"accepted"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	ResponseID           string  `json:"response_id,omitempty"`
	ResponseText         string  `json:"response_text,omitempty"`
	PredictedSuccess     float64 `json:"predicted_success,omitempty"`
	PredictionConfidence float64 `json:"prediction_confidence,omitempty"`
	RoutedToLLM          bool    `json:"routed_to_llm"`
	MatchedHeuristicID   string  `json:"matched_heuristic_id,omitempty"`
	Queued               bool    `json:"queued"`
}

// Router owns the routing decision for every event and the background
// loops that drain the queue.
type Router struct {
	cfg       config.Orchestrator
	queue     *Queue
	hub       *Hub
	salience  SalienceAPI
	memory    MemoryAPI
	executive ExecutiveAPI
	learning  *learning.Module
	watcher   *outcome.Watcher

	totalProcessed atomic.Int64
	totalTimedOut  atomic.Int64
}

// NewRouter wires the routing pipeline. Any dependency may be nil; the
// router degrades around it (neutral salience, no matching, no executive).
func NewRouter(cfg config.Orchestrator, sal SalienceAPI, mem MemoryAPI, exec ExecutiveAPI, learn *learning.Module, watch *outcome.Watcher) *Router {
	return &Router{
		cfg:       cfg,
		queue:     NewQueue(),
		hub:       NewHub(),
		salience:  sal,
		memory:    mem,
		executive: exec,
		learning:  learn,
		watcher:   watch,
	}
}

// Queue exposes the priority queue for stats endpoints.
func (rt *Router) Queue() *Queue { return rt.queue }

// Hub exposes the subscriber hub for the WebSocket endpoints.
func (rt *Router) Hub() *Hub { return rt.hub }

// Run starts the worker, timeout scanner, and cleanup loops. They exit
// when ctx is cancelled.
func (rt *Router) Run(ctx context.Context) {
	go rt.workerLoop(ctx)
	go rt.timeoutLoop(ctx)
	go rt.cleanupLoop(ctx)
}

// Ingest routes one event and returns its ack. The routing order is
// fixed: implicit-feedback checks, salience, heuristic match, emergency
// check, then inline reply or enqueue.
func (rt *Router) Ingest(ctx context.Context, ev *types.Event) *EventAck {
	if ev == nil || ev.RawText == "" {
		return &EventAck{Accepted: false, ErrorMessage: "event raw_text is required"}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	rt.hub.BroadcastEvent(ev)

	// The event may itself be feedback on earlier suggestions: outcome
	// patterns and undo/ignore detection run before routing.
	if rt.watcher != nil {
		rt.watcher.CheckEvent(ctx, ev.RawText)
	}
	if rt.learning != nil {
		rt.learning.CheckEvent(ctx, ev)
	}

	sal := rt.scoreSalience(ctx, ev)
	matches := rt.matchHeuristics(ctx, ev)
	suggestion, candidates := rt.buildSuggestion(matches)

	if len(matches) > 0 && rt.isEmergency(matches[0], sal) {
		return rt.respondImmediate(ctx, ev, sal, matches[0])
	}

	rt.queue.Push(&QueuedEvent{
		Event:      ev,
		Salience:   sal,
		Suggestion: suggestion,
		Candidates: candidates,
	})
	logging.Debug("orchestrator", "event %s queued (priority %.2f, queue %d)",
		ev.ID, sal.Priority(), rt.queue.Len())

	ack := &EventAck{
		EventID:     ev.ID,
		Accepted:    true,
		RoutedToLLM: true,
		Queued:      true,
	}
	if suggestion != nil {
		ack.MatchedHeuristicID = suggestion.HeuristicID
	}
	return ack
}

// scoreSalience returns the effective salience for an event: an explicit
// sensor override wins, then the salience service, then neutral.
func (rt *Router) scoreSalience(ctx context.Context, ev *types.Event) *types.SalienceVector {
	if ev.HasExplicitSalience() {
		return ev.Salience
	}
	if rt.salience == nil {
		return types.Neutral()
	}

	result, err := rt.salience.Evaluate(ctx, ev)
	if err != nil {
		logging.Warn("orchestrator", "salience evaluation failed for %s, using neutral: %v", ev.ID, err)
		return types.Neutral()
	}
	if result.Error != "" {
		logging.Warn("orchestrator", "salience degraded for %s: %s", ev.ID, result.Error)
	}
	if result.Salience == nil {
		return types.Neutral()
	}
	ev.Salience = result.Salience
	return result.Salience
}

// matchHeuristics runs the two-phase match: source-scoped conditions
// first, then the unscoped pool when nothing source-specific exists.
func (rt *Router) matchHeuristics(ctx context.Context, ev *types.Event) []types.HeuristicMatch {
	if rt.memory == nil {
		return nil
	}
	limit := rt.cfg.MaxEvaluationCandidates + 1

	matches, err := rt.memory.MatchHeuristics(ctx, ev.RawText, 0, limit, ev.Source)
	if err != nil {
		logging.Warn("orchestrator", "heuristic match failed for %s: %v", ev.ID, err)
		return nil
	}
	if len(matches) > 0 {
		return matches
	}

	matches, err = rt.memory.MatchHeuristics(ctx, ev.RawText, 0, limit, "")
	if err != nil {
		logging.Warn("orchestrator", "heuristic match failed for %s: %v", ev.ID, err)
		return nil
	}
	return matches
}

// buildSuggestion turns match results into the executive's context: the
// best match as the suggestion, the rest as prompt candidates. Candidates
// at or above the executive's fast-path threshold are dropped; they would
// have been the suggestion themselves.
func (rt *Router) buildSuggestion(matches []types.HeuristicMatch) (*types.HeuristicSuggestion, []types.HeuristicSuggestion) {
	if len(matches) == 0 {
		return nil, nil
	}

	best := matches[0].Heuristic
	suggestion := &types.HeuristicSuggestion{
		HeuristicID:     best.ID,
		SuggestedAction: best.Effects.ActionText(),
		Confidence:      best.Confidence,
		ConditionText:   best.ConditionText,
	}

	var candidates []types.HeuristicSuggestion
	for _, m := range matches[1:] {
		if m.Heuristic.Confidence >= rt.cfg.HeuristicConfidenceThreshold {
			continue
		}
		candidates = append(candidates, types.HeuristicSuggestion{
			HeuristicID:     m.Heuristic.ID,
			SuggestedAction: m.Heuristic.Effects.ActionText(),
			Confidence:      m.Heuristic.Confidence,
			ConditionText:   m.Heuristic.ConditionText,
		})
		if len(candidates) >= rt.cfg.MaxEvaluationCandidates {
			break
		}
	}
	return suggestion, candidates
}

// isEmergency gates the fast path: a near-certain heuristic on a
// high-threat event answers synchronously, skipping the queue.
func (rt *Router) isEmergency(best types.HeuristicMatch, sal *types.SalienceVector) bool {
	return best.Heuristic.Confidence >= rt.cfg.EmergencyConfidenceThreshold &&
		sal.Threat >= rt.cfg.EmergencyThreatThreshold &&
		best.Heuristic.Effects.ActionText() != ""
}

// respondImmediate answers an emergency event inline: persist the
// episode, record the fire, broadcast IMMEDIATE, ack with the response.
func (rt *Router) respondImmediate(ctx context.Context, ev *types.Event, sal *types.SalienceVector, best types.HeuristicMatch) *EventAck {
	h := best.Heuristic
	responseID := uuid.NewString()
	action := h.Effects.ActionText()

	logging.Info("orchestrator", "emergency fast path for %s via %s (conf %.2f, threat %.2f)",
		ev.ID, h.ID, h.Confidence, sal.Threat)

	rt.persistEpisode(ctx, &types.EpisodicEvent{
		ID:                   ev.ID,
		TimestampMS:          ev.TimestampMS(),
		Source:               ev.Source,
		EventType:            ev.Type,
		RawText:              ev.RawText,
		EntityIDs:            ev.EntityIDs,
		Salience:             sal,
		DecisionPath:         types.PathHeuristic,
		MatchedHeuristicID:   h.ID,
		ResponseID:           responseID,
		ResponseText:         action,
		PredictedSuccess:     h.Confidence,
		PredictionConfidence: h.Confidence,
	})
	rt.recordFire(ctx, h.ID, h.ConditionText, h.Confidence, ev, responseID)

	rt.hub.BroadcastResponse(&types.Response{
		EventID:              ev.ID,
		ResponseID:           responseID,
		ResponseText:         action,
		PredictedSuccess:     h.Confidence,
		PredictionConfidence: h.Confidence,
		RoutingPath:          types.RoutingImmediate,
		MatchedHeuristicID:   h.ID,
		EventSource:          ev.Source,
		EventTimestampMS:     ev.TimestampMS(),
		ResponseTimestampMS:  time.Now().UnixMilli(),
	})

	return &EventAck{
		EventID:              ev.ID,
		Accepted:             true,
		ResponseID:           responseID,
		ResponseText:         action,
		PredictedSuccess:     h.Confidence,
		PredictionConfidence: h.Confidence,
		RoutedToLLM:          false,
		MatchedHeuristicID:   h.ID,
		Queued:               false,
	}
}

// recordFire persists a fire row and notifies the learning module and
// outcome watcher. Failures degrade to log lines; the response already
// went out.
func (rt *Router) recordFire(ctx context.Context, heuristicID, conditionText string, predicted float64, ev *types.Event, responseID string) {
	var fireID string
	if rt.memory != nil {
		id, err := rt.memory.RecordFire(ctx, heuristicID, ev.ID, ev.ID)
		if err != nil {
			logging.Error("orchestrator", "fire record failed for %s: %v", heuristicID, err)
		} else {
			fireID = id
		}
	}
	if rt.learning != nil {
		rt.learning.OnFire(heuristicID, ev.ID, ev.Source, fireID, responseID)
	}
	if rt.watcher != nil {
		rt.watcher.RegisterFire(heuristicID, ev.ID, conditionText, predicted)
	}
}

// persistEpisode writes the episodic record. Exactly one per event;
// storage failure is logged, never surfaced to the sensor.
func (rt *Router) persistEpisode(ctx context.Context, ep *types.EpisodicEvent) {
	if rt.memory == nil {
		return
	}
	if err := rt.memory.StoreEvent(ctx, ep); err != nil {
		logging.Error("orchestrator", "episode store failed for %s: %v", ep.ID, err)
	}
}

// workerLoop drains the queue into the executive, one event at a time.
func (rt *Router) workerLoop(ctx context.Context) {
	for {
		item := rt.queue.Pop()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-rt.queue.NotifyChannel():
				continue
			}
		}
		rt.processQueued(ctx, item)
	}
}

// processQueued sends one queued event to the executive and publishes
// whatever came back. An episode is always persisted, even when the
// executive is down.
func (rt *Router) processQueued(ctx context.Context, item *QueuedEvent) {
	ev := item.Event
	episode := &types.EpisodicEvent{
		ID:          ev.ID,
		TimestampMS: ev.TimestampMS(),
		Source:      ev.Source,
		EventType:   ev.Type,
		RawText:     ev.RawText,
		EntityIDs:   ev.EntityIDs,
		Salience:    item.Salience,
	}
	resp := &types.Response{
		EventID:          ev.ID,
		RoutingPath:      types.RoutingQueued,
		EventSource:      ev.Source,
		EventTimestampMS: ev.TimestampMS(),
	}

	var result *executive.ProcessResult
	var err error
	if rt.executive != nil {
		result, err = rt.executive.ProcessEvent(ctx, ev, true, item.Suggestion, item.Candidates)
	}

	switch {
	case rt.executive == nil, err != nil, result == nil, !result.Accepted:
		if err != nil {
			logging.Error("orchestrator", "executive failed for %s: %v", ev.ID, err)
		}
		episode.DecisionPath = types.PathNoExecutive
		episode.ResponseID = uuid.NewString()
		episode.ResponseText = "(Executive unavailable)"
		resp.ResponseID = episode.ResponseID
		resp.ResponseText = episode.ResponseText

	default:
		episode.DecisionPath = result.DecisionPath
		episode.MatchedHeuristicID = result.MatchedHeuristicID
		episode.ResponseID = result.ResponseID
		episode.ResponseText = result.ResponseText
		episode.LLMPromptText = result.PromptText
		episode.PredictedSuccess = result.PredictedSuccess
		episode.PredictionConfidence = result.PredictionConfidence

		resp.ResponseID = result.ResponseID
		resp.ResponseText = result.ResponseText
		resp.PredictedSuccess = result.PredictedSuccess
		resp.PredictionConfidence = result.PredictionConfidence
		resp.MatchedHeuristicID = result.MatchedHeuristicID

		// Only the heuristic fast path counts as a fire; an LLM response
		// that merely saw the suggestion did not apply it.
		if result.DecisionPath == types.PathHeuristic && result.MatchedHeuristicID != "" {
			condition, predicted := "", result.PredictedSuccess
			if item.Suggestion != nil && item.Suggestion.HeuristicID == result.MatchedHeuristicID {
				condition = item.Suggestion.ConditionText
			}
			rt.recordFire(ctx, result.MatchedHeuristicID, condition, predicted, ev, result.ResponseID)
		}
	}

	rt.persistEpisode(ctx, episode)
	resp.ResponseTimestampMS = time.Now().UnixMilli()
	rt.hub.BroadcastResponse(resp)
	rt.totalProcessed.Add(1)
}

// timeoutLoop expires stale queue entries into TIMEOUT responses.
func (rt *Router) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.TimeoutScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.expireStale(ctx)
		}
	}
}

func (rt *Router) expireStale(ctx context.Context) {
	for _, item := range rt.queue.RemoveExpired(rt.cfg.EventTimeout) {
		ev := item.Event
		responseID := uuid.NewString()
		logging.Warn("orchestrator", "event %s timed out after %s in queue",
			ev.ID, time.Since(item.EnqueuedAt).Round(time.Millisecond))

		rt.persistEpisode(ctx, &types.EpisodicEvent{
			ID:           ev.ID,
			TimestampMS:  ev.TimestampMS(),
			Source:       ev.Source,
			EventType:    ev.Type,
			RawText:      ev.RawText,
			EntityIDs:    ev.EntityIDs,
			Salience:     item.Salience,
			DecisionPath: types.PathNoExecutive,
			ResponseID:   responseID,
			ResponseText: "(Request timed out)",
		})
		rt.hub.BroadcastResponse(&types.Response{
			EventID:             ev.ID,
			ResponseID:          responseID,
			ResponseText:        "(Request timed out)",
			RoutingPath:         types.RoutingTimeout,
			EventSource:         ev.Source,
			EventTimestampMS:    ev.TimestampMS(),
			ResponseTimestampMS: time.Now().UnixMilli(),
		})
		rt.totalTimedOut.Add(1)
	}
}

// cleanupLoop flushes expired outcome expectations and stale fire
// tracking on a fixed cadence.
func (rt *Router) cleanupLoop(ctx context.Context) {
	interval := rt.cfg.OutcomeCleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.watcher != nil {
				rt.watcher.Cleanup(ctx)
			}
			if rt.learning != nil {
				rt.learning.CleanupExpired()
			}
		}
	}
}

// Feedback forwards explicit feedback to the executive, which owns trace
// lookup and heuristic learning. When the executive is unreachable the
// confidence update is applied locally so the signal is not lost.
func (rt *Router) Feedback(ctx context.Context, eventID, responseID string, positive bool) *executive.FeedbackResult {
	if rt.executive != nil {
		result, err := rt.executive.ProvideFeedback(ctx, eventID, responseID, positive)
		if err == nil {
			if rt.learning != nil {
				rt.learning.OnFeedback(ctx, eventID, responseID, "", positive, false)
			}
			return result
		}
		logging.Warn("orchestrator", "executive feedback failed, applying locally: %v", err)
	}

	heuristicID := ""
	if rt.learning != nil {
		for _, fire := range rt.learning.RecentFires() {
			if (eventID != "" && fire.EventID == eventID) ||
				(responseID != "" && fire.ResponseID == responseID) {
				heuristicID = fire.HeuristicID
			}
		}
		rt.learning.OnFeedback(ctx, eventID, responseID, heuristicID, positive, true)
	}
	if heuristicID == "" {
		return &executive.FeedbackResult{
			Accepted:     false,
			ErrorMessage: "executive unavailable and no recent fire matches the event",
		}
	}
	return &executive.FeedbackResult{
		Accepted:     true,
		ErrorMessage: "executive unavailable; confidence updated locally",
	}
}

// QueueStats is the wire shape of queue counters.
type QueueStats struct {
	QueueSize      int   `json:"queue_size"`
	TotalQueued    int64 `json:"total_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalTimedOut  int64 `json:"total_timed_out"`
}

// Stats returns a snapshot of the queue counters.
func (rt *Router) Stats() QueueStats {
	return QueueStats{
		QueueSize:      rt.queue.Len(),
		TotalQueued:    rt.queue.TotalQueued(),
		TotalProcessed: rt.totalProcessed.Load(),
		TotalTimedOut:  rt.totalTimedOut.Load(),
	}
}
