package executive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/types"
)

// LLM is the text backend the strategy reasons with. The Ollama client
// satisfies it.
type LLM interface {
	Generate(system, prompt string) (string, error)
}

// DecisionPath labels the branch a strategy took.
type DecisionPath string

const (
	DecideHeuristic DecisionPath = "HEURISTIC"
	DecideLLM       DecisionPath = "LLM"
	DecideRejected  DecisionPath = "REJECTED"
	DecideFallback  DecisionPath = "FALLBACK" // backend reachable but produced nothing
)

// Rejection reasons.
const (
	RejectLLMUnavailable = "llm_unavailable"
	RejectNotImmediate   = "not_immediate"
)

// DecisionContext is everything a strategy sees for one event.
type DecisionContext struct {
	Event      *types.Event
	Immediate  bool
	Suggestion *types.HeuristicSuggestion
	Candidates []types.HeuristicSuggestion
}

// Decision is the strategy's verdict.
type Decision struct {
	Path                 DecisionPath
	ResponseText         string
	PredictedSuccess     float64
	PredictionConfidence float64
	PromptText           string
	MatchedHeuristicID   string
	RejectReason         string
}

// DecisionStrategy decides between the heuristic fast path and the LLM.
type DecisionStrategy interface {
	Name() string
	Decide(ctx context.Context, dc DecisionContext, llm LLM) Decision
}

// HeuristicFirstConfig tunes the default strategy.
type HeuristicFirstConfig struct {
	ConfidenceThreshold  float64 // use a suggestion without the LLM at/above this
	LLMConfidenceCeiling float64 // cap on LLM self-reported prediction scores
	Profile              *Profile
}

// NewDecisionStrategy builds a strategy by name.
func NewDecisionStrategy(name string, cfg HeuristicFirstConfig) (DecisionStrategy, error) {
	switch name {
	case "heuristic_first", "":
		return NewHeuristicFirstStrategy(cfg), nil
	default:
		return nil, fmt.Errorf("unknown decision strategy %q", name)
	}
}

// HeuristicFirstStrategy answers from a confident heuristic match when
// possible and falls back to the LLM otherwise. A below-threshold match
// still reaches the LLM as context rather than being discarded.
type HeuristicFirstStrategy struct {
	cfg       HeuristicFirstConfig
	threshold float64
}

// NewHeuristicFirstStrategy applies defaults and the profile's
// confidence-threshold bias (clamped to [0.3, 0.95]).
func NewHeuristicFirstStrategy(cfg HeuristicFirstConfig) *HeuristicFirstStrategy {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.LLMConfidenceCeiling == 0 {
		cfg.LLMConfidenceCeiling = 0.8
	}

	threshold := cfg.ConfidenceThreshold + cfg.Profile.Bias("confidence_threshold")
	if threshold < 0.3 {
		threshold = 0.3
	}
	if threshold > 0.95 {
		threshold = 0.95
	}
	return &HeuristicFirstStrategy{cfg: cfg, threshold: threshold}
}

func (s *HeuristicFirstStrategy) Name() string { return "heuristic_first" }

// Threshold returns the effective fast-path confidence cutoff.
func (s *HeuristicFirstStrategy) Threshold() float64 { return s.threshold }

func (s *HeuristicFirstStrategy) Decide(ctx context.Context, dc DecisionContext, llm LLM) Decision {
	if dc.Suggestion != nil && dc.Suggestion.Confidence >= s.threshold {
		return Decision{
			Path:                 DecideHeuristic,
			ResponseText:         dc.Suggestion.SuggestedAction,
			PredictedSuccess:     dc.Suggestion.Confidence,
			PredictionConfidence: dc.Suggestion.Confidence,
			MatchedHeuristicID:   dc.Suggestion.HeuristicID,
		}
	}

	if llm == nil {
		return Decision{Path: DecideRejected, RejectReason: RejectLLMUnavailable}
	}
	if !dc.Immediate {
		return Decision{Path: DecideRejected, RejectReason: RejectNotImmediate}
	}

	matchedID := ""
	if dc.Suggestion != nil {
		matchedID = dc.Suggestion.HeuristicID
	}

	prompt := s.buildPrompt(dc)
	response, err := llm.Generate(s.systemPrompt(), prompt)
	response = strings.TrimSpace(response)
	if err != nil || response == "" {
		if err != nil {
			logging.Warn("executive", "generation failed: %v", err)
		}
		return Decision{
			Path:                 DecideFallback,
			ResponseText:         "(no response generated)",
			PredictedSuccess:     0.5,
			PredictionConfidence: 0.5,
			PromptText:           prompt,
			MatchedHeuristicID:   matchedID,
		}
	}

	success, confidence := s.predict(dc.Event.RawText, response, llm)
	return Decision{
		Path:                 DecideLLM,
		ResponseText:         response,
		PredictedSuccess:     success,
		PredictionConfidence: confidence,
		PromptText:           prompt,
		MatchedHeuristicID:   matchedID,
	}
}

func (s *HeuristicFirstStrategy) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are the decision-making component of an ambient assistant. ")
	b.WriteString("Given a sensor event, respond with one short, concrete, helpful action or observation for the user. ")
	b.WriteString("Answer in plain text with no preamble.")
	if p := s.cfg.Profile; p != nil && len(p.Goals) > 0 {
		b.WriteString("\n\nCurrent user goals:\n")
		for _, g := range p.Goals {
			b.WriteString("- " + g + "\n")
		}
	}
	return b.String()
}

func (s *HeuristicFirstStrategy) buildPrompt(dc DecisionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event from %s:\n%s\n", dc.Event.Source, dc.Event.RawText)

	if sg := dc.Suggestion; sg != nil {
		b.WriteString("\nA learned pattern matched this event; consider it:\n")
		fmt.Fprintf(&b, "- condition: %s\n", sg.ConditionText)
		fmt.Fprintf(&b, "- action: %s\n", sg.SuggestedAction)
		fmt.Fprintf(&b, "- confidence: %.2f\n", sg.Confidence)
	}
	if len(dc.Candidates) > 0 {
		b.WriteString("\nPrevious responses to similar situations:\n")
		for _, c := range dc.Candidates {
			fmt.Fprintf(&b, "- when %q -> %q (confidence %.2f)\n",
				c.ConditionText, c.SuggestedAction, c.Confidence)
		}
	}

	b.WriteString("\nRespond with the single most useful thing to tell the user.")
	return b.String()
}

// predictionResult is the JSON shape the prediction prompt elicits.
type predictionResult struct {
	Success    float64 `json:"success"`
	Confidence float64 `json:"confidence"`
}

// predict asks the backend to score its own response. Parse failures and
// out-of-range values degrade to 0.5; everything is capped at the
// configured ceiling so LLM self-reports never outrank real feedback.
func (s *HeuristicFirstStrategy) predict(eventText, response string, llm LLM) (float64, float64) {
	var b strings.Builder
	fmt.Fprintf(&b, "An assistant replied %q to the event %q.\n", response, eventText)
	if p := s.cfg.Profile; p != nil && len(p.Goals) > 0 {
		b.WriteString("Success should be evaluated against these goals:\n")
		for _, g := range p.Goals {
			b.WriteString("- " + g + "\n")
		}
	}
	b.WriteString("How likely is this response to be useful? ")
	b.WriteString(`Answer with only JSON: {"success": <0..1>, "confidence": <0..1>}`)

	raw, err := llm.Generate("", b.String())
	if err != nil {
		logging.Debug("executive", "prediction call failed: %v", err)
		return s.cap(0.5), s.cap(0.5)
	}

	var pred predictionResult
	if err := json.Unmarshal([]byte(extractJSON(raw)), &pred); err != nil {
		logging.Debug("executive", "prediction parse failed: %v", err)
		return s.cap(0.5), s.cap(0.5)
	}
	return s.cap(clamp01(pred.Success)), s.cap(clamp01(pred.Confidence))
}

func (s *HeuristicFirstStrategy) cap(v float64) float64 {
	if v > s.cfg.LLMConfidenceCeiling {
		return s.cfg.LLMConfidenceCeiling
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// extractJSON trims code fences and surrounding prose down to the first
// balanced JSON object. LLMs rarely return bare JSON even when asked.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
