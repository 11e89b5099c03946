package types

import (
	"encoding/json"
	"time"
)

// Event is a single sensor observation entering the system.
// Immutable after ingest; the id is assigned by the sensor.
type Event struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`    // e.g. "sensor:kitchen", "discord:123"
	Type      string          `json:"type"`      // message, reading, alert
	RawText   string          `json:"raw_text"`  // natural-language content
	Timestamp time.Time       `json:"timestamp"` // absolute UTC
	Salience  *SalienceVector `json:"salience,omitempty"` // explicit override from the sensor
	EntityIDs []string        `json:"entity_ids,omitempty"`
}

// HasExplicitSalience reports whether the sensor supplied its own scores.
// Any non-zero scalar or any vector dimension counts.
func (e *Event) HasExplicitSalience() bool {
	s := e.Salience
	if s == nil {
		return false
	}
	if s.Threat > 0 || s.Salience > 0 || s.Habituation > 0 {
		return true
	}
	return len(s.Vector) > 0
}

// TimestampMS returns the event timestamp in unix milliseconds.
func (e *Event) TimestampMS() int64 {
	if e.Timestamp.IsZero() {
		return 0
	}
	return e.Timestamp.UnixMilli()
}

// SalienceVector quantifies how much an event should grab attention.
type SalienceVector struct {
	Threat      float64            `json:"threat"`      // 0.0-1.0
	Salience    float64            `json:"salience"`    // 0.0-1.0, overall priority
	Habituation float64            `json:"habituation"` // 0.0-1.0, seen-it-before damping
	Vector      map[string]float64 `json:"vector,omitempty"` // novelty, goal_relevance, opportunity, actionability, social
	ModelID     string             `json:"model_id,omitempty"`
}

// Neutral returns the graceful-degradation vector used when no salience
// provider is reachable: everything 0.5 so events still flow.
func Neutral() *SalienceVector {
	return &SalienceVector{
		Threat:      0.5,
		Salience:    0.5,
		Habituation: 0.5,
		Vector: map[string]float64{
			"novelty":        0.5,
			"goal_relevance": 0.5,
			"opportunity":    0.5,
			"actionability":  0.5,
			"social":         0.5,
		},
		ModelID: "default",
	}
}

// Priority returns the scalar used for queue ordering: the overall
// salience, or threat when salience was never scored.
func (s *SalienceVector) Priority() float64 {
	if s == nil {
		return 0
	}
	if s.Salience > 0 {
		return s.Salience
	}
	return s.Threat
}

// DecisionPath records which branch produced a response.
type DecisionPath string

const (
	PathHeuristic   DecisionPath = "heuristic"    // fast path, no LLM call
	PathLLM         DecisionPath = "llm"          // full LLM reasoning
	PathNoExecutive DecisionPath = "no_executive" // Executive unreachable, canned reply
)

// EpisodicEvent is the persisted record of one ingested event and what
// the system did with it. Exactly one per Event, written after routing.
type EpisodicEvent struct {
	ID                   string          `json:"id"`
	TimestampMS          int64           `json:"timestamp_ms"`
	Source               string          `json:"source"`
	EventType            string          `json:"event_type,omitempty"`
	RawText              string          `json:"raw_text"`
	EntityIDs            []string        `json:"entity_ids,omitempty"`
	Salience             *SalienceVector `json:"salience,omitempty"`
	DecisionPath         DecisionPath    `json:"decision_path,omitempty"`
	MatchedHeuristicID   string          `json:"matched_heuristic_id,omitempty"`
	ResponseID           string          `json:"response_id,omitempty"`
	ResponseText         string          `json:"response_text,omitempty"`
	LLMPromptText        string          `json:"llm_prompt_text,omitempty"`
	PredictedSuccess     float64         `json:"predicted_success,omitempty"`
	PredictionConfidence float64         `json:"prediction_confidence,omitempty"`
	Embedding            []float64       `json:"embedding,omitempty"`
}

// HeuristicOrigin identifies where a heuristic came from.
type HeuristicOrigin string

const (
	OriginBuiltIn HeuristicOrigin = "built_in"
	OriginPack    HeuristicOrigin = "pack"
	OriginLearned HeuristicOrigin = "learned"
	OriginUser    HeuristicOrigin = "user"
)

// ActionType is the allowed set of effect types for learned heuristics.
type ActionType string

const (
	ActionSuggest ActionType = "suggest"
	ActionRemind  ActionType = "remind"
	ActionWarn    ActionType = "warn"
)

// ValidActionType reports whether t is one of the allowed effect types.
func ValidActionType(t string) bool {
	switch ActionType(t) {
	case ActionSuggest, ActionRemind, ActionWarn:
		return true
	}
	return false
}

// Effects is a heuristic's structured action. Unknown keys from older
// heuristics are preserved in Extra for forward compatibility.
type Effects struct {
	Type     string             // suggest, remind, warn
	Message  string
	Salience map[string]float64 // boost map applied by the salience gateway
	Extra    map[string]any
}

// UnmarshalJSON keeps unrecognized keys in Extra so older heuristic packs
// survive a round trip.
func (e *Effects) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &e.Type); err != nil {
			return err
		}
		delete(raw, "type")
	}
	if v, ok := raw["message"]; ok {
		if err := json.Unmarshal(v, &e.Message); err != nil {
			return err
		}
		delete(raw, "message")
	}
	if v, ok := raw["salience"]; ok {
		if err := json.Unmarshal(v, &e.Salience); err != nil {
			return err
		}
		delete(raw, "salience")
	}
	if len(raw) > 0 {
		e.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			e.Extra[k] = val
		}
	}
	return nil
}

// MarshalJSON writes the known fields plus anything held in Extra.
func (e *Effects) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+3)
	for k, v := range e.Extra {
		out[k] = v
	}
	if e.Type != "" {
		out["type"] = e.Type
	}
	if e.Message != "" {
		out["message"] = e.Message
	}
	if len(e.Salience) > 0 {
		out["salience"] = e.Salience
	}
	return json.Marshal(out)
}

// ActionText returns the human-readable action, checking the keys older
// heuristic packs used before the message field was standard.
func (e *Effects) ActionText() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	for _, key := range []string{"text", "response"} {
		if v, ok := e.Extra[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Heuristic is a learned condition->action rule with a Bayesian confidence.
type Heuristic struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	ConditionText      string          `json:"condition_text"`
	ConditionEmbedding []float64       `json:"condition_embedding,omitempty"`
	Effects            *Effects        `json:"effects,omitempty"`
	Confidence         float64         `json:"confidence"`
	Origin             HeuristicOrigin `json:"origin,omitempty"`
	OriginID           string          `json:"origin_id,omitempty"`
	FireCount          int             `json:"fire_count"`
	SuccessCount       int             `json:"success_count"`
	Frozen             bool            `json:"frozen,omitempty"`
	CreatedAt          time.Time       `json:"created_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at,omitempty"`
}

// FireOutcome is the terminal state of a heuristic fire.
type FireOutcome string

const (
	OutcomeUnknown FireOutcome = "unknown"
	OutcomeSuccess FireOutcome = "success"
	OutcomeFail    FireOutcome = "fail"
)

// Feedback sources recorded on resolved fires.
const (
	SourceExplicit        = "explicit"
	SourceImplicitTimeout = "implicit_timeout"
	SourceImplicitUndo    = "implicit_undo"
	SourceImplicitIgnored = "implicit_ignored"
)

// HeuristicFire records that a heuristic was offered or applied for an
// event. Created unknown; transitions exactly once to a terminal outcome.
type HeuristicFire struct {
	ID              string      `json:"id"`
	HeuristicID     string      `json:"heuristic_id"`
	EventID         string      `json:"event_id"`
	EpisodicEventID string      `json:"episodic_event_id,omitempty"`
	FiredAtMS       int64       `json:"fired_at_ms"`
	Outcome         FireOutcome `json:"outcome"`
	FeedbackSource  string      `json:"feedback_source,omitempty"`
}

// HeuristicSuggestion is the match context the Orchestrator forwards to
// the Executive alongside a queued event.
type HeuristicSuggestion struct {
	HeuristicID     string  `json:"heuristic_id"`
	SuggestedAction string  `json:"suggested_action"`
	Confidence      float64 `json:"confidence"`
	ConditionText   string  `json:"condition_text"`
}

// HeuristicMatch pairs a heuristic with its similarity to a query.
type HeuristicMatch struct {
	Heuristic  *Heuristic `json:"heuristic"`
	Similarity float64    `json:"similarity"`
	Score      float64    `json:"score"` // similarity * confidence
}

// RoutingPath labels a broadcast response by how it was produced.
type RoutingPath string

const (
	RoutingImmediate RoutingPath = "IMMEDIATE" // emergency fast path
	RoutingQueued    RoutingPath = "QUEUED"    // worker + Executive
	RoutingTimeout   RoutingPath = "TIMEOUT"   // expired in queue
)

// Response is the envelope broadcast to response subscribers.
type Response struct {
	EventID              string      `json:"event_id"`
	ResponseID           string      `json:"response_id"`
	ResponseText         string      `json:"response_text"`
	PredictedSuccess     float64     `json:"predicted_success"`
	PredictionConfidence float64     `json:"prediction_confidence"`
	RoutingPath          RoutingPath `json:"routing_path"`
	MatchedHeuristicID   string      `json:"matched_heuristic_id,omitempty"`
	EventSource          string      `json:"event_source,omitempty"`
	EventTimestampMS     int64       `json:"event_timestamp_ms,omitempty"`
	ResponseTimestampMS  int64       `json:"response_timestamp_ms,omitempty"`
}
