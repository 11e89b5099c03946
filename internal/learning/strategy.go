// Package learning turns feedback signals (explicit and implicit) into
// heuristic confidence updates. The policy lives behind a pluggable
// Strategy; the Module hosts it inside the orchestrator and tracks the
// recent-fire state the implicit signals need.
package learning

import (
	"fmt"
	"strings"
	"time"
)

// SignalType classifies a feedback signal.
type SignalType string

const (
	SignalPositive SignalType = "POSITIVE"
	SignalNegative SignalType = "NEGATIVE"
	SignalNeutral  SignalType = "NEUTRAL"
)

// Signal is one interpreted piece of feedback about a heuristic fire.
// Magnitude expresses how strongly the strategy believes the signal;
// the Bayesian confidence rule is binary so it is informational, but
// alternative strategies may weight by it.
type Signal struct {
	Type        SignalType
	HeuristicID string
	EventID     string
	Source      string // feedback source label recorded on the fire
	Magnitude   float64
}

// RecentFire is the module's record of a heuristic fire awaiting feedback.
type RecentFire struct {
	FireID      string
	HeuristicID string
	EventID     string
	ResponseID  string // response carrying the fired suggestion, when known
	EventSource string
	FiredAt     time.Time
	Answered    bool // explicit feedback arrived for this fire
}

// Config carries the tunables shared by strategies.
type Config struct {
	UndoWindow        time.Duration
	IgnoredThreshold  int
	UndoKeywords      []string
	ImplicitMagnitude float64
	ExplicitMagnitude float64
}

// Strategy interprets raw feedback events into signals. Implementations
// are stateless; the Module owns all bookkeeping.
type Strategy interface {
	Name() string
	InterpretExplicit(eventID, heuristicID string, positive bool, source string) Signal
	InterpretTimeout(heuristicID, eventID string, elapsed time.Duration) Signal
	InterpretEventForUndo(text string, recent []RecentFire) []Signal
	InterpretIgnore(heuristicID string, consecutiveCount int) Signal
}

// NewStrategy builds a strategy by name. Unknown names are an error so a
// typo in LEARNING_STRATEGY fails at startup, not silently at runtime.
func NewStrategy(name string, cfg Config) (Strategy, error) {
	switch name {
	case "bayesian", "":
		return NewBayesianStrategy(cfg), nil
	default:
		return nil, fmt.Errorf("unknown learning strategy %q", name)
	}
}

// containsKeyword reports whether text contains any of the keywords,
// case-insensitively.
func containsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
