package learning

import (
	"time"

	"github.com/vthunder/gladys/internal/types"
)

// BayesianStrategy is the default signal policy. The name reflects the
// confidence rule the signals feed (the Beta-Binomial posterior mean in
// the memory service), not anything probabilistic in the interpretation
// itself:
//
//   - explicit feedback maps straight through at the explicit magnitude
//   - silence until the outcome window closes counts as success
//   - an undo-phrase event shortly after a fire from the same source
//     counts as failure
//   - repeatedly talking past a suggestion counts as failure once the
//     ignore threshold is reached
type BayesianStrategy struct {
	cfg Config
}

// NewBayesianStrategy creates the default strategy, filling unset config
// fields with the documented defaults.
func NewBayesianStrategy(cfg Config) *BayesianStrategy {
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = 30 * time.Second
	}
	if cfg.IgnoredThreshold <= 0 {
		cfg.IgnoredThreshold = 3
	}
	if len(cfg.UndoKeywords) == 0 {
		cfg.UndoKeywords = []string{"undo", "revert", "cancel", "rollback", "nevermind", "never mind"}
	}
	if cfg.ImplicitMagnitude == 0 {
		cfg.ImplicitMagnitude = 1.0
	}
	if cfg.ExplicitMagnitude == 0 {
		cfg.ExplicitMagnitude = 0.8
	}
	return &BayesianStrategy{cfg: cfg}
}

func (s *BayesianStrategy) Name() string { return "bayesian" }

// InterpretExplicit maps a thumbs-up/down to a signal at the explicit
// magnitude.
func (s *BayesianStrategy) InterpretExplicit(eventID, heuristicID string, positive bool, source string) Signal {
	t := SignalNegative
	if positive {
		t = SignalPositive
	}
	if source == "" {
		source = types.SourceExplicit
	}
	return Signal{
		Type:        t,
		HeuristicID: heuristicID,
		EventID:     eventID,
		Source:      source,
		Magnitude:   s.cfg.ExplicitMagnitude,
	}
}

// InterpretTimeout treats no-news-is-good-news: a fire that drew no
// complaint within the outcome window was a success.
func (s *BayesianStrategy) InterpretTimeout(heuristicID, eventID string, elapsed time.Duration) Signal {
	return Signal{
		Type:        SignalPositive,
		HeuristicID: heuristicID,
		EventID:     eventID,
		Source:      types.SourceImplicitTimeout,
		Magnitude:   s.cfg.ImplicitMagnitude,
	}
}

// InterpretEventForUndo emits a NEGATIVE signal for every recent
// unanswered fire from the same window when the event text reads like a
// reversal ("undo that", "cancel", ...). Recency and source matching are
// the caller's job; this checks the window and the keywords.
func (s *BayesianStrategy) InterpretEventForUndo(text string, recent []RecentFire) []Signal {
	if !containsKeyword(text, s.cfg.UndoKeywords) {
		return nil
	}

	cutoff := time.Now().Add(-s.cfg.UndoWindow)
	var signals []Signal
	for _, fire := range recent {
		if fire.Answered || fire.FiredAt.Before(cutoff) {
			continue
		}
		signals = append(signals, Signal{
			Type:        SignalNegative,
			HeuristicID: fire.HeuristicID,
			EventID:     fire.EventID,
			Source:      types.SourceImplicitUndo,
			Magnitude:   s.cfg.ImplicitMagnitude,
		})
	}
	return signals
}

// InterpretIgnore emits NEGATIVE once a suggestion has been talked past
// consecutiveCount times; below the threshold it stays neutral.
func (s *BayesianStrategy) InterpretIgnore(heuristicID string, consecutiveCount int) Signal {
	if consecutiveCount < s.cfg.IgnoredThreshold {
		return Signal{Type: SignalNeutral, HeuristicID: heuristicID}
	}
	return Signal{
		Type:        SignalNegative,
		HeuristicID: heuristicID,
		Source:      types.SourceImplicitIgnored,
		Magnitude:   s.cfg.ImplicitMagnitude,
	}
}
