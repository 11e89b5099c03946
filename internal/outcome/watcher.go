// Package outcome matches follow-up events to pending heuristic fires.
// A fire registers an expectation; a later event whose text matches the
// expectation's outcome pattern resolves it, and expectations that
// outlive their timeout are flushed as successes (no news is good news).
package outcome

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vthunder/gladys/internal/logging"
)

// Expectation is one pending fire awaiting a follow-up event.
type Expectation struct {
	HeuristicID      string
	EventID          string
	PredictedSuccess float64
	TriggerText      string
	Deadline         time.Time
	Pattern          Pattern // zero Pattern means timeout-only
	RegisteredAt     time.Time
}

// Reporter receives resolved outcomes; the learning module implements it.
type Reporter interface {
	OnOutcome(ctx context.Context, heuristicID, eventID string, positive bool)
	OnTimeout(ctx context.Context, heuristicID, eventID string, elapsed time.Duration)
}

// Watcher holds pending expectations and the configured pattern list.
type Watcher struct {
	patterns       []Pattern
	defaultTimeout time.Duration
	reporter       Reporter

	mu      sync.Mutex
	pending []*Expectation
}

// NewWatcher builds a watcher over the given pattern list.
func NewWatcher(patterns []Pattern, defaultTimeout time.Duration, reporter Reporter) *Watcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Second
	}
	return &Watcher{
		patterns:       patterns,
		defaultTimeout: defaultTimeout,
		reporter:       reporter,
	}
}

// RegisterFire opens an expectation for a heuristic fire. The condition
// text is matched against the configured trigger patterns; the first hit
// supplies the outcome pattern and timeout, otherwise the expectation is
// timeout-only at the default window.
func (w *Watcher) RegisterFire(heuristicID, eventID, conditionText string, predictedSuccess float64) {
	if heuristicID == "" {
		return
	}

	now := time.Now()
	exp := &Expectation{
		HeuristicID:      heuristicID,
		EventID:          eventID,
		PredictedSuccess: predictedSuccess,
		TriggerText:      conditionText,
		Deadline:         now.Add(w.defaultTimeout),
		RegisteredAt:     now,
	}
	for _, p := range w.patterns {
		if p.TriggerPattern != "" && containsFold(conditionText, p.TriggerPattern) {
			exp.Pattern = p
			if p.TimeoutSec > 0 {
				exp.Deadline = now.Add(time.Duration(p.TimeoutSec) * time.Second)
			}
			break
		}
	}

	w.mu.Lock()
	w.pending = append(w.pending, exp)
	w.mu.Unlock()

	logging.Debug("outcome", "expectation opened for %s (event %s, pattern %q)",
		heuristicID, eventID, exp.Pattern.OutcomePattern)
}

// CheckEvent resolves every pending expectation whose outcome pattern
// matches the event text. Returns the number resolved.
func (w *Watcher) CheckEvent(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}

	w.mu.Lock()
	var resolved []*Expectation
	kept := w.pending[:0]
	for _, exp := range w.pending {
		if exp.Pattern.Matches(text) {
			resolved = append(resolved, exp)
			continue
		}
		kept = append(kept, exp)
	}
	w.pending = kept
	w.mu.Unlock()

	for _, exp := range resolved {
		positive := exp.Pattern.IsSuccess
		logging.Info("outcome", "expectation for %s resolved by follow-up event (success=%v)",
			exp.HeuristicID, positive)
		if w.reporter != nil {
			w.reporter.OnOutcome(ctx, exp.HeuristicID, exp.EventID, positive)
		}
	}
	return len(resolved)
}

// Cleanup flushes expired expectations as positive outcomes. Returns the
// number flushed.
func (w *Watcher) Cleanup(ctx context.Context) int {
	now := time.Now()

	w.mu.Lock()
	var expired []*Expectation
	kept := w.pending[:0]
	for _, exp := range w.pending {
		if now.After(exp.Deadline) {
			expired = append(expired, exp)
			continue
		}
		kept = append(kept, exp)
	}
	w.pending = kept
	w.mu.Unlock()

	for _, exp := range expired {
		logging.Info("outcome", "expectation for %s expired without complaint, counting as success",
			exp.HeuristicID)
		if w.reporter != nil {
			w.reporter.OnTimeout(ctx, exp.HeuristicID, exp.EventID, now.Sub(exp.RegisteredAt))
		}
	}
	return len(expired)
}

// Pending returns the number of open expectations.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
