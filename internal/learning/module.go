package learning

import (
	"context"
	"sync"
	"time"

	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/memory"
	"github.com/vthunder/gladys/internal/types"
)

// Memory is the slice of the memory client the module needs.
type Memory interface {
	UpdateConfidence(ctx context.Context, heuristicID string, positive bool, feedbackSource string) (*memory.ConfidenceResult, error)
}

// Module hosts the learning strategy inside the orchestrator. It keeps
// the recent-fire list that undo detection scans, the per-heuristic
// ignore counters, and applies interpreted signals to the memory service.
type Module struct {
	strategy Strategy
	memory   Memory
	cfg      Config

	mu           sync.Mutex
	recent       []RecentFire
	ignoreCounts map[string]int
}

// NewModule wires a strategy to the memory service. memory may be nil;
// signals are then logged and dropped (graceful degradation).
func NewModule(strategy Strategy, mem Memory, cfg Config) *Module {
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = 30 * time.Second
	}
	if cfg.IgnoredThreshold <= 0 {
		cfg.IgnoredThreshold = 3
	}
	return &Module{
		strategy:     strategy,
		memory:       mem,
		cfg:          cfg,
		ignoreCounts: make(map[string]int),
	}
}

// OnFire records that a heuristic fired for an event so later implicit
// signals (undo, ignore) can find it. responseID ties the fire to the
// response that carried the suggestion, so explicit feedback identified
// only by response can still resolve it. Safe to call fire-and-forget.
func (m *Module) OnFire(heuristicID, eventID, eventSource, fireID, responseID string) {
	if heuristicID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, RecentFire{
		FireID:      fireID,
		HeuristicID: heuristicID,
		EventID:     eventID,
		ResponseID:  responseID,
		EventSource: eventSource,
		FiredAt:     time.Now(),
	})
}

// OnFeedback applies explicit feedback through the strategy. Used when
// feedback reaches the orchestrator but the executive (which normally
// owns the explicit path) is unavailable. The matching recent fires are
// marked answered either way so the ignore counter stands down; matching
// is by heuristic, event, or response id, whichever is known.
func (m *Module) OnFeedback(ctx context.Context, eventID, responseID, heuristicID string, positive bool, applyUpdate bool) {
	m.mu.Lock()
	for i := range m.recent {
		if (heuristicID != "" && m.recent[i].HeuristicID == heuristicID) ||
			(eventID != "" && m.recent[i].EventID == eventID) ||
			(responseID != "" && m.recent[i].ResponseID == responseID) {
			m.recent[i].Answered = true
		}
	}
	if heuristicID != "" {
		delete(m.ignoreCounts, heuristicID)
	}
	m.mu.Unlock()

	if !applyUpdate || heuristicID == "" {
		return
	}
	m.apply(ctx, m.strategy.InterpretExplicit(eventID, heuristicID, positive, types.SourceExplicit))
}

// OnTimeout applies the no-news-is-good-news signal for a fire whose
// outcome window expired. The outcome watcher calls this on cleanup.
func (m *Module) OnTimeout(ctx context.Context, heuristicID, eventID string, elapsed time.Duration) {
	m.apply(ctx, m.strategy.InterpretTimeout(heuristicID, eventID, elapsed))
	m.forget(heuristicID, eventID)
}

// OnOutcome applies a pattern-resolved outcome from the outcome watcher.
func (m *Module) OnOutcome(ctx context.Context, heuristicID, eventID string, positive bool) {
	t := SignalNegative
	if positive {
		t = SignalPositive
	}
	m.apply(ctx, Signal{
		Type:        t,
		HeuristicID: heuristicID,
		EventID:     eventID,
		Source:      types.SourceImplicitTimeout,
		Magnitude:   m.cfg.ImplicitMagnitude,
	})
	m.forget(heuristicID, eventID)
}

// CheckEvent inspects an incoming event for implicit feedback before it
// is routed: undo phrases resolve recent fires negatively, and events
// that talk past an unanswered suggestion from the same source bump the
// ignore counter.
func (m *Module) CheckEvent(ctx context.Context, ev *types.Event) {
	if ev == nil || ev.RawText == "" {
		return
	}

	m.mu.Lock()
	recent := make([]RecentFire, len(m.recent))
	copy(recent, m.recent)
	m.mu.Unlock()

	// Undo first: it is the stronger signal and removes the fire from
	// further ignore accounting.
	undone := map[string]bool{}
	for _, sig := range m.strategy.InterpretEventForUndo(ev.RawText, sameSource(recent, ev.Source)) {
		m.apply(ctx, sig)
		m.forget(sig.HeuristicID, sig.EventID)
		undone[sig.HeuristicID] = true
	}

	// Ignore counting: a new event from the same source, unrelated to the
	// fire, means the suggestion went unacknowledged once more.
	for _, fire := range recent {
		if fire.Answered || undone[fire.HeuristicID] {
			continue
		}
		if fire.EventSource == "" || fire.EventSource != ev.Source || fire.EventID == ev.ID {
			continue
		}

		m.mu.Lock()
		m.ignoreCounts[fire.HeuristicID]++
		count := m.ignoreCounts[fire.HeuristicID]
		m.mu.Unlock()

		sig := m.strategy.InterpretIgnore(fire.HeuristicID, count)
		if sig.Type == SignalNeutral {
			continue
		}
		sig.EventID = fire.EventID
		m.apply(ctx, sig)

		m.mu.Lock()
		delete(m.ignoreCounts, fire.HeuristicID)
		m.mu.Unlock()
		m.forget(fire.HeuristicID, fire.EventID)
	}
}

// CleanupExpired drops recent fires older than the undo window; they can
// no longer produce implicit signals from this module. Returns the number
// removed.
func (m *Module) CleanupExpired() int {
	cutoff := time.Now().Add(-m.cfg.UndoWindow)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.recent[:0]
	removed := 0
	for _, fire := range m.recent {
		if fire.FiredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, fire)
	}
	m.recent = kept
	return removed
}

// RecentFires returns a snapshot of the tracked fires, newest last.
func (m *Module) RecentFires() []RecentFire {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecentFire, len(m.recent))
	copy(out, m.recent)
	return out
}

// apply pushes one signal into the memory service.
func (m *Module) apply(ctx context.Context, sig Signal) {
	if sig.Type == SignalNeutral || sig.HeuristicID == "" {
		return
	}
	if m.memory == nil {
		logging.Warn("learning", "no memory service, dropping %s signal for %s", sig.Type, sig.HeuristicID)
		return
	}

	positive := sig.Type == SignalPositive
	update, err := m.memory.UpdateConfidence(ctx, sig.HeuristicID, positive, sig.Source)
	if err != nil {
		logging.Error("learning", "confidence update failed for %s (%s): %v", sig.HeuristicID, sig.Source, err)
		return
	}
	logging.Info("learning", "%s signal (%s) for %s: %.3f -> %.3f",
		sig.Type, sig.Source, sig.HeuristicID, update.OldConfidence, update.NewConfidence)
}

// forget removes tracked fires for the given heuristic/event pair.
func (m *Module) forget(heuristicID, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.recent[:0]
	for _, fire := range m.recent {
		if fire.HeuristicID == heuristicID && (eventID == "" || fire.EventID == eventID) {
			continue
		}
		kept = append(kept, fire)
	}
	m.recent = kept
}

// sameSource filters fires down to those from the given event source.
func sameSource(fires []RecentFire, source string) []RecentFire {
	var out []RecentFire
	for _, f := range fires {
		if f.EventSource == source {
			out = append(out, f)
		}
	}
	return out
}
