package executive

import (
	"sync"
	"time"
)

// sweepTriggerSize is the map size past which a Put runs an opportunistic
// sweep of expired traces.
const sweepTriggerSize = 100

// ReasoningTrace is the transient record that lets a later feedback call
// re-identify the situation a response came from. Pattern extraction and
// confidence nudging both consult it by response ID.
type ReasoningTrace struct {
	EventID              string
	ResponseID           string
	Context              string // the prompt, or the raw event text on the heuristic path
	Response             string
	MatchedHeuristicID   string
	PredictedSuccess     float64
	PredictionConfidence float64
	Timestamp            time.Time
}

// TraceStore keeps reasoning traces in memory with a TTL. Entries expire
// on read and are swept opportunistically when the store grows.
type TraceStore struct {
	ttl time.Duration

	mu     sync.Mutex
	traces map[string]*ReasoningTrace
}

// NewTraceStore creates a store with the given retention.
func NewTraceStore(ttl time.Duration) *TraceStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TraceStore{
		ttl:    ttl,
		traces: make(map[string]*ReasoningTrace),
	}
}

// Put stores a trace under its response ID.
func (s *TraceStore) Put(trace *ReasoningTrace) {
	if trace == nil || trace.ResponseID == "" {
		return
	}
	if trace.Timestamp.IsZero() {
		trace.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[trace.ResponseID] = trace
	if len(s.traces) > sweepTriggerSize {
		s.sweepLocked()
	}
}

// Get returns the trace for a response ID, or nil when it is missing or
// expired.
func (s *TraceStore) Get(responseID string) *ReasoningTrace {
	s.mu.Lock()
	defer s.mu.Unlock()

	trace, ok := s.traces[responseID]
	if !ok {
		return nil
	}
	if time.Since(trace.Timestamp) > s.ttl {
		delete(s.traces, responseID)
		return nil
	}
	return trace
}

// Delete removes a trace once feedback has consumed it.
func (s *TraceStore) Delete(responseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.traces, responseID)
}

// Len returns the number of stored traces, expired ones included until
// the next sweep.
func (s *TraceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.traces)
}

// Sweep removes all expired traces and returns how many were dropped.
func (s *TraceStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *TraceStore) sweepLocked() int {
	cutoff := time.Now().Add(-s.ttl)
	removed := 0
	for id, trace := range s.traces {
		if trace.Timestamp.Before(cutoff) {
			delete(s.traces, id)
			removed++
		}
	}
	return removed
}
