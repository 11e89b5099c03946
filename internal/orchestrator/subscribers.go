package orchestrator

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/types"
)

// subscriberChanCap bounds each subscriber's delivery channel. A slow
// consumer loses its own frames; everyone else keeps receiving.
const subscriberChanCap = 1000

// Hub fans ingested events and produced responses out to WebSocket
// subscribers. Delivery is best-effort per subscriber.
type Hub struct {
	mu        sync.RWMutex
	events    map[string]*eventSub
	responses map[string]*responseSub

	dropped atomic.Int64
}

type eventSub struct {
	sources []string
	ch      chan *types.Event
}

type responseSub struct {
	sources          []string
	includeImmediate bool
	ch               chan *types.Response
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		events:    make(map[string]*eventSub),
		responses: make(map[string]*responseSub),
	}
}

// SubscribeEvents registers an event subscriber. sources are prefix
// filters; empty means everything.
func (h *Hub) SubscribeEvents(id string, sources []string) <-chan *types.Event {
	sub := &eventSub{sources: sources, ch: make(chan *types.Event, subscriberChanCap)}
	h.mu.Lock()
	h.events[id] = sub
	h.mu.Unlock()
	logging.Info("orchestrator", "event subscriber %s registered (sources=%v)", id, sources)
	return sub.ch
}

// UnsubscribeEvents removes an event subscriber and closes its channel.
func (h *Hub) UnsubscribeEvents(id string) {
	h.mu.Lock()
	sub, ok := h.events[id]
	delete(h.events, id)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// BroadcastEvent delivers an event to every matching subscriber.
func (h *Hub) BroadcastEvent(ev *types.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.events {
		if !matchesSource(sub.sources, ev.Source) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
			logging.Warn("orchestrator", "event subscriber %s full, dropping event %s", id, ev.ID)
		}
	}
}

// SubscribeResponses registers a response subscriber. IMMEDIATE responses
// are delivered only when includeImmediate is set.
func (h *Hub) SubscribeResponses(id string, sources []string, includeImmediate bool) <-chan *types.Response {
	sub := &responseSub{
		sources:          sources,
		includeImmediate: includeImmediate,
		ch:               make(chan *types.Response, subscriberChanCap),
	}
	h.mu.Lock()
	h.responses[id] = sub
	h.mu.Unlock()
	logging.Info("orchestrator", "response subscriber %s registered (sources=%v immediate=%v)",
		id, sources, includeImmediate)
	return sub.ch
}

// UnsubscribeResponses removes a response subscriber and closes its channel.
func (h *Hub) UnsubscribeResponses(id string) {
	h.mu.Lock()
	sub, ok := h.responses[id]
	delete(h.responses, id)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// BroadcastResponse delivers a response envelope to every matching
// subscriber.
func (h *Hub) BroadcastResponse(resp *types.Response) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.responses {
		if resp.RoutingPath == types.RoutingImmediate && !sub.includeImmediate {
			continue
		}
		if !matchesSource(sub.sources, resp.EventSource) {
			continue
		}
		select {
		case sub.ch <- resp:
		default:
			h.dropped.Add(1)
			logging.Warn("orchestrator", "response subscriber %s full, dropping response %s", id, resp.ResponseID)
		}
	}
}

// Dropped returns the lifetime count of frames dropped to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// SubscriberCounts returns (event, response) subscriber counts.
func (h *Hub) SubscriberCounts() (int, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events), len(h.responses)
}

// matchesSource reports whether source matches any of the prefix filters.
// "discord" matches "discord:123"; an empty filter list matches all.
func matchesSource(filters []string, source string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == "" || source == f || strings.HasPrefix(source, f) {
			return true
		}
	}
	return false
}
