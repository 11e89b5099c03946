package orchestrator

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/vthunder/gladys/internal/types"
)

// QueuedEvent is one event waiting for the executive, with everything the
// worker needs to process it without re-deriving context.
type QueuedEvent struct {
	Event      *types.Event
	Salience   *types.SalienceVector
	Suggestion *types.HeuristicSuggestion
	Candidates []types.HeuristicSuggestion
	EnqueuedAt time.Time

	seq uint64 // FIFO tiebreak for equal priorities
}

// Priority returns the scalar the queue orders by.
func (q *QueuedEvent) Priority() float64 {
	return q.Salience.Priority()
}

// Queue is the salience-ordered event queue. Highest priority pops first;
// equal priorities pop in arrival order. A buffered notify channel wakes
// the worker without blocking the ingest path.
type Queue struct {
	mu       sync.Mutex
	items    eventHeap
	nextSeq  uint64
	notifyCh chan struct{}

	totalQueued int64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		notifyCh: make(chan struct{}, 1),
	}
}

// NotifyChannel returns the channel that signals when items are added.
func (q *Queue) NotifyChannel() <-chan struct{} {
	return q.notifyCh
}

// Push adds an event and wakes the worker.
func (q *Queue) Push(item *QueuedEvent) {
	q.mu.Lock()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	item.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, item)
	q.totalQueued++
	q.mu.Unlock()

	// Non-blocking: a pending signal already covers this push.
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Pop removes and returns the highest-priority event, or nil when empty.
func (q *Queue) Pop() *QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*QueuedEvent)
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TotalQueued returns the lifetime count of pushed events.
func (q *Queue) TotalQueued() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalQueued
}

// Snapshot returns up to limit queued events, priority-descending,
// without removing them. limit <= 0 means all.
func (q *Queue) Snapshot(limit int) []*QueuedEvent {
	q.mu.Lock()
	out := make([]*QueuedEvent, len(q.items))
	copy(out, q.items)
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].seq < out[j].seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RemoveExpired removes and returns events older than maxAge. The timeout
// scanner calls this to turn stale work into TIMEOUT responses.
func (q *Queue) RemoveExpired(maxAge time.Duration) []*QueuedEvent {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*QueuedEvent
	var keep eventHeap
	for _, item := range q.items {
		if item.EnqueuedAt.Before(cutoff) {
			expired = append(expired, item)
			continue
		}
		keep = append(keep, item)
	}
	if len(expired) > 0 {
		q.items = keep
		heap.Init(&q.items)
	}
	return expired
}

// eventHeap is a max-heap over priority with seq-order ties.
type eventHeap []*QueuedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Priority() != h[j].Priority() {
		return h[i].Priority() > h[j].Priority()
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*QueuedEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
