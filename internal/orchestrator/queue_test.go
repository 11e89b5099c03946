package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/vthunder/gladys/internal/types"
)

func queuedWithPriority(id string, salience float64) *QueuedEvent {
	return &QueuedEvent{
		Event:    &types.Event{ID: id, RawText: "text for " + id},
		Salience: &types.SalienceVector{Salience: salience},
	}
}

// TestQueuePriorityOrder tests that pops come out salience-descending
// regardless of push order.
func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue()
	q.Push(queuedWithPriority("mid", 0.5))
	q.Push(queuedWithPriority("low", 0.2))
	q.Push(queuedWithPriority("high", 0.9))

	want := []string{"high", "mid", "low"}
	for _, id := range want {
		item := q.Pop()
		if item == nil || item.Event.ID != id {
			t.Fatalf("Expected %s next, got %+v", id, item)
		}
	}
	if q.Pop() != nil {
		t.Error("Expected nil from empty queue")
	}
}

// TestQueueFIFOTies tests that equal priorities preserve arrival order.
func TestQueueFIFOTies(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push(queuedWithPriority(fmt.Sprintf("ev-%d", i), 0.5))
	}
	for i := 0; i < 5; i++ {
		item := q.Pop()
		want := fmt.Sprintf("ev-%d", i)
		if item.Event.ID != want {
			t.Errorf("Expected %s at position %d, got %s", want, i, item.Event.ID)
		}
	}
}

// TestQueueThreatFallback tests that threat orders events whose overall
// salience was never scored.
func TestQueueThreatFallback(t *testing.T) {
	q := NewQueue()
	q.Push(&QueuedEvent{
		Event:    &types.Event{ID: "threat-only"},
		Salience: &types.SalienceVector{Threat: 0.8},
	})
	q.Push(queuedWithPriority("scored", 0.5))

	if item := q.Pop(); item.Event.ID != "threat-only" {
		t.Errorf("Expected threat fallback to win, got %s", item.Event.ID)
	}
}

// TestQueueNotifyWake tests the worker wake signal: one pending signal,
// no blocking on repeat pushes.
func TestQueueNotifyWake(t *testing.T) {
	q := NewQueue()

	select {
	case <-q.NotifyChannel():
		t.Fatal("Expected no signal before any push")
	default:
	}

	// Multiple pushes collapse into the single buffered signal.
	q.Push(queuedWithPriority("a", 0.5))
	q.Push(queuedWithPriority("b", 0.5))

	select {
	case <-q.NotifyChannel():
	case <-time.After(time.Second):
		t.Fatal("Expected wake signal after push")
	}
	select {
	case <-q.NotifyChannel():
		t.Error("Expected signals to coalesce, got a second one")
	default:
	}
}

// TestQueueRemoveExpired tests the timeout sweep.
func TestQueueRemoveExpired(t *testing.T) {
	q := NewQueue()

	stale := queuedWithPriority("stale", 0.9)
	stale.EnqueuedAt = time.Now().Add(-time.Minute)
	q.Push(stale)
	q.Push(queuedWithPriority("fresh", 0.1))

	expired := q.RemoveExpired(30 * time.Second)
	if len(expired) != 1 || expired[0].Event.ID != "stale" {
		t.Fatalf("Expected only the stale event expired, got %d", len(expired))
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 event remaining, got %d", q.Len())
	}
	if item := q.Pop(); item.Event.ID != "fresh" {
		t.Errorf("Expected fresh event to survive, got %s", item.Event.ID)
	}
}

// TestQueueSnapshot tests the non-destructive priority-sorted listing.
func TestQueueSnapshot(t *testing.T) {
	q := NewQueue()
	q.Push(queuedWithPriority("low", 0.1))
	q.Push(queuedWithPriority("high", 0.9))
	q.Push(queuedWithPriority("mid", 0.5))

	snap := q.Snapshot(2)
	if len(snap) != 2 {
		t.Fatalf("Expected snapshot of 2, got %d", len(snap))
	}
	if snap[0].Event.ID != "high" || snap[1].Event.ID != "mid" {
		t.Errorf("Expected [high mid], got [%s %s]", snap[0].Event.ID, snap[1].Event.ID)
	}
	if q.Len() != 3 {
		t.Errorf("Expected snapshot to leave the queue intact, got len %d", q.Len())
	}
}
