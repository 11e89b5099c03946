package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/gladys/internal/logging"
)

// Component states as reported in registry status.
const (
	StateHealthy  = "HEALTHY"
	StateDegraded = "DEGRADED"
)

// Command is an instruction queued for a component, delivered on its next
// heartbeat.
type Command struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Component is one registered sensor or service.
type Component struct {
	ID            string    `json:"component_id"`
	Type          string    `json:"component_type"`
	Address       string    `json:"address,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	State         string    `json:"state"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	pending []Command
}

// ComponentStatus is the wire shape of one registry status row.
type ComponentStatus struct {
	ComponentID string `json:"component_id"`
	State       string `json:"state"`
	Message     string `json:"message,omitempty"`
}

// Registry tracks registered components. Components heartbeat to stay
// HEALTHY and pick up queued commands; a silent component is reported
// DEGRADED after staleAfter.
type Registry struct {
	mu         sync.Mutex
	components map[string]*Component
	staleAfter time.Duration
}

// NewRegistry creates a registry with the given staleness cutoff.
func NewRegistry(staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	return &Registry{
		components: make(map[string]*Component),
		staleAfter: staleAfter,
	}
}

// Register adds a component, assigning an id when the caller left it
// empty. Re-registering an id replaces the previous entry.
func (r *Registry) Register(id, componentType, address string, capabilities []string) string {
	if id == "" {
		id = componentType + "-" + uuid.NewString()[:8]
	}
	now := time.Now()

	r.mu.Lock()
	r.components[id] = &Component{
		ID:            id,
		Type:          componentType,
		Address:       address,
		Capabilities:  capabilities,
		State:         StateHealthy,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.mu.Unlock()

	logging.Info("orchestrator", "component registered: %s (%s) at %s", id, componentType, address)
	return id
}

// Unregister removes a component, reporting whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.components[id]
	delete(r.components, id)
	r.mu.Unlock()
	if ok {
		logging.Info("orchestrator", "component unregistered: %s", id)
	}
	return ok
}

// Heartbeat refreshes a component's liveness and drains its pending
// commands. Returns (commands, found).
func (r *Registry) Heartbeat(id, state string) ([]Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[id]
	if !ok {
		return nil, false
	}
	c.LastHeartbeat = time.Now()
	if state != "" {
		c.State = state
	} else {
		c.State = StateHealthy
	}
	pending := c.pending
	c.pending = nil
	return pending, true
}

// QueueCommand queues a command for delivery on the component's next
// heartbeat. Returns false when the component is unknown.
func (r *Registry) QueueCommand(id string, cmd Command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[id]
	if !ok {
		return false
	}
	c.pending = append(c.pending, cmd)
	return true
}

// Resolve finds a component by id, or by type when id is empty. Type
// lookup returns the most recently heartbeated match.
func (r *Registry) Resolve(id, componentType string) (*Component, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		c, ok := r.components[id]
		if !ok {
			return nil, false
		}
		copied := *c
		return &copied, true
	}

	var best *Component
	for _, c := range r.components {
		if c.Type != componentType {
			continue
		}
		if best == nil || c.LastHeartbeat.After(best.LastHeartbeat) {
			best = c
		}
	}
	if best == nil {
		return nil, false
	}
	copied := *best
	return &copied, true
}

// Status reports every component, marking silent ones DEGRADED.
func (r *Registry) Status() []ComponentStatus {
	cutoff := time.Now().Add(-r.staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ComponentStatus, 0, len(r.components))
	for _, c := range r.components {
		status := ComponentStatus{ComponentID: c.ID, State: c.State}
		if c.LastHeartbeat.Before(cutoff) {
			status.State = StateDegraded
			status.Message = fmt.Sprintf("no heartbeat for %s", time.Since(c.LastHeartbeat).Round(time.Second))
		}
		out = append(out, status)
	}
	return out
}

// Count returns the number of registered components.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.components)
}
