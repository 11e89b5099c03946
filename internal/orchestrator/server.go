package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/types"
)

// Server exposes the orchestrator's HTTP and WebSocket surface.
type Server struct {
	router   *Router
	registry *Registry
	health   *httpapi.HealthTracker
	upgrader websocket.Upgrader
}

// NewServer wraps a router and registry with the wire surface.
func NewServer(router *Router, registry *Registry) *Server {
	return &Server{
		router:   router,
		registry: registry,
		health:   httpapi.NewHealthTracker(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Sensors connect from anywhere on the local deployment.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the HTTP mux for the service.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/details", s.handleHealthDetails)

	mux.HandleFunc("POST /v1/events", s.handleIngest)
	mux.HandleFunc("GET /v1/events/publish", s.handlePublishStream)
	mux.HandleFunc("GET /v1/events/subscribe", s.handleEventSubscribe)
	mux.HandleFunc("GET /v1/responses/subscribe", s.handleResponseSubscribe)

	mux.HandleFunc("GET /v1/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /v1/queue/events", s.handleQueueEvents)

	mux.HandleFunc("POST /v1/feedback", s.handleFeedback)

	mux.HandleFunc("POST /v1/components/register", s.handleRegister)
	mux.HandleFunc("POST /v1/components/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /v1/components/{id}", s.handleUnregister)
	mux.HandleFunc("GET /v1/components", s.handleComponents)
	mux.HandleFunc("GET /v1/components/resolve", s.handleResolve)

	return mux
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	traceID := httpapi.Trace(w, r)

	var ev types.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid event JSON: %v", err)
		return
	}

	ack := s.router.Ingest(httpapi.WithTrace(r.Context(), traceID), &ev)
	if !ack.Accepted {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "%s", ack.ErrorMessage)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, ack)
}

// handlePublishStream is the sensor-facing WebSocket: event frames in,
// ack frames out, strictly in order. A malformed frame acks negatively
// and the stream continues.
func (s *Server) handlePublishStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("orchestrator", "publish upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ev types.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			ack := &EventAck{Accepted: false, ErrorMessage: "invalid event JSON: " + err.Error()}
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
			continue
		}

		ack := s.router.Ingest(r.Context(), &ev)
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}

func (s *Server) handleEventSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("subscriber_id")
	if id == "" {
		id = "sub-" + uuid.NewString()[:8]
	}
	sources := splitSources(r.URL.Query().Get("sources"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("orchestrator", "subscribe upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.router.Hub().SubscribeEvents(id, sources)
	defer s.router.Hub().UnsubscribeEvents(id)

	// Reader goroutine notices the peer hanging up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleResponseSubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("subscriber_id")
	if id == "" {
		id = "sub-" + uuid.NewString()[:8]
	}
	sources := splitSources(q.Get("sources"))
	includeImmediate, _ := strconv.ParseBool(q.Get("include_immediate"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("orchestrator", "subscribe upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.router.Hub().SubscribeResponses(id, sources, includeImmediate)
	defer s.router.Hub().UnsubscribeResponses(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case resp, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, s.router.Stats())
}

// QueuedEventInfo is one row of the queue listing.
type QueuedEventInfo struct {
	EventID             string  `json:"event_id"`
	Source              string  `json:"source"`
	EventType           string  `json:"event_type,omitempty"`
	Salience            float64 `json:"salience"`
	EnqueueTimeMS       int64   `json:"enqueue_time_ms"`
	AgeMS               int64   `json:"age_ms"`
	MatchedHeuristicID  string  `json:"matched_heuristic_id,omitempty"`
	HeuristicConfidence float64 `json:"heuristic_confidence,omitempty"`
	RawText             string  `json:"raw_text"`
}

func (s *Server) handleQueueEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	queue := s.router.Queue()
	items := queue.Snapshot(limit)
	infos := make([]QueuedEventInfo, 0, len(items))
	now := time.Now()
	for _, item := range items {
		info := QueuedEventInfo{
			EventID:       item.Event.ID,
			Source:        item.Event.Source,
			EventType:     item.Event.Type,
			Salience:      item.Priority(),
			EnqueueTimeMS: item.EnqueuedAt.UnixMilli(),
			AgeMS:         now.Sub(item.EnqueuedAt).Milliseconds(),
			RawText:       logging.Truncate(item.Event.RawText, 200),
		}
		if item.Suggestion != nil {
			info.MatchedHeuristicID = item.Suggestion.HeuristicID
			info.HeuristicConfidence = item.Suggestion.Confidence
		}
		infos = append(infos, info)
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"events":      infos,
		"total_count": queue.Len(),
	})
}

type feedbackRequest struct {
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id"`
	Positive   *bool  `json:"positive"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	traceID := httpapi.Trace(w, r)

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.ResponseID == "" || req.Positive == nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "response_id and positive are required")
		return
	}

	result := s.router.Feedback(httpapi.WithTrace(r.Context(), traceID), req.EventID, req.ResponseID, *req.Positive)
	httpapi.WriteJSON(w, http.StatusOK, result)
}

type registerRequest struct {
	ComponentID   string   `json:"component_id,omitempty"`
	ComponentType string   `json:"component_type"`
	Address       string   `json:"address,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}
	if req.ComponentType == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "component_type is required")
		return
	}

	id := s.registry.Register(req.ComponentID, req.ComponentType, req.Address, req.Capabilities)
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"assigned_id": id,
	})
}

type heartbeatRequest struct {
	ComponentID string         `json:"component_id"`
	State       string         `json:"state,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidArgument, "invalid request JSON: %v", err)
		return
	}

	commands, found := s.registry.Heartbeat(req.ComponentID, req.State)
	if !found {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "component %s not registered", req.ComponentID)
		return
	}
	if commands == nil {
		commands = []Command{}
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"acknowledged":     true,
		"pending_commands": commands,
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"success": s.registry.Unregister(id),
	})
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"components": s.registry.Status(),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, found := s.registry.Resolve(q.Get("component_id"), q.Get("component_type"))
	if !found {
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"found":        true,
		"address":      c.Address,
		"capabilities": c.Capabilities,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, httpapi.Health{
		Status:  "healthy",
		Message: "orchestrator operational",
	})
}

func (s *Server) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	rt := s.router
	httpapi.WriteJSON(w, http.StatusOK, s.health.Details("healthy", map[string]any{
		"queued_events":         rt.Queue().Len(),
		"registered_components": s.registry.Count(),
		"dropped_frames":        rt.Hub().Dropped(),
		"salience_connected":    connected(r.Context(), rt.salience),
		"memory_connected":      connected(r.Context(), rt.memory),
		"executive_connected":   connected(r.Context(), rt.executive),
	}))
}

// connected probes a dependency that exposes the client Healthy check.
// Stub implementations in tests simply don't, and report false.
func connected(ctx context.Context, dep any) bool {
	if h, ok := dep.(interface{ Healthy(ctx context.Context) bool }); ok {
		return h.Healthy(ctx)
	}
	return false
}

// splitSources parses the comma-separated sources filter.
func splitSources(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
