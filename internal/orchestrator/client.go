package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vthunder/gladys/internal/executive"
	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/types"
)

// Client talks to the orchestrator over HTTP. Sensors and the CLI use it.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an orchestrator client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// PublishEvent ingests one event and returns its ack.
func (c *Client) PublishEvent(ctx context.Context, ev *types.Event) (*EventAck, error) {
	var ack EventAck
	if err := c.post(ctx, "/v1/events", ev, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// QueueStats returns the queue counters.
func (c *Client) QueueStats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	if err := c.get(ctx, "/v1/queue/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListQueued returns up to limit queued events, priority-descending.
func (c *Client) ListQueued(ctx context.Context, limit int) ([]QueuedEventInfo, int, error) {
	path := "/v1/queue/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var result struct {
		Events     []QueuedEventInfo `json:"events"`
		TotalCount int               `json:"total_count"`
	}
	if err := c.get(ctx, path, &result); err != nil {
		return nil, 0, err
	}
	return result.Events, result.TotalCount, nil
}

// Feedback reports explicit user feedback on a response.
func (c *Client) Feedback(ctx context.Context, eventID, responseID string, positive bool) (*executive.FeedbackResult, error) {
	req := feedbackRequest{
		EventID:    eventID,
		ResponseID: responseID,
		Positive:   &positive,
	}
	var result executive.FeedbackResult
	if err := c.post(ctx, "/v1/feedback", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RegisterComponent registers a sensor or service with the orchestrator,
// returning the assigned component id.
func (c *Client) RegisterComponent(ctx context.Context, id, componentType, address string, capabilities []string) (string, error) {
	req := registerRequest{
		ComponentID:   id,
		ComponentType: componentType,
		Address:       address,
		Capabilities:  capabilities,
	}
	var result struct {
		Success    bool   `json:"success"`
		AssignedID string `json:"assigned_id"`
	}
	if err := c.post(ctx, "/v1/components/register", req, &result); err != nil {
		return "", err
	}
	return result.AssignedID, nil
}

// Heartbeat refreshes a component registration and returns any pending
// commands.
func (c *Client) Heartbeat(ctx context.Context, componentID, state string) ([]Command, error) {
	req := heartbeatRequest{ComponentID: componentID, State: state}
	var result struct {
		Acknowledged    bool      `json:"acknowledged"`
		PendingCommands []Command `json:"pending_commands"`
	}
	if err := c.post(ctx, "/v1/components/heartbeat", req, &result); err != nil {
		return nil, err
	}
	return result.PendingCommands, nil
}

// WatchResponses attaches a response subscriber over WebSocket and calls
// fn for every envelope until ctx is cancelled or the stream breaks.
func (c *Client) WatchResponses(ctx context.Context, subscriberID string, sources []string, includeImmediate bool, fn func(*types.Response)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/responses/subscribe"
	q := u.Query()
	if subscriberID != "" {
		q.Set("subscriber_id", subscriberID)
	}
	if len(sources) > 0 {
		q.Set("sources", strings.Join(sources, ","))
	}
	q.Set("include_immediate", strconv.FormatBool(includeImmediate))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("orchestrator stream unreachable: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var resp types.Response
		if err := conn.ReadJSON(&resp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(&resp)
	}
}

// Healthy reports whether the service answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	var h httpapi.Health
	return c.get(ctx, "/health", &h) == nil && h.Status == "healthy"
}

// HealthDetails returns the detailed health snapshot.
func (c *Client) HealthDetails(ctx context.Context) (*httpapi.DetailedHealth, error) {
	var h httpapi.DetailedHealth
	if err := c.get(ctx, "/health/details", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if trace := httpapi.TraceFrom(req.Context()); trace != "" {
		req.Header.Set(httpapi.TraceHeader, trace)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr httpapi.ErrorBody
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("orchestrator API error [%s] %s: %s", resp.Status, apiErr.Code, apiErr.Error)
	}
	return fmt.Errorf("orchestrator API error [%s]: %s", resp.Status, strings.TrimSpace(string(body)))
}
