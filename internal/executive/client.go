package executive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/types"
)

// Client talks to the executive service over HTTP. LLM calls can be
// slow, so the timeout is generous.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an executive client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 180 * time.Second},
	}
}

// ProcessEvent asks the executive to decide on an event.
func (c *Client) ProcessEvent(ctx context.Context, ev *types.Event, immediate bool, suggestion *types.HeuristicSuggestion, candidates []types.HeuristicSuggestion) (*ProcessResult, error) {
	req := ProcessRequest{
		Event:      ev,
		Immediate:  immediate,
		Suggestion: suggestion,
		Candidates: candidates,
	}
	var result ProcessResult
	if err := c.post(ctx, "/v1/events/process", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProvideFeedback reports explicit user feedback on a response.
func (c *Client) ProvideFeedback(ctx context.Context, eventID, responseID string, positive bool) (*FeedbackResult, error) {
	req := FeedbackRequest{
		EventID:    eventID,
		ResponseID: responseID,
		Positive:   &positive,
	}
	var result FeedbackResult
	if err := c.post(ctx, "/v1/feedback", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
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
		return fmt.Errorf("executive service unreachable: %w", err)
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
		return fmt.Errorf("executive API error [%s] %s: %s", resp.Status, apiErr.Code, apiErr.Error)
	}
	return fmt.Errorf("executive API error [%s]: %s", resp.Status, strings.TrimSpace(string(body)))
}
