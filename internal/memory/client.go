package memory

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

	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/store"
	"github.com/vthunder/gladys/internal/types"
)

// Client talks to the memory service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a memory client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// StoreEvent persists an episodic event.
func (c *Client) StoreEvent(ctx context.Context, ev *types.EpisodicEvent) error {
	var resp storeResult
	if err := c.post(ctx, "/v1/events", ev, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("store event rejected: %s", resp.Error)
	}
	return nil
}

// EventsByTime retrieves events inside a time window, newest first.
func (c *Client) EventsByTime(ctx context.Context, startMS, endMS int64, source string, limit int) ([]*types.EpisodicEvent, error) {
	q := url.Values{}
	q.Set("start_ms", strconv.FormatInt(startMS, 10))
	q.Set("end_ms", strconv.FormatInt(endMS, 10))
	if source != "" {
		q.Set("source", source)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var events []*types.EpisodicEvent
	err := c.get(ctx, "/v1/events/by-time?"+q.Encode(), &events)
	return events, err
}

// SimilarEvents retrieves events semantically close to the given embedding.
func (c *Client) SimilarEvents(ctx context.Context, emb []float64, threshold float64, hours, limit int) ([]store.SimilarEvent, error) {
	req := similarRequest{Embedding: emb, Threshold: threshold, Hours: hours, Limit: limit}
	var events []store.SimilarEvent
	err := c.post(ctx, "/v1/events/similar", req, &events)
	return events, err
}

// Embed generates an embedding for text via the memory service.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	var resp embedResponse
	if err := c.post(ctx, "/v1/embeddings", embedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// StoreHeuristic persists a heuristic, optionally asking the service to
// generate its condition embedding. Returns the heuristic's ID.
func (c *Client) StoreHeuristic(ctx context.Context, h *types.Heuristic, generateEmbedding bool) (string, error) {
	req := storeHeuristicRequest{Heuristic: h, GenerateEmbedding: generateEmbedding}
	var resp storeHeuristicResponse
	if err := c.post(ctx, "/v1/heuristics", req, &resp); err != nil {
		return "", err
	}
	return resp.HeuristicID, nil
}

// ListHeuristics lists stored heuristics by confidence descending.
func (c *Client) ListHeuristics(ctx context.Context, minConfidence float64, limit int) ([]types.HeuristicMatch, error) {
	q := url.Values{}
	q.Set("min_confidence", strconv.FormatFloat(minConfidence, 'f', -1, 64))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var matches []types.HeuristicMatch
	err := c.get(ctx, "/v1/heuristics?"+q.Encode(), &matches)
	return matches, err
}

// MatchHeuristics finds heuristics whose condition matches the event text.
func (c *Client) MatchHeuristics(ctx context.Context, eventText string, minConfidence float64, limit int, sourceFilter string) ([]types.HeuristicMatch, error) {
	req := matchRequest{
		EventText:     eventText,
		MinConfidence: minConfidence,
		Limit:         limit,
		SourceFilter:  sourceFilter,
	}
	var matches []types.HeuristicMatch
	err := c.post(ctx, "/v1/heuristics/match", req, &matches)
	return matches, err
}

// GetHeuristic retrieves one heuristic by ID. Returns store.ErrNotFound
// when it does not exist.
func (c *Client) GetHeuristic(ctx context.Context, id string) (*types.Heuristic, error) {
	var h types.Heuristic
	if err := c.get(ctx, "/v1/heuristics/"+url.PathEscape(id), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// UpdateConfidence applies one feedback signal to a heuristic.
func (c *Client) UpdateConfidence(ctx context.Context, id string, positive bool, feedbackSource string) (*ConfidenceResult, error) {
	req := confidenceRequest{Positive: &positive, FeedbackSource: feedbackSource}
	var resp ConfidenceResult
	err := c.post(ctx, "/v1/heuristics/"+url.PathEscape(id)+"/confidence", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordFire logs that a heuristic fired on an event. Returns the fire ID.
func (c *Client) RecordFire(ctx context.Context, heuristicID, eventID, episodicEventID string) (string, error) {
	req := fireRequest{HeuristicID: heuristicID, EventID: eventID, EpisodicEventID: episodicEventID}
	var resp map[string]string
	if err := c.post(ctx, "/v1/fires", req, &resp); err != nil {
		return "", err
	}
	return resp["fire_id"], nil
}

// UpdateFireOutcome resolves a fire record directly.
func (c *Client) UpdateFireOutcome(ctx context.Context, fireID string, outcome types.FireOutcome, feedbackSource string) (bool, error) {
	req := fireOutcomeRequest{Outcome: string(outcome), FeedbackSource: feedbackSource}
	var resp map[string]bool
	if err := c.post(ctx, "/v1/fires/"+url.PathEscape(fireID)+"/outcome", req, &resp); err != nil {
		return false, err
	}
	return resp["found"], nil
}

// PendingFires lists fires still awaiting feedback.
func (c *Client) PendingFires(ctx context.Context, heuristicID string, maxAgeSec int) ([]*types.HeuristicFire, error) {
	q := url.Values{}
	if heuristicID != "" {
		q.Set("heuristic_id", heuristicID)
	}
	if maxAgeSec > 0 {
		q.Set("max_age_sec", strconv.Itoa(maxAgeSec))
	}

	var fires []*types.HeuristicFire
	err := c.get(ctx, "/v1/fires/pending?"+q.Encode(), &fires)
	return fires, err
}

// Entities lists extracted entities by mention count.
func (c *Client) Entities(ctx context.Context, entityType string, limit int) ([]*store.Entity, error) {
	q := url.Values{}
	if entityType != "" {
		q.Set("type", entityType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var entities []*store.Entity
	err := c.get(ctx, "/v1/entities?"+q.Encode(), &entities)
	return entities, err
}

// Stats returns table row counts.
func (c *Client) Stats(ctx context.Context) (map[string]int, error) {
	var stats map[string]int
	err := c.get(ctx, "/v1/stats", &stats)
	return stats, err
}

// Reset wipes all stored memory.
func (c *Client) Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/memory/reset", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
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
		return fmt.Errorf("memory service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return store.ErrNotFound
	}
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
		return fmt.Errorf("memory API error [%s] %s: %s", resp.Status, apiErr.Code, apiErr.Error)
	}
	return fmt.Errorf("memory API error [%s]: %s", resp.Status, strings.TrimSpace(string(body)))
}
