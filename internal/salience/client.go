package salience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vthunder/gladys/internal/httpapi"
	"github.com/vthunder/gladys/internal/types"
)

// Client talks to the salience service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a salience client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Evaluate scores an event. Callers degrade to neutral salience when
// this returns an error or the result carries one.
func (c *Client) Evaluate(ctx context.Context, ev *types.Event) (*EvaluateResult, error) {
	req := evaluateRequest{
		EventID:   ev.ID,
		Source:    ev.Source,
		RawText:   ev.RawText,
		EntityIDs: ev.EntityIDs,
	}
	var result EvaluateResult
	if err := c.post(ctx, "/v1/salience/evaluate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FlushCache drops every cached heuristic, returning the count evicted.
func (c *Client) FlushCache(ctx context.Context) (int, error) {
	var result flushResult
	if err := c.post(ctx, "/v1/cache/flush", struct{}{}, &result); err != nil {
		return 0, err
	}
	return result.EntriesFlushed, nil
}

// EvictHeuristic removes one heuristic from the cache, reporting
// whether it was present.
func (c *Client) EvictHeuristic(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/cache/heuristics/"+id, nil)
	if err != nil {
		return false, err
	}
	var result map[string]bool
	if err := c.do(req, &result); err != nil {
		return false, err
	}
	return result["found"], nil
}

// NotifyChange tells the service a heuristic changed in storage so the
// cached copy is dropped.
func (c *Client) NotifyChange(ctx context.Context, heuristicID, changeType string) error {
	return c.post(ctx, "/v1/cache/notify", notifyRequest{
		HeuristicID: heuristicID,
		ChangeType:  changeType,
	}, nil)
}

// CacheStats returns cache occupancy and hit/miss counters.
func (c *Client) CacheStats(ctx context.Context) (*CacheStatsResult, error) {
	var stats CacheStatsResult
	if err := c.get(ctx, "/v1/cache/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CachedHeuristics lists cache entries, most recently used first.
func (c *Client) CachedHeuristics(ctx context.Context, limit int) ([]CachedInfo, error) {
	path := "/v1/cache/heuristics"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var result listCachedResult
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Heuristics, nil
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
		return fmt.Errorf("salience service unreachable: %w", err)
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
		return fmt.Errorf("salience API error [%s] %s: %s", resp.Status, apiErr.Code, apiErr.Error)
	}
	return fmt.Errorf("salience API error [%s]: %s", resp.Status, strings.TrimSpace(string(body)))
}
