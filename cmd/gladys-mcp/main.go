// gladys-mcp exposes the event loop over MCP stdio so an MCP-capable
// assistant can drive it: inject events, query heuristics, provide
// feedback, and inspect the queue. Thin adapters over the service
// clients; no state of its own.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/gladys/internal/config"
	"github.com/vthunder/gladys/internal/memory"
	"github.com/vthunder/gladys/internal/orchestrator"
	"github.com/vthunder/gladys/internal/types"
)

var (
	orchClient *orchestrator.Client
	memClient  *memory.Client
)

func main() {
	godotenv.Load()
	cfg := config.LoadCLI()
	orchClient = orchestrator.NewClient(cfg.OrchestratorAddress)
	memClient = memory.NewClient(cfg.MemoryAddress)

	s := server.NewMCPServer(
		"gladys-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(ingestEventTool(), handleIngestEvent)
	s.AddTool(queryHeuristicsTool(), handleQueryHeuristics)
	s.AddTool(provideFeedbackTool(), handleProvideFeedback)
	s.AddTool(queueStatsTool(), handleQueueStats)
	s.AddTool(listQueuedTool(), handleListQueued)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func ingestEventTool() mcp.Tool {
	return mcp.NewTool("ingest_event",
		mcp.WithDescription("Inject one event into the orchestrator. Returns the ack: either an immediate heuristic response or confirmation the event was queued for the executive."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Natural-language event content"),
		),
		mcp.WithString("source",
			mcp.Description("Event source identifier (default \"mcp\")"),
		),
		mcp.WithNumber("threat",
			mcp.Description("Explicit threat score 0-1; leave unset for automatic scoring"),
		),
		mcp.WithNumber("salience",
			mcp.Description("Explicit salience score 0-1; leave unset for automatic scoring"),
		),
	)
}

func handleIngestEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	text, _ := args["text"].(string)
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	source, _ := args["source"].(string)
	if source == "" {
		source = "mcp"
	}

	ev := &types.Event{
		Source:    source,
		Type:      "message",
		RawText:   text,
		Timestamp: time.Now(),
	}
	threat, hasThreat := args["threat"].(float64)
	salience, hasSalience := args["salience"].(float64)
	if hasThreat || hasSalience {
		ev.Salience = &types.SalienceVector{Threat: threat, Salience: salience, ModelID: "mcp"}
	}

	ack, err := orchClient.PublishEvent(ctx, ev)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", err)), nil
	}
	return jsonResult(ack)
}

func queryHeuristicsTool() mcp.Tool {
	return mcp.NewTool("query_heuristics",
		mcp.WithDescription("Find heuristics whose conditions match the given text, with similarity and confidence scores."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to match against heuristic conditions"),
		),
		mcp.WithNumber("min_confidence",
			mcp.Description("Confidence floor (default 0)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum matches to return (default 10)"),
		),
	)
}

func handleQueryHeuristics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	text, _ := args["text"].(string)
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	minConfidence, _ := args["min_confidence"].(float64)
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	matches, err := memClient.MatchHeuristics(ctx, text, minConfidence, limit, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("match failed: %v", err)), nil
	}
	if len(matches) == 0 {
		return mcp.NewToolResultText("no matching heuristics"), nil
	}

	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s  sim=%.2f conf=%.2f  %s -> %s\n",
			m.Heuristic.ID, m.Similarity, m.Heuristic.Confidence,
			m.Heuristic.ConditionText, m.Heuristic.Effects.ActionText())
	}
	return mcp.NewToolResultText(b.String()), nil
}

func provideFeedbackTool() mcp.Tool {
	return mcp.NewTool("provide_feedback",
		mcp.WithDescription("Report whether a response was helpful. Positive feedback on an LLM response may create a new heuristic."),
		mcp.WithString("response_id",
			mcp.Required(),
			mcp.Description("The response_id from an ack or response envelope"),
		),
		mcp.WithBoolean("positive",
			mcp.Required(),
			mcp.Description("true if the response was helpful"),
		),
		mcp.WithString("event_id",
			mcp.Description("The event the response answered"),
		),
	)
}

func handleProvideFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	responseID, _ := args["response_id"].(string)
	if responseID == "" {
		return mcp.NewToolResultError("response_id is required"), nil
	}
	positive, ok := args["positive"].(bool)
	if !ok {
		return mcp.NewToolResultError("positive is required"), nil
	}
	eventID, _ := args["event_id"].(string)

	result, err := orchClient.Feedback(ctx, eventID, responseID, positive)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("feedback failed: %v", err)), nil
	}
	return jsonResult(result)
}

func queueStatsTool() mcp.Tool {
	return mcp.NewTool("queue_stats",
		mcp.WithDescription("Show the orchestrator's queue counters: current size, total queued, processed, and timed out."),
	)
}

func handleQueueStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := orchClient.QueueStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
	}
	return jsonResult(stats)
}

func listQueuedTool() mcp.Tool {
	return mcp.NewTool("list_queued",
		mcp.WithDescription("List events waiting for the executive, highest salience first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum events to return (default 20)"),
		),
	)
}

func handleListQueued(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	limit := 20
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	events, total, err := orchClient.ListQueued(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	if len(events) == 0 {
		return mcp.NewToolResultText("queue is empty"), nil
	}

	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "%.2f  %s  %s  %s\n", ev.Salience, ev.EventID, ev.Source, ev.RawText)
	}
	if total > len(events) {
		fmt.Fprintf(&b, "... and %d more\n", total-len(events))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
