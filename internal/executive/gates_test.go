package executive

import (
	"strings"
	"testing"
)

func validExtraction() *ExtractedHeuristic {
	h := &ExtractedHeuristic{
		Condition: "the kitchen oven timer goes off and nobody has responded to it yet",
	}
	h.Action.Type = "suggest"
	h.Action.Message = "Check the oven and turn it off if the food is done cooking"
	return h
}

// TestQualityGateAcceptsValidExtraction tests the happy path through the
// gate.
func TestQualityGateAcceptsValidExtraction(t *testing.T) {
	if err := qualityGate(validExtraction()); err != nil {
		t.Errorf("Expected valid extraction to pass, got %v", err)
	}
}

// TestQualityGateRejections tests each structural rule with the error
// text feedback responses surface.
func TestQualityGateRejections(t *testing.T) {
	longText := strings.Repeat("word ", 60)

	tests := []struct {
		name    string
		mutate  func(*ExtractedHeuristic)
		wantMsg string
	}{
		{"short condition", func(h *ExtractedHeuristic) { h.Condition = "oven on" }, "too short"},
		{"long condition", func(h *ExtractedHeuristic) { h.Condition = longText }, "too long"},
		{"bad action type", func(h *ExtractedHeuristic) { h.Action.Type = "execute" }, "not in {suggest, remind, warn}"},
		{"short message", func(h *ExtractedHeuristic) { h.Action.Message = "turn it off" }, "too short"},
		{"long message", func(h *ExtractedHeuristic) { h.Action.Message = longText }, "too long"},
		{"missing condition", func(h *ExtractedHeuristic) { h.Condition = "" }, "missing"},
		{"missing message", func(h *ExtractedHeuristic) { h.Action.Message = "" }, "missing"},
	}
	for _, tt := range tests {
		h := validExtraction()
		tt.mutate(h)
		err := qualityGate(h)
		if err == nil {
			t.Errorf("%s: Expected rejection, got nil", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantMsg) {
			t.Errorf("%s: Expected error mentioning %q, got %q", tt.name, tt.wantMsg, err.Error())
		}
	}
}

// TestParseExtractionToleratesFences tests stripping of code fences and
// prose around the JSON payload.
func TestParseExtractionToleratesFences(t *testing.T) {
	raw := "Here is the rule:\n```json\n" +
		`{"condition": "something happened", "action": {"type": "warn", "message": "do something"}}` +
		"\n```\nHope that helps!"

	h, err := parseExtraction(raw)
	if err != nil {
		t.Fatalf("Expected parse to succeed, got %v", err)
	}
	if h.Condition != "something happened" || h.Action.Type != "warn" {
		t.Errorf("Expected fields parsed, got %+v", h)
	}

	if _, err := parseExtraction("I could not find a pattern."); err == nil {
		t.Error("Expected error for non-JSON output, got nil")
	}
}

// TestWordCount tests the boundary arithmetic the gate relies on.
func TestWordCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"  spaced   out   words  ", 3},
		{strings.Repeat("w ", 50), 50},
	}
	for _, tt := range tests {
		if got := wordCount(tt.text); got != tt.want {
			t.Errorf("wordCount(%q): Expected %d, got %d", tt.text, tt.want, got)
		}
	}
}
