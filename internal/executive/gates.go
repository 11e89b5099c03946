package executive

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vthunder/gladys/internal/types"
)

// Word-count bounds for extracted heuristics. A condition shorter than
// this is too specific to generalize; longer ones ramble.
const (
	minGateWords = 10
	maxGateWords = 50
)

// dedupSimilarity is the similarity above which a new heuristic counts
// as a near-duplicate of an existing one.
const dedupSimilarity = 0.9

// ExtractedHeuristic is the strict JSON shape the extraction prompt
// elicits from the backend.
type ExtractedHeuristic struct {
	Condition string `json:"condition"`
	Action    struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"action"`
}

// parseExtraction decodes the backend's extraction output, tolerating
// code fences and surrounding prose.
func parseExtraction(raw string) (*ExtractedHeuristic, error) {
	var h ExtractedHeuristic
	if err := json.Unmarshal([]byte(extractJSON(raw)), &h); err != nil {
		return nil, fmt.Errorf("extraction is not valid JSON: %w", err)
	}
	return &h, nil
}

// qualityGate enforces the structural constraints a newly extracted
// heuristic must satisfy. The returned error text is user-facing: it is
// the error_message on the feedback response.
func qualityGate(h *ExtractedHeuristic) error {
	if h == nil || h.Condition == "" || h.Action.Message == "" {
		return fmt.Errorf("extraction missing condition or action")
	}

	if n := wordCount(h.Condition); n < minGateWords {
		return fmt.Errorf("condition too short (%d words, need %d-%d)", n, minGateWords, maxGateWords)
	} else if n > maxGateWords {
		return fmt.Errorf("condition too long (%d words, need %d-%d)", n, minGateWords, maxGateWords)
	}

	if !types.ValidActionType(h.Action.Type) {
		return fmt.Errorf("action type %q not in {suggest, remind, warn}", h.Action.Type)
	}

	if n := wordCount(h.Action.Message); n < minGateWords {
		return fmt.Errorf("action message too short (%d words, need %d-%d)", n, minGateWords, maxGateWords)
	} else if n > maxGateWords {
		return fmt.Errorf("action message too long (%d words, need %d-%d)", n, minGateWords, maxGateWords)
	}

	return nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// extractionPrompt asks the backend to generalize a successful exchange
// into a reusable rule.
func extractionPrompt(trace *ReasoningTrace) string {
	var b strings.Builder
	b.WriteString("A user confirmed this assistant response was helpful.\n\n")
	fmt.Fprintf(&b, "Situation:\n%s\n\nResponse:\n%s\n\n", trace.Context, trace.Response)
	b.WriteString("Extract a generalizable rule from this exchange. The condition must describe ")
	fmt.Fprintf(&b, "the situation in %d-%d words; the message must be %d-%d words. ", minGateWords, maxGateWords, minGateWords, maxGateWords)
	b.WriteString("Answer with only strict JSON in this exact shape:\n")
	b.WriteString(`{"condition": "...", "action": {"type": "suggest|remind|warn", "message": "..."}}`)
	return b.String()
}
