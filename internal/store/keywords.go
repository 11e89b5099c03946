package store

import (
	"strings"
	"unicode"

	"github.com/tsawler/prose/v3"
)

// stopWords are common words excluded from keyword matching.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"his": true, "had": true, "this": true, "that": true, "with": true,
	"they": true, "been": true, "have": true, "from": true, "will": true,
	"what": true, "when": true, "where": true, "need": true, "fast": true,
}

// extractKeywords pulls content words from event text for keyword matching.
// Tokens under three characters, non-alphanumeric tokens, and stop words
// are dropped; the result is deduplicated in order of first appearance.
func extractKeywords(text string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, tok := range tokenize(text) {
		w := strings.ToLower(tok)
		if len(w) < 3 || !alnumWord(w) || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	return keywords
}

func tokenize(text string) []string {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return strings.Fields(text)
	}
	toks := doc.Tokens()
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Text
	}
	return out
}

func alnumWord(w string) bool {
	for _, r := range w {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return len(w) > 0
}
