package outcome

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pattern links a heuristic (by a substring of its condition) to the
// follow-up event text that settles its outcome. OutcomePattern is a
// plain substring unless it compiles as a regular expression containing
// meta characters.
type Pattern struct {
	TriggerPattern string `json:"trigger_pattern" yaml:"trigger_pattern"`
	OutcomePattern string `json:"outcome_pattern" yaml:"outcome_pattern"`
	TimeoutSec     int    `json:"timeout_sec" yaml:"timeout_sec"`
	IsSuccess      bool   `json:"is_success" yaml:"is_success"`

	re *regexp.Regexp
}

// Matches reports whether the event text settles this pattern.
func (p Pattern) Matches(text string) bool {
	if p.OutcomePattern == "" {
		return false
	}
	if p.re != nil {
		return p.re.MatchString(text)
	}
	return containsFold(text, p.OutcomePattern)
}

// compile prepares the regexp form when the outcome pattern uses meta
// characters; plain strings stay on the cheaper substring path.
func (p *Pattern) compile() {
	if !strings.ContainsAny(p.OutcomePattern, `\.+*?()[]{}^$|`) {
		return
	}
	if re, err := regexp.Compile("(?i)" + p.OutcomePattern); err == nil {
		p.re = re
	}
}

// ParsePatternsJSON decodes the OUTCOME_PATTERNS_JSON config value.
func ParsePatternsJSON(raw string) ([]Pattern, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var patterns []Pattern
	if err := json.Unmarshal([]byte(raw), &patterns); err != nil {
		return nil, fmt.Errorf("invalid outcome patterns JSON: %w", err)
	}
	for i := range patterns {
		patterns[i].compile()
	}
	return patterns, nil
}

// LoadPatternsFile reads a YAML pattern file (a list of patterns under a
// top-level "patterns" key).
func LoadPatternsFile(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read outcome patterns: %w", err)
	}

	var doc struct {
		Patterns []Pattern `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse outcome patterns: %w", err)
	}
	for i := range doc.Patterns {
		doc.Patterns[i].compile()
	}
	return doc.Patterns, nil
}
