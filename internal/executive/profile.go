package executive

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile shapes the decision strategy: goals are rendered into the LLM
// prompts, and personality biases tune thresholds.
type Profile struct {
	Goals             []string           `yaml:"goals"`
	PersonalityBiases map[string]float64 `yaml:"personality_biases"`
}

// LoadProfile reads a YAML profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &p, nil
}

// Bias returns the named personality bias, or 0 when unset.
func (p *Profile) Bias(name string) float64 {
	if p == nil {
		return 0
	}
	return p.PersonalityBiases[name]
}
