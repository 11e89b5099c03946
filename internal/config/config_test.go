package config

import (
	"testing"
	"time"
)

// TestLoadOrchestratorDefaults verifies defaults when no env vars are set.
func TestLoadOrchestratorDefaults(t *testing.T) {
	cfg := LoadOrchestrator()

	if cfg.Port != "8240" {
		t.Errorf("Expected port 8240, got %s", cfg.Port)
	}
	if cfg.HeuristicConfidenceThreshold != 0.7 {
		t.Errorf("Expected heuristic threshold 0.7, got %f", cfg.HeuristicConfidenceThreshold)
	}
	if cfg.EmergencyConfidenceThreshold != 0.95 {
		t.Errorf("Expected emergency confidence 0.95, got %f", cfg.EmergencyConfidenceThreshold)
	}
	if cfg.EmergencyThreatThreshold != 0.9 {
		t.Errorf("Expected emergency threat 0.9, got %f", cfg.EmergencyThreatThreshold)
	}
	if cfg.MaxEvaluationCandidates != 5 {
		t.Errorf("Expected 5 candidates, got %d", cfg.MaxEvaluationCandidates)
	}
	if cfg.EventTimeout != 30*time.Second {
		t.Errorf("Expected 30s event timeout, got %v", cfg.EventTimeout)
	}
	if cfg.TimeoutScanInterval != 2*time.Second {
		t.Errorf("Expected 2s scan interval, got %v", cfg.TimeoutScanInterval)
	}
	if !cfg.OutcomeWatcherEnabled {
		t.Error("Expected outcome watcher enabled by default")
	}
	if cfg.LearningStrategy != "bayesian" {
		t.Errorf("Expected bayesian strategy, got %s", cfg.LearningStrategy)
	}
	if cfg.LearningUndoWindow != 30*time.Second {
		t.Errorf("Expected 30s undo window, got %v", cfg.LearningUndoWindow)
	}
	if cfg.LearningIgnoredThreshold != 3 {
		t.Errorf("Expected ignored threshold 3, got %d", cfg.LearningIgnoredThreshold)
	}
}

// TestLoadOrchestratorOverrides verifies env vars take precedence over defaults.
func TestLoadOrchestratorOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_PORT", "9000")
	t.Setenv("EVENT_TIMEOUT_MS", "5000")
	t.Setenv("OUTCOME_WATCHER_ENABLED", "false")
	t.Setenv("EMERGENCY_THREAT_THRESHOLD", "0.85")

	cfg := LoadOrchestrator()

	if cfg.Port != "9000" {
		t.Errorf("Expected port 9000, got %s", cfg.Port)
	}
	if cfg.EventTimeout != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %v", cfg.EventTimeout)
	}
	if cfg.OutcomeWatcherEnabled {
		t.Error("Expected outcome watcher disabled")
	}
	if cfg.EmergencyThreatThreshold != 0.85 {
		t.Errorf("Expected threat threshold 0.85, got %f", cfg.EmergencyThreatThreshold)
	}
}

// TestSalienceAddressVariable verifies the orchestrator routes salience
// calls to SALIENCE_MEMORY_ADDRESS, and that the salience service's own
// memory backend is configured independently.
func TestSalienceAddressVariable(t *testing.T) {
	t.Setenv("SALIENCE_MEMORY_ADDRESS", "http://salience-host:9999")

	cfg := LoadOrchestrator()
	if cfg.SalienceAddress != "http://salience-host:9999" {
		t.Errorf("Expected salience address http://salience-host:9999, got %s", cfg.SalienceAddress)
	}
	cli := LoadCLI()
	if cli.SalienceAddress != "http://salience-host:9999" {
		t.Errorf("Expected CLI salience address http://salience-host:9999, got %s", cli.SalienceAddress)
	}

	salCfg := LoadSalience()
	if salCfg.MemoryAddress != "http://localhost:8241" {
		t.Errorf("Expected salience memory backend http://localhost:8241, got %s", salCfg.MemoryAddress)
	}
}

// TestUndoKeywordsParsing verifies the comma-separated keyword list is split and trimmed.
func TestUndoKeywordsParsing(t *testing.T) {
	cfg := LoadOrchestrator()

	want := []string{"undo", "revert", "cancel", "rollback", "nevermind", "never mind"}
	if len(cfg.LearningUndoKeywords) != len(want) {
		t.Fatalf("Expected %d keywords, got %d", len(want), len(cfg.LearningUndoKeywords))
	}
	for i, kw := range want {
		if cfg.LearningUndoKeywords[i] != kw {
			t.Errorf("Keyword %d: expected %q, got %q", i, kw, cfg.LearningUndoKeywords[i])
		}
	}

	t.Setenv("LEARNING_UNDO_KEYWORDS", " scrap that , abort ")
	cfg = LoadOrchestrator()
	if len(cfg.LearningUndoKeywords) != 2 {
		t.Fatalf("Expected 2 keywords, got %d", len(cfg.LearningUndoKeywords))
	}
	if cfg.LearningUndoKeywords[0] != "scrap that" || cfg.LearningUndoKeywords[1] != "abort" {
		t.Errorf("Expected trimmed keywords, got %v", cfg.LearningUndoKeywords)
	}
}

// TestLoadMemoryDefaults verifies memory-service defaults.
func TestLoadMemoryDefaults(t *testing.T) {
	cfg := LoadMemory()

	if cfg.Port != "8241" {
		t.Errorf("Expected port 8241, got %s", cfg.Port)
	}
	if cfg.EmbedModel != "all-minilm" {
		t.Errorf("Expected all-minilm, got %s", cfg.EmbedModel)
	}
	if cfg.EmbedDim != 384 {
		t.Errorf("Expected dim 384, got %d", cfg.EmbedDim)
	}
	if cfg.MinMatchSimilarity != 0.7 {
		t.Errorf("Expected min similarity 0.7, got %f", cfg.MinMatchSimilarity)
	}
}

// TestLoadSalienceDefaults verifies salience-service defaults.
func TestLoadSalienceDefaults(t *testing.T) {
	cfg := LoadSalience()

	if cfg.Port != "8242" {
		t.Errorf("Expected port 8242, got %s", cfg.Port)
	}
	if cfg.BaselineNovelty != 0.1 {
		t.Errorf("Expected baseline novelty 0.1, got %f", cfg.BaselineNovelty)
	}
	if cfg.UnmatchedNoveltyBoost != 0.7 {
		t.Errorf("Expected unmatched boost 0.7, got %f", cfg.UnmatchedNoveltyBoost)
	}
	if cfg.CacheMaxEvents != 1000 {
		t.Errorf("Expected 1000 cached events, got %d", cfg.CacheMaxEvents)
	}
	if cfg.CacheMaxHeuristics != 500 {
		t.Errorf("Expected 500 cached heuristics, got %d", cfg.CacheMaxHeuristics)
	}
}

// TestLoadExecutiveDefaults verifies executive-service defaults.
func TestLoadExecutiveDefaults(t *testing.T) {
	cfg := LoadExecutive()

	if cfg.Port != "8243" {
		t.Errorf("Expected port 8243, got %s", cfg.Port)
	}
	if cfg.HeuristicThreshold != 0.7 {
		t.Errorf("Expected heuristic threshold 0.7, got %f", cfg.HeuristicThreshold)
	}
	if cfg.LLMConfidenceCeiling != 0.8 {
		t.Errorf("Expected ceiling 0.8, got %f", cfg.LLMConfidenceCeiling)
	}
	if cfg.TraceRetention != 5*time.Minute {
		t.Errorf("Expected 5m trace retention, got %v", cfg.TraceRetention)
	}
}

// TestInvalidNumericFallsBack verifies malformed numeric values fall back to defaults.
func TestInvalidNumericFallsBack(t *testing.T) {
	t.Setenv("MAX_EVALUATION_CANDIDATES", "lots")
	t.Setenv("HEURISTIC_CONFIDENCE_THRESHOLD", "high")

	cfg := LoadOrchestrator()

	if cfg.MaxEvaluationCandidates != 5 {
		t.Errorf("Expected fallback 5, got %d", cfg.MaxEvaluationCandidates)
	}
	if cfg.HeuristicConfidenceThreshold != 0.7 {
		t.Errorf("Expected fallback 0.7, got %f", cfg.HeuristicConfidenceThreshold)
	}
}
