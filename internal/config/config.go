// Package config loads per-service configuration from environment variables.
//
// Each service (orchestrator, memory, salience, executive) has its own struct
// and loader so a process only reads the variables it actually uses. Callers
// are expected to run godotenv.Load() before calling a loader.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Orchestrator holds configuration for the orchestrator service.
type Orchestrator struct {
	Port             string // HTTP port (default "8240")
	SalienceAddress  string // salience service base URL
	MemoryAddress    string // memory service base URL
	ExecutiveAddress string // executive service base URL

	MomentWindow          time.Duration // legacy moment batching window, unused by routing
	HighSalienceThreshold float64       // retained for compatibility with older deployments

	HeuristicConfidenceThreshold float64 // min confidence for a match to pre-select a heuristic
	EmergencyConfidenceThreshold float64 // fast-path gate: heuristic confidence
	EmergencyThreatThreshold     float64 // fast-path gate: event threat
	MaxEvaluationCandidates      int     // similar-response candidates passed to the executive

	EventTimeout        time.Duration // queued event expiry
	TimeoutScanInterval time.Duration // how often the queue is scanned for expired events

	OutcomeWatcherEnabled  bool
	OutcomeCleanupInterval time.Duration
	OutcomeTimeout         time.Duration
	OutcomePatternsJSON    string // inline JSON pattern list
	OutcomePatternsFile    string // YAML pattern file; takes precedence when set

	LearningStrategy          string
	LearningUndoWindow        time.Duration
	LearningIgnoredThreshold  int
	LearningUndoKeywords      []string
	LearningImplicitMagnitude float64
	LearningExplicitMagnitude float64

	DiscordToken     string
	DiscordChannelID string
	DiscordOwnerID   string
}

// Memory holds configuration for the memory service.
type Memory struct {
	Port      string // HTTP port (default "8241")
	DataDir   string // directory for the sqlite database
	OllamaURL string // Ollama API base URL

	EmbedModel string // Ollama embedding model
	EmbedDim   int    // embedding dimensionality
	GenModel   string // Ollama generation model

	MinMatchSimilarity float64 // default similarity floor for heuristic matching
}

// Salience holds configuration for the salience service.
type Salience struct {
	Port          string // HTTP port (default "8242")
	MemoryAddress string // memory service base URL (matching + storage)

	Scorer                string  // scorer implementation ("embedding")
	BaselineNovelty       float64 // novelty assigned before matching
	UnmatchedNoveltyBoost float64 // novelty floor when nothing matches
	MinSimilarity         float64 // match gate for scoring
	MinConfidence         float64 // confidence gate for scoring
	NoveltyThreshold      float64 // event similarity above this means "seen before"

	CacheMaxEvents     int
	CacheMaxHeuristics int
	HeuristicTTL       time.Duration // cached heuristic staleness cutoff, 0 disables
}

// Executive holds configuration for the executive service.
type Executive struct {
	Port          string // HTTP port (default "8243")
	MemoryAddress string // memory service base URL
	OllamaURL     string // Ollama API base URL
	GenModel      string // Ollama generation model

	HeuristicThreshold   float64 // decision gate: use heuristic without LLM at/above this
	LLMConfidenceCeiling float64 // cap applied to LLM-reported confidences

	ProfileFile    string        // optional YAML file with goals + personality biases
	TraceRetention time.Duration // how long reasoning traces are kept
}

// CLI holds target addresses for command-line tools and sensors.
type CLI struct {
	OrchestratorAddress string
	MemoryAddress       string
	SalienceAddress     string
	ExecutiveAddress    string
}

// LoadOrchestrator reads orchestrator configuration from the environment.
func LoadOrchestrator() Orchestrator {
	return Orchestrator{
		Port:             envOr("ORCHESTRATOR_PORT", "8240"),
		SalienceAddress:  envOr("SALIENCE_MEMORY_ADDRESS", "http://localhost:8242"),
		MemoryAddress:    envOr("MEMORY_STORAGE_ADDRESS", "http://localhost:8241"),
		ExecutiveAddress: envOr("EXECUTIVE_ADDRESS", "http://localhost:8243"),

		MomentWindow:          envDurationMS("MOMENT_WINDOW_MS", 100),
		HighSalienceThreshold: envFloat("HIGH_SALIENCE_THRESHOLD", 0.7),

		HeuristicConfidenceThreshold: envFloat("HEURISTIC_CONFIDENCE_THRESHOLD", 0.7),
		EmergencyConfidenceThreshold: envFloat("EMERGENCY_CONFIDENCE_THRESHOLD", 0.95),
		EmergencyThreatThreshold:     envFloat("EMERGENCY_THREAT_THRESHOLD", 0.9),
		MaxEvaluationCandidates:      envInt("MAX_EVALUATION_CANDIDATES", 5),

		EventTimeout:        envDurationMS("EVENT_TIMEOUT_MS", 30000),
		TimeoutScanInterval: envDurationMS("TIMEOUT_SCAN_INTERVAL_MS", 2000),

		OutcomeWatcherEnabled:  envBool("OUTCOME_WATCHER_ENABLED", true),
		OutcomeCleanupInterval: envDurationSec("OUTCOME_CLEANUP_INTERVAL_SEC", 30),
		OutcomeTimeout:         envDurationSec("OUTCOME_TIMEOUT_SEC", 120),
		OutcomePatternsJSON:    envOr("OUTCOME_PATTERNS_JSON", "[]"),
		OutcomePatternsFile:    os.Getenv("OUTCOME_PATTERNS_FILE"),

		LearningStrategy:          envOr("LEARNING_STRATEGY", "bayesian"),
		LearningUndoWindow:        envDurationSec("LEARNING_UNDO_WINDOW_SEC", 30),
		LearningIgnoredThreshold:  envInt("LEARNING_IGNORED_THRESHOLD", 3),
		LearningUndoKeywords:      envList("LEARNING_UNDO_KEYWORDS", "undo,revert,cancel,rollback,nevermind,never mind"),
		LearningImplicitMagnitude: envFloat("LEARNING_IMPLICIT_MAGNITUDE", 1.0),
		LearningExplicitMagnitude: envFloat("LEARNING_EXPLICIT_MAGNITUDE", 0.8),

		DiscordToken:     os.Getenv("DISCORD_TOKEN"),
		DiscordChannelID: os.Getenv("DISCORD_CHANNEL_ID"),
		DiscordOwnerID:   os.Getenv("DISCORD_OWNER_ID"),
	}
}

// LoadMemory reads memory-service configuration from the environment.
func LoadMemory() Memory {
	return Memory{
		Port:      envOr("MEMORY_PORT", "8241"),
		DataDir:   envOr("MEMORY_DATA_DIR", "./data"),
		OllamaURL: envOr("OLLAMA_URL", "http://localhost:11434"),

		EmbedModel: envOr("EMBEDDING_MODEL_NAME", "all-minilm"),
		EmbedDim:   envInt("EMBEDDING_DIM", 384),
		GenModel:   envOr("OLLAMA_GEN_MODEL", "llama3.2"),

		MinMatchSimilarity: envFloat("MIN_MATCH_SIMILARITY", 0.7),
	}
}

// LoadSalience reads salience-service configuration from the environment.
func LoadSalience() Salience {
	return Salience{
		Port:          envOr("SALIENCE_PORT", "8242"),
		MemoryAddress: envOr("MEMORY_STORAGE_ADDRESS", "http://localhost:8241"),

		Scorer:                envOr("SALIENCE_SCORER", "embedding"),
		BaselineNovelty:       envFloat("SALIENCE_BASELINE_NOVELTY", 0.1),
		UnmatchedNoveltyBoost: envFloat("SALIENCE_UNMATCHED_NOVELTY_BOOST", 0.7),
		MinSimilarity:         envFloat("SALIENCE_MIN_SIMILARITY", 0.7),
		MinConfidence:         envFloat("SALIENCE_MIN_CONFIDENCE", 0.5),
		NoveltyThreshold:      envFloat("SALIENCE_NOVELTY_THRESHOLD", 0.9),

		CacheMaxEvents:     envInt("SALIENCE_CACHE_MAX_EVENTS", 1000),
		CacheMaxHeuristics: envInt("SALIENCE_CACHE_MAX_HEURISTICS", 500),
		HeuristicTTL:       envDurationMS("SALIENCE_HEURISTIC_TTL_MS", 300000),
	}
}

// LoadExecutive reads executive-service configuration from the environment.
func LoadExecutive() Executive {
	return Executive{
		Port:          envOr("EXECUTIVE_PORT", "8243"),
		MemoryAddress: envOr("MEMORY_STORAGE_ADDRESS", "http://localhost:8241"),
		OllamaURL:     envOr("OLLAMA_URL", "http://localhost:11434"),
		GenModel:      envOr("OLLAMA_GEN_MODEL", "llama3.2"),

		HeuristicThreshold:   envFloat("EXECUTIVE_HEURISTIC_THRESHOLD", 0.7),
		LLMConfidenceCeiling: envFloat("LLM_CONFIDENCE_CEILING", 0.8),

		ProfileFile:    os.Getenv("EXECUTIVE_PROFILE"),
		TraceRetention: envDurationSec("TRACE_RETENTION_SEC", 300),
	}
}

// LoadCLI reads tool target addresses from the environment.
func LoadCLI() CLI {
	return CLI{
		OrchestratorAddress: envOr("ORCHESTRATOR_ADDRESS", "http://localhost:8240"),
		MemoryAddress:       envOr("MEMORY_STORAGE_ADDRESS", "http://localhost:8241"),
		SalienceAddress:     envOr("SALIENCE_MEMORY_ADDRESS", "http://localhost:8242"),
		ExecutiveAddress:    envOr("EXECUTIVE_ADDRESS", "http://localhost:8243"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationMS(key string, fallbackMS int) time.Duration {
	return time.Duration(envInt(key, fallbackMS)) * time.Millisecond
}

func envDurationSec(key string, fallbackSec int) time.Duration {
	return time.Duration(envInt(key, fallbackSec)) * time.Second
}

func envList(key, fallback string) []string {
	raw := envOr(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
