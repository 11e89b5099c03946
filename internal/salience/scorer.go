package salience

import (
	"context"
	"fmt"

	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/types"
)

// Storage is the slice of the memory service the scorer depends on:
// embedding generation and stored-heuristic matching.
type Storage interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	MatchHeuristics(ctx context.Context, eventText string, minConfidence float64, limit int, sourceFilter string) ([]types.HeuristicMatch, error)
}

// ScoreResult is a scorer's verdict for one event.
type ScoreResult struct {
	Matches   []types.HeuristicMatch
	FromCache bool      // matches were served from the local cache
	Embedding []float64 // event embedding, when one was produced
}

// Scorer ranks stored heuristics against event text.
type Scorer interface {
	Score(ctx context.Context, eventText, source string) (*ScoreResult, error)
	Config() map[string]any
}

// NewScorer builds the configured scorer implementation.
func NewScorer(name string, cache *Cache, storage Storage, minSim, minConf float64) (Scorer, error) {
	switch name {
	case "", "embedding":
		return NewEmbeddingScorer(cache, storage, minSim, minConf), nil
	}
	return nil, fmt.Errorf("unknown scorer implementation %q", name)
}

const (
	cacheMatchLimit   = 5
	storageMatchLimit = 10
)

// EmbeddingScorer matches events to heuristics by cosine similarity of
// embeddings. It checks the local cache first and falls back to the
// memory service, warming the cache with whatever storage returns.
type EmbeddingScorer struct {
	cache   *Cache
	storage Storage
	minSim  float64
	minConf float64
}

// NewEmbeddingScorer creates a scorer over the given cache and storage.
func NewEmbeddingScorer(cache *Cache, storage Storage, minSim, minConf float64) *EmbeddingScorer {
	return &EmbeddingScorer{cache: cache, storage: storage, minSim: minSim, minConf: minConf}
}

// Score embeds the event text, matches against the local cache, and on
// a miss queries storage. Embedding failure degrades to a keyword-only
// storage query rather than failing the evaluation.
func (s *EmbeddingScorer) Score(ctx context.Context, eventText, source string) (*ScoreResult, error) {
	if eventText == "" {
		return &ScoreResult{}, nil
	}

	emb, err := s.storage.Embed(ctx, eventText)
	if err != nil {
		logging.Warn("salience", "embedding failed, falling back to storage match: %v", err)
		emb = nil
	}

	if len(emb) > 0 {
		if matches := s.cache.FindMatching(emb, s.minSim, s.minConf, cacheMatchLimit); len(matches) > 0 {
			return &ScoreResult{Matches: matches, FromCache: true, Embedding: emb}, nil
		}
	}

	matches, err := s.storage.MatchHeuristics(ctx, eventText, s.minConf, storageMatchLimit, "")
	if err != nil {
		return nil, fmt.Errorf("storage heuristic query: %w", err)
	}

	// Warm the cache so the next similar event matches locally.
	for i := range matches {
		if matches[i].Heuristic != nil {
			s.cache.AddHeuristic(matches[i].Heuristic)
		}
	}

	return &ScoreResult{Matches: matches, Embedding: emb}, nil
}

// Config describes the scorer for health reporting.
func (s *EmbeddingScorer) Config() map[string]any {
	return map[string]any{
		"scorer":         "embedding_similarity",
		"min_similarity": s.minSim,
		"min_confidence": s.minConf,
	}
}
