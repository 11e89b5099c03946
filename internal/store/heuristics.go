package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/types"
)

// AddHeuristic stores or updates a heuristic and indexes its condition
// embedding. The caller is responsible for filling defaults (id, confidence).
func (s *DB) AddHeuristic(h *types.Heuristic) error {
	if h.ID == "" {
		return fmt.Errorf("heuristic ID is required")
	}
	if h.ConditionText == "" {
		return fmt.Errorf("heuristic condition text is required")
	}

	effectsJSON := "{}"
	if h.Effects != nil {
		if b, err := json.Marshal(h.Effects); err == nil {
			effectsJSON = string(b)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO heuristics (id, name, condition_text, condition_embedding, effects,
			confidence, origin, origin_id, fire_count, success_count, frozen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			condition_text = excluded.condition_text,
			condition_embedding = COALESCE(excluded.condition_embedding, heuristics.condition_embedding),
			effects = excluded.effects,
			confidence = excluded.confidence,
			origin = COALESCE(NULLIF(excluded.origin, ''), heuristics.origin),
			origin_id = COALESCE(NULLIF(excluded.origin_id, ''), heuristics.origin_id),
			frozen = excluded.frozen,
			updated_at = CURRENT_TIMESTAMP
	`,
		h.ID, h.Name, h.ConditionText, marshalEmbedding(h.ConditionEmbedding), effectsJSON,
		h.Confidence, string(h.Origin), h.OriginID, h.FireCount, h.SuccessCount, h.Frozen,
	)
	if err != nil {
		return fmt.Errorf("failed to insert heuristic: %w", err)
	}

	if len(h.ConditionEmbedding) > 0 {
		var rowid int64
		if err := s.db.QueryRow(`SELECT rowid FROM heuristics WHERE id = ?`, h.ID).Scan(&rowid); err == nil {
			if err := s.vecUpsert("heuristic_vec", "heuristic_id", rowid, h.ID, h.ConditionEmbedding); err != nil {
				return fmt.Errorf("failed to index condition embedding: %w", err)
			}
		}
	}

	return nil
}

// GetHeuristic retrieves a heuristic by ID, frozen or not.
func (s *DB) GetHeuristic(id string) (*types.Heuristic, error) {
	row := s.db.QueryRow(heuristicSelect+` WHERE id = ?`, id)
	h, err := scanHeuristic(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return h, err
}

// ListHeuristics returns non-frozen heuristics at or above minConfidence,
// ordered by confidence descending.
func (s *DB) ListHeuristics(minConfidence float64, limit int) ([]*types.Heuristic, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(heuristicSelect+`
		WHERE confidence >= ? AND frozen = 0
		ORDER BY confidence DESC
		LIMIT ?
	`, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query heuristics: %w", err)
	}
	defer rows.Close()

	var result []*types.Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			continue
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// MatchOptions controls heuristic matching.
type MatchOptions struct {
	MinSimilarity float64
	MinConfidence float64
	Limit         int
	SourceFilter  string // restrict to conditions prefixed "<source>:"
}

// MatchHeuristics finds heuristics whose condition matches the query.
// Semantic similarity over condition embeddings is the primary path; when it
// yields nothing and event text is available, a keyword search over the
// condition text serves as fallback (those matches report similarity 0 since
// no embedding comparison happened). Matched heuristics get a last_accessed
// touch for LRU-based cache eviction downstream. Frozen heuristics never match.
func (s *DB) MatchHeuristics(queryEmb []float64, eventText string, opts MatchOptions) ([]types.HeuristicMatch, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	var matches []types.HeuristicMatch
	if len(queryEmb) > 0 {
		var err error
		matches, err = s.matchBySimilarity(queryEmb, opts)
		if err != nil {
			return nil, err
		}
	}

	if len(matches) == 0 && eventText != "" {
		var err error
		matches, err = s.matchByKeywords(eventText, opts)
		if err != nil {
			return nil, err
		}
	}

	if len(matches) > 0 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.Heuristic.ID
		}
		s.touchHeuristics(ids)
	}

	return matches, nil
}

func (s *DB) matchBySimilarity(queryEmb []float64, opts MatchOptions) ([]types.HeuristicMatch, error) {
	if s.vecAvailable && len(queryEmb) == s.dim {
		// Over-fetch: confidence/frozen/source filters apply after hydration.
		sims, err := s.vecNearest("heuristic_vec", "heuristic_id", queryEmb, opts.Limit*4)
		if err == nil {
			result := make([]types.HeuristicMatch, 0, opts.Limit)
			for _, id := range idsBySimilarity(sims) {
				if sims[id] < opts.MinSimilarity {
					continue
				}
				h, err := s.GetHeuristic(id)
				if err != nil || !matchFilter(h, opts) {
					continue
				}
				result = append(result, types.HeuristicMatch{
					Heuristic:  h,
					Similarity: sims[id],
					Score:      sims[id] * h.Confidence,
				})
				if len(result) >= opts.Limit {
					break
				}
			}
			return result, nil
		}
		logging.Warn("store", "heuristic vec query failed: %v; falling back to scan", err)
	}

	// Fallback: Go-side scan over stored condition embeddings.
	rows, err := s.db.Query(heuristicSelect + ` WHERE condition_embedding IS NOT NULL AND frozen = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []types.HeuristicMatch
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil || len(h.ConditionEmbedding) == 0 {
			continue
		}
		if !matchFilter(h, opts) {
			continue
		}
		sim := cosineSimilarity(queryEmb, h.ConditionEmbedding)
		if sim >= opts.MinSimilarity {
			candidates = append(candidates, types.HeuristicMatch{
				Heuristic:  h,
				Similarity: sim,
				Score:      sim * h.Confidence,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	return candidates, nil
}

// matchByKeywords is the text fallback for events whose embedding could not
// be generated (or heuristics stored without one). FTS5 with BM25 ranking
// when available, a LIKE scan otherwise.
func (s *DB) matchByKeywords(eventText string, opts MatchOptions) ([]types.HeuristicMatch, error) {
	keywords := extractKeywords(eventText)
	if len(keywords) == 0 {
		return nil, nil
	}

	if s.ftsAvailable {
		ftsQuery := strings.Join(keywords, " OR ")
		rows, err := s.db.Query(`
			SELECT id
			FROM heuristic_fts
			WHERE condition_text MATCH ?
			ORDER BY rank
			LIMIT ?
		`, ftsQuery, opts.Limit*4)
		if err == nil {
			defer rows.Close()
			result := make([]types.HeuristicMatch, 0, opts.Limit)
			for rows.Next() {
				var id string
				if rows.Scan(&id) != nil {
					continue
				}
				h, err := s.GetHeuristic(id)
				if err != nil || !matchFilter(h, opts) {
					continue
				}
				result = append(result, types.HeuristicMatch{Heuristic: h, Similarity: 0, Score: 0})
				if len(result) >= opts.Limit {
					break
				}
			}
			if rows.Err() == nil {
				sortKeywordMatches(result)
				return result, nil
			}
		}
	}

	// LIKE scan: count keyword hits in condition text.
	rows, err := s.db.Query(heuristicSelect + ` WHERE frozen = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		match types.HeuristicMatch
		hits  int
	}
	var candidates []scored
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil || !matchFilter(h, opts) {
			continue
		}
		condLower := strings.ToLower(h.ConditionText)
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(condLower, kw) {
				hits++
			}
		}
		if hits > 0 {
			candidates = append(candidates, scored{
				match: types.HeuristicMatch{Heuristic: h, Similarity: 0, Score: 0},
				hits:  hits,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hits != candidates[j].hits {
			return candidates[i].hits > candidates[j].hits
		}
		return candidates[i].match.Heuristic.Confidence > candidates[j].match.Heuristic.Confidence
	})

	result := make([]types.HeuristicMatch, 0, opts.Limit)
	for i := 0; i < len(candidates) && i < opts.Limit; i++ {
		result = append(result, candidates[i].match)
	}
	return result, nil
}

func matchFilter(h *types.Heuristic, opts MatchOptions) bool {
	if h.Frozen {
		return false
	}
	if h.Confidence < opts.MinConfidence {
		return false
	}
	if opts.SourceFilter != "" {
		prefix := strings.ToLower(opts.SourceFilter) + ":"
		if !strings.HasPrefix(strings.ToLower(h.ConditionText), prefix) {
			return false
		}
	}
	return true
}

func sortKeywordMatches(matches []types.HeuristicMatch) {
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Heuristic.Confidence > matches[j].Heuristic.Confidence
	})
}

// touchHeuristics marks heuristics as recently accessed.
func (s *DB) touchHeuristics(ids []string) {
	if len(ids) == 0 {
		return
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	s.db.Exec(fmt.Sprintf(
		`UPDATE heuristics SET last_accessed = CURRENT_TIMESTAMP WHERE id IN (%s)`, placeholders), args...)
}

// ConfidenceUpdate reports the result of one Bayesian confidence revision.
type ConfidenceUpdate struct {
	OldConfidence float64 `json:"old_confidence"`
	NewConfidence float64 `json:"new_confidence"`
	Delta         float64 `json:"delta"`
}

// UpdateConfidence applies one feedback signal to a heuristic using the
// Beta(1,1) posterior mean:
//
//	confidence = (1 + success_count) / (2 + fire_count)
//
// fire_count normally advances when the heuristic fires (RecordFire); feedback
// that arrives without a pending unknown fire increments it here instead, so
// every feedback call is counted exactly once. The latest unknown fire, when
// present, is resolved with the matching outcome.
func (s *DB) UpdateConfidence(heuristicID string, positive bool, feedbackSource string) (*ConfidenceUpdate, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var oldConfidence float64
	var fireCount, successCount int
	err = tx.QueryRow(`
		SELECT confidence, fire_count, success_count FROM heuristics WHERE id = ?
	`, heuristicID).Scan(&oldConfidence, &fireCount, &successCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var pendingFireID string
	err = tx.QueryRow(`
		SELECT id FROM heuristic_fires
		WHERE heuristic_id = ? AND outcome = 'unknown'
		ORDER BY fired_at_ms DESC
		LIMIT 1
	`, heuristicID).Scan(&pendingFireID)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	if pendingFireID == "" {
		fireCount++
	}
	if positive {
		successCount++
	}
	newConfidence := (1.0 + float64(successCount)) / (2.0 + float64(fireCount))

	_, err = tx.Exec(`
		UPDATE heuristics
		SET confidence = ?, fire_count = ?, success_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, newConfidence, fireCount, successCount, heuristicID)
	if err != nil {
		return nil, err
	}

	if pendingFireID != "" {
		outcome := types.OutcomeFail
		if positive {
			outcome = types.OutcomeSuccess
		}
		_, err = tx.Exec(`
			UPDATE heuristic_fires
			SET outcome = ?, feedback_source = ?, feedback_at_ms = ?
			WHERE id = ?
		`, string(outcome), feedbackSource, time.Now().UnixMilli(), pendingFireID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &ConfidenceUpdate{
		OldConfidence: oldConfidence,
		NewConfidence: newConfidence,
		Delta:         newConfidence - oldConfidence,
	}, nil
}

const heuristicSelect = `
	SELECT id, name, condition_text, condition_embedding, effects, confidence,
		origin, origin_id, fire_count, success_count, frozen, created_at, updated_at
	FROM heuristics`

func scanHeuristic(row interface{ Scan(...any) error }) (*types.Heuristic, error) {
	var h types.Heuristic
	var embedding []byte
	var effectsJSON string
	var origin, originID sql.NullString
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(&h.ID, &h.Name, &h.ConditionText, &embedding, &effectsJSON,
		&h.Confidence, &origin, &originID, &h.FireCount, &h.SuccessCount, &h.Frozen,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	h.ConditionEmbedding = unmarshalEmbedding(embedding)
	h.Origin = types.HeuristicOrigin(origin.String)
	h.OriginID = originID.String
	h.CreatedAt = createdAt.Time
	h.UpdatedAt = updatedAt.Time

	if effectsJSON != "" && effectsJSON != "{}" {
		var eff types.Effects
		if err := eff.UnmarshalJSON([]byte(effectsJSON)); err == nil {
			h.Effects = &eff
		}
	}

	return &h, nil
}
