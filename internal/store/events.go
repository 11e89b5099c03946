package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/types"
)

// AddEvent stores an episodic event and indexes its embedding when present.
func (s *DB) AddEvent(ev *types.EpisodicEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("event ID is required")
	}
	if ev.TimestampMS == 0 {
		ev.TimestampMS = time.Now().UnixMilli()
	}

	var threat, salience, habituation float64
	var vectorJSON, modelID string
	if ev.Salience != nil {
		threat = ev.Salience.Threat
		salience = ev.Salience.Salience
		habituation = ev.Salience.Habituation
		modelID = ev.Salience.ModelID
		if len(ev.Salience.Vector) > 0 {
			if b, err := json.Marshal(ev.Salience.Vector); err == nil {
				vectorJSON = string(b)
			}
		}
	}

	var entityIDs []byte
	if len(ev.EntityIDs) > 0 {
		entityIDs, _ = json.Marshal(ev.EntityIDs)
	}

	_, err := s.db.Exec(`
		INSERT INTO episodic_events (id, source, event_type, raw_text, timestamp_ms,
			threat, salience, habituation, salience_vector, model_id, entity_ids,
			response_id, response_text, predicted_success, prediction_confidence,
			decision_path, matched_heuristic_id, llm_prompt, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			response_id = excluded.response_id,
			response_text = excluded.response_text,
			predicted_success = excluded.predicted_success,
			prediction_confidence = excluded.prediction_confidence,
			decision_path = excluded.decision_path,
			matched_heuristic_id = excluded.matched_heuristic_id,
			llm_prompt = excluded.llm_prompt,
			embedding = COALESCE(excluded.embedding, episodic_events.embedding)
	`,
		ev.ID, ev.Source, ev.EventType, ev.RawText, ev.TimestampMS,
		threat, salience, habituation, nullableString(vectorJSON), nullableString(modelID), entityIDs,
		nullableString(ev.ResponseID), nullableString(ev.ResponseText),
		ev.PredictedSuccess, ev.PredictionConfidence,
		nullableString(string(ev.DecisionPath)), nullableString(ev.MatchedHeuristicID),
		nullableString(ev.LLMPromptText), marshalEmbedding(ev.Embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if len(ev.Embedding) > 0 {
		var rowid int64
		if err := s.db.QueryRow(`SELECT rowid FROM episodic_events WHERE id = ?`, ev.ID).Scan(&rowid); err == nil {
			if err := s.vecUpsert("event_vec", "event_id", rowid, ev.ID, ev.Embedding); err != nil {
				return fmt.Errorf("failed to index event embedding: %w", err)
			}
		}
	}

	return nil
}

// GetEvent retrieves a single event by ID.
func (s *DB) GetEvent(id string) (*types.EpisodicEvent, error) {
	row := s.db.QueryRow(`
		SELECT id, source, event_type, raw_text, timestamp_ms,
			threat, salience, habituation, salience_vector, model_id, entity_ids,
			response_id, response_text, predicted_success, prediction_confidence,
			decision_path, matched_heuristic_id, llm_prompt, embedding
		FROM episodic_events WHERE id = ?
	`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ev, err
}

// EventsByTime returns events in [startMS, endMS], newest first, optionally
// filtered by source.
func (s *DB) EventsByTime(startMS, endMS int64, source string, limit int) ([]*types.EpisodicEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if source != "" {
		rows, err = s.db.Query(`
			SELECT id, source, event_type, raw_text, timestamp_ms,
				threat, salience, habituation, salience_vector, model_id, entity_ids,
				response_id, response_text, predicted_success, prediction_confidence,
				decision_path, matched_heuristic_id, llm_prompt, embedding
			FROM episodic_events
			WHERE timestamp_ms BETWEEN ? AND ? AND source = ?
			ORDER BY timestamp_ms DESC
			LIMIT ?
		`, startMS, endMS, source, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, source, event_type, raw_text, timestamp_ms,
				threat, salience, habituation, salience_vector, model_id, entity_ids,
				response_id, response_text, predicted_success, prediction_confidence,
				decision_path, matched_heuristic_id, llm_prompt, embedding
			FROM episodic_events
			WHERE timestamp_ms BETWEEN ? AND ?
			ORDER BY timestamp_ms DESC
			LIMIT ?
		`, startMS, endMS, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*types.EpisodicEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SimilarEvent pairs an event with its similarity to a query embedding.
type SimilarEvent struct {
	Event      *types.EpisodicEvent `json:"event"`
	Similarity float64              `json:"similarity"`
}

// EventsBySimilarity returns events whose embedding is within threshold
// cosine similarity of the query, best first. hours limits the lookback
// window (0 = unbounded).
func (s *DB) EventsBySimilarity(query []float64, threshold float64, hours, limit int) ([]SimilarEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	var cutoffMS int64
	if hours > 0 {
		cutoffMS = time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	}

	if s.vecAvailable && len(query) == s.dim {
		// Over-fetch so post-filters (threshold, time window) still fill the limit.
		sims, err := s.vecNearest("event_vec", "event_id", query, limit*4)
		if err == nil {
			result := make([]SimilarEvent, 0, limit)
			for _, id := range idsBySimilarity(sims) {
				if sims[id] < threshold {
					continue
				}
				ev, err := s.GetEvent(id)
				if err != nil {
					continue
				}
				if cutoffMS > 0 && ev.TimestampMS < cutoffMS {
					continue
				}
				result = append(result, SimilarEvent{Event: ev, Similarity: sims[id]})
				if len(result) >= limit {
					break
				}
			}
			return result, nil
		}
		logging.Warn("store", "event vec query failed: %v; falling back to scan", err)
	}

	// Fallback: Go-side scan over stored embeddings.
	rows, err := s.db.Query(`
		SELECT id, source, event_type, raw_text, timestamp_ms,
			threat, salience, habituation, salience_vector, model_id, entity_ids,
			response_id, response_text, predicted_success, prediction_confidence,
			decision_path, matched_heuristic_id, llm_prompt, embedding
		FROM episodic_events
		WHERE embedding IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []SimilarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil || len(ev.Embedding) == 0 {
			continue
		}
		if cutoffMS > 0 && ev.TimestampMS < cutoffMS {
			continue
		}
		sim := cosineSimilarity(query, ev.Embedding)
		if sim >= threshold {
			candidates = append(candidates, SimilarEvent{Event: ev, Similarity: sim})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// idsBySimilarity returns the map keys ordered by similarity descending.
func idsBySimilarity(sims map[string]float64) []string {
	ids := make([]string, 0, len(sims))
	for id := range sims {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return sims[ids[i]] > sims[ids[j]]
	})
	return ids
}

// scanEvent reads one event row from either *sql.Row or *sql.Rows.
func scanEvent(row interface{ Scan(...any) error }) (*types.EpisodicEvent, error) {
	var ev types.EpisodicEvent
	var eventType, vectorJSON, modelID, responseID, responseText sql.NullString
	var decisionPath, matchedID, llmPrompt sql.NullString
	var predictedSuccess, predictionConfidence sql.NullFloat64
	var threat, salience, habituation float64
	var entityIDs, embedding []byte

	err := row.Scan(&ev.ID, &ev.Source, &eventType, &ev.RawText, &ev.TimestampMS,
		&threat, &salience, &habituation, &vectorJSON, &modelID, &entityIDs,
		&responseID, &responseText, &predictedSuccess, &predictionConfidence,
		&decisionPath, &matchedID, &llmPrompt, &embedding)
	if err != nil {
		return nil, err
	}

	ev.EventType = eventType.String
	ev.ResponseID = responseID.String
	ev.ResponseText = responseText.String
	ev.DecisionPath = types.DecisionPath(decisionPath.String)
	ev.MatchedHeuristicID = matchedID.String
	ev.LLMPromptText = llmPrompt.String
	ev.PredictedSuccess = predictedSuccess.Float64
	ev.PredictionConfidence = predictionConfidence.Float64
	ev.Embedding = unmarshalEmbedding(embedding)

	sv := &types.SalienceVector{
		Threat:      threat,
		Salience:    salience,
		Habituation: habituation,
		ModelID:     modelID.String,
	}
	if vectorJSON.Valid && vectorJSON.String != "" {
		json.Unmarshal([]byte(vectorJSON.String), &sv.Vector)
	}
	ev.Salience = sv

	if len(entityIDs) > 0 {
		json.Unmarshal(entityIDs, &ev.EntityIDs)
	}

	return &ev, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
