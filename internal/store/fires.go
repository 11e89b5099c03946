package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/gladys/internal/types"
)

// RecordFire logs that a heuristic fired on an event and bumps the
// heuristic's fire count in the same transaction. The fire starts with an
// unknown outcome; feedback resolves it later. Returns the fire record ID.
func (s *DB) RecordFire(heuristicID, eventID, episodicEventID string) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	fireID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO heuristic_fires (id, heuristic_id, event_id, episodic_event_id, fired_at_ms, outcome)
		VALUES (?, ?, ?, ?, ?, 'unknown')
	`, fireID, heuristicID, eventID, nullableString(episodicEventID), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to record fire: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE heuristics
		SET fire_count = fire_count + 1, last_fired = CURRENT_TIMESTAMP
		WHERE id = ?
	`, heuristicID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return fireID, nil
}

// UpdateFireOutcome resolves a fire record with an explicit outcome. A
// fire resolves at most once: the first signal to land wins, and later
// calls on an already-resolved fire are no-ops. Returns false when the
// fire does not exist or was already resolved.
func (s *DB) UpdateFireOutcome(fireID string, outcome types.FireOutcome, feedbackSource string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE heuristic_fires
		SET outcome = ?, feedback_source = ?, feedback_at_ms = ?
		WHERE id = ? AND outcome = 'unknown'
	`, string(outcome), feedbackSource, time.Now().UnixMilli(), fireID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PendingFires returns fires still awaiting feedback, newest first.
// heuristicID narrows to one heuristic when non-empty; maxAge bounds how far
// back to look.
func (s *DB) PendingFires(heuristicID string, maxAge time.Duration) ([]*types.HeuristicFire, error) {
	cutoffMS := time.Now().Add(-maxAge).UnixMilli()

	query := `
		SELECT id, heuristic_id, event_id, episodic_event_id, fired_at_ms, outcome, feedback_source
		FROM heuristic_fires
		WHERE outcome = 'unknown' AND fired_at_ms > ?`
	args := []any{cutoffMS}
	if heuristicID != "" {
		query += ` AND heuristic_id = ?`
		args = append(args, heuristicID)
	}
	query += ` ORDER BY fired_at_ms DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending fires: %w", err)
	}
	defer rows.Close()

	var fires []*types.HeuristicFire
	for rows.Next() {
		var f types.HeuristicFire
		var episodicEventID, feedbackSource sql.NullString
		var outcome string
		if err := rows.Scan(&f.ID, &f.HeuristicID, &f.EventID, &episodicEventID,
			&f.FiredAtMS, &outcome, &feedbackSource); err != nil {
			continue
		}
		f.EpisodicEventID = episodicEventID.String
		f.Outcome = types.FireOutcome(outcome)
		f.FeedbackSource = feedbackSource.String
		fires = append(fires, &f)
	}
	return fires, rows.Err()
}
