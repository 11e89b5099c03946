package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity is a named thing mentioned in event text (semantic memory).
// Identity is (name, type); repeat mentions bump the count.
type Entity struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	MentionCount int       `json:"mention_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// UpsertEntity records a mention of an entity, creating it on first sight.
// Returns the entity's ID.
func (s *DB) UpsertEntity(name, entityType string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("entity name is required")
	}
	if entityType == "" {
		entityType = "unknown"
	}

	_, err := s.db.Exec(`
		INSERT INTO entities (id, name, type)
		VALUES (?, ?, ?)
		ON CONFLICT(name, type) DO UPDATE SET
			mention_count = mention_count + 1,
			last_seen = CURRENT_TIMESTAMP
	`, uuid.NewString(), name, entityType)
	if err != nil {
		return "", fmt.Errorf("failed to upsert entity: %w", err)
	}

	var id string
	err = s.db.QueryRow(`SELECT id FROM entities WHERE name = ? AND type = ?`, name, entityType).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// LinkEventEntity associates an event with an entity mentioned in it.
func (s *DB) LinkEventEntity(eventID, entityID string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO event_entities (event_id, entity_id)
		VALUES (?, ?)
	`, eventID, entityID)
	return err
}

// ListEntities returns entities ordered by mention count descending,
// optionally restricted to one type.
func (s *DB) ListEntities(entityType string, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, name, type, mention_count, first_seen, last_seen
		FROM entities`
	args := []any{}
	if entityType != "" {
		query += ` WHERE type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY mention_count DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			continue
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// EntitiesForEvent returns all entities linked to an event.
func (s *DB) EntitiesForEvent(eventID string) ([]*Entity, error) {
	rows, err := s.db.Query(`
		SELECT e.id, e.name, e.type, e.mention_count, e.first_seen, e.last_seen
		FROM entities e
		INNER JOIN event_entities ee ON ee.entity_id = e.id
		WHERE ee.event_id = ?
		ORDER BY e.mention_count DESC
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			continue
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func scanEntity(rows *sql.Rows) (*Entity, error) {
	var e Entity
	var firstSeen, lastSeen sql.NullTime
	if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.MentionCount, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	e.FirstSeen = firstSeen.Time
	e.LastSeen = lastSeen.Time
	return &e, nil
}
