package memory

import (
	"strings"

	"github.com/tsawler/prose/v3"

	"github.com/vthunder/gladys/internal/store"
)

// EntityExtractor pulls named entities out of event text using prose NLP
// and records them as semantic memory.
type EntityExtractor struct {
	store *store.DB
}

// NewEntityExtractor creates an extractor writing to the given store.
func NewEntityExtractor(db *store.DB) *EntityExtractor {
	return &EntityExtractor{store: db}
}

// labelToType maps prose NER labels to our entity type names.
func labelToType(label string) string {
	switch strings.ToUpper(label) {
	case "PERSON":
		return "person"
	case "ORG":
		return "org"
	case "GPE", "LOC", "FAC":
		return "place"
	case "PRODUCT":
		return "product"
	case "EVENT":
		return "event"
	case "DATE", "TIME":
		return "time"
	case "MONEY", "PERCENT", "QUANTITY", "CARDINAL", "ORDINAL":
		return "quantity"
	case "NORP":
		return "group"
	case "WORK_OF_ART":
		return "work"
	case "LAW":
		return "law"
	case "LANGUAGE":
		return "language"
	default:
		return "other"
	}
}

// ExtractAndLink extracts entities from text, upserts each into the entity
// tables, and links them to the event. Extraction is best-effort: any
// failure yields a shorter (possibly empty) result, never an error.
func (e *EntityExtractor) ExtractAndLink(eventID, text string) []string {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil
	}

	var ids []string
	seen := make(map[string]bool)
	for _, ent := range doc.Entities() {
		name := strings.TrimSpace(ent.Text)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true

		id, err := e.store.UpsertEntity(name, labelToType(ent.Label))
		if err != nil {
			continue
		}
		if eventID != "" {
			e.store.LinkEventEntity(eventID, id)
		}
		ids = append(ids, id)
	}
	return ids
}
