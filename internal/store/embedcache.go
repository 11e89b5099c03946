package store

import (
	"github.com/zeebo/blake3"
)

// CachedEmbedding looks up a previously computed embedding. Keys hash the
// model name together with the text, so switching embedding models never
// serves stale vectors. Returns nil on miss.
func (s *DB) CachedEmbedding(model, text string) []float64 {
	var blob []byte
	err := s.db.QueryRow(`SELECT embedding FROM embedding_cache WHERE hash = ?`,
		embeddingKey(model, text)).Scan(&blob)
	if err != nil {
		return nil
	}
	return unmarshalEmbedding(blob)
}

// CacheEmbedding stores a computed embedding under its content hash.
func (s *DB) CacheEmbedding(model, text string, emb []float64) error {
	if len(emb) == 0 {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO embedding_cache (hash, embedding)
		VALUES (?, ?)
	`, embeddingKey(model, text), marshalEmbedding(emb))
	return err
}

func embeddingKey(model, text string) []byte {
	sum := blake3.Sum256([]byte(model + "\x00" + text))
	return sum[:]
}
