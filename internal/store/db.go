// Package store is the sqlite persistence layer behind the memory service:
// episodic events, heuristics with vector + keyword indexes, fire records,
// extracted entities, and the embedding cache.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vthunder/gladys/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the sqlite database holding all persistent memory.
type DB struct {
	db           *sql.DB
	path         string
	dim          int
	vecAvailable bool
	ftsAvailable bool
}

// Open opens or creates the memory database in dataDir. dim is the embedding
// dimension used for the vector indexes.
func Open(dataDir string, dim int) (*DB, error) {
	dbPath := filepath.Join(dataDir, "gladys.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &DB{db: db, path: dbPath, dim: dim}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Check if sqlite-vec extension is available
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("store", "sqlite-vec not available: %v; falling back to full scan", err)
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if err := s.setupVecTables(); err != nil {
			logging.Warn("store", "vec table setup failed: %v; falling back to full scan", err)
			s.vecAvailable = false
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of the database.
func (s *DB) Path() string {
	return s.path
}

// migrate creates the base schema and applies incremental migrations.
func (s *DB) migrate() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Episodic events: full record of everything the system saw and did
	CREATE TABLE IF NOT EXISTS episodic_events (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		event_type TEXT,
		raw_text TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		threat REAL DEFAULT 0,
		salience REAL DEFAULT 0,
		habituation REAL DEFAULT 0,
		salience_vector TEXT,
		model_id TEXT,
		entity_ids TEXT,
		response_id TEXT,
		response_text TEXT,
		predicted_success REAL,
		prediction_confidence REAL,
		decision_path TEXT,
		matched_heuristic_id TEXT,
		llm_prompt TEXT,
		embedding BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON episodic_events(timestamp_ms);
	CREATE INDEX IF NOT EXISTS idx_events_source ON episodic_events(source);
	CREATE INDEX IF NOT EXISTS idx_events_response ON episodic_events(response_id);

	-- Heuristics: learned and seeded condition -> effects patterns
	CREATE TABLE IF NOT EXISTS heuristics (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		condition_text TEXT NOT NULL,
		condition_embedding BLOB,
		effects TEXT NOT NULL DEFAULT '{}',
		confidence REAL NOT NULL DEFAULT 0.5,
		origin TEXT NOT NULL DEFAULT 'learned',
		origin_id TEXT,
		fire_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		frozen INTEGER NOT NULL DEFAULT 0,
		last_fired DATETIME,
		last_accessed DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_heuristics_confidence ON heuristics(confidence);
	CREATE INDEX IF NOT EXISTS idx_heuristics_origin ON heuristics(origin);

	-- Fire records: every heuristic firing and its eventual outcome
	CREATE TABLE IF NOT EXISTS heuristic_fires (
		id TEXT PRIMARY KEY,
		heuristic_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		episodic_event_id TEXT,
		fired_at_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'unknown',
		feedback_source TEXT,
		feedback_at_ms INTEGER,
		FOREIGN KEY (heuristic_id) REFERENCES heuristics(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_fires_heuristic ON heuristic_fires(heuristic_id);
	CREATE INDEX IF NOT EXISTS idx_fires_outcome ON heuristic_fires(outcome);
	CREATE INDEX IF NOT EXISTS idx_fires_fired_at ON heuristic_fires(fired_at_ms);

	-- Entities extracted from event text (semantic memory)
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		mention_count INTEGER NOT NULL DEFAULT 1,
		first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(name, type)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

	CREATE TABLE IF NOT EXISTS event_entities (
		event_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		PRIMARY KEY (event_id, entity_id),
		FOREIGN KEY (event_id) REFERENCES episodic_events(id) ON DELETE CASCADE,
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	-- Embedding cache keyed by content hash
	CREATE TABLE IF NOT EXISTS embedding_cache (
		hash BLOB PRIMARY KEY,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies incremental schema changes.
func (s *DB) runMigrations() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		version = 1
	}

	// Migration v2: FTS5 index over heuristic condition text for the keyword
	// fallback in MatchHeuristics. Skipped gracefully when FTS5 is not
	// compiled in; the matcher then degrades to a Go-side scan.
	if version < 2 {
		migrations := []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS heuristic_fts USING fts5(
				id UNINDEXED,
				condition_text,
				content=heuristics,
				content_rowid=rowid
			)`,
			`INSERT INTO heuristic_fts(rowid, id, condition_text)
				SELECT rowid, id, condition_text FROM heuristics`,
			`CREATE TRIGGER IF NOT EXISTS heuristics_ai
				AFTER INSERT ON heuristics
				BEGIN
					INSERT INTO heuristic_fts(rowid, id, condition_text) VALUES (NEW.rowid, NEW.id, NEW.condition_text);
				END`,
			`CREATE TRIGGER IF NOT EXISTS heuristics_au
				AFTER UPDATE OF condition_text ON heuristics
				BEGIN
					INSERT INTO heuristic_fts(heuristic_fts, rowid, id, condition_text) VALUES ('delete', OLD.rowid, OLD.id, OLD.condition_text);
					INSERT INTO heuristic_fts(rowid, id, condition_text) VALUES (NEW.rowid, NEW.id, NEW.condition_text);
				END`,
			`CREATE TRIGGER IF NOT EXISTS heuristics_ad
				AFTER DELETE ON heuristics
				BEGIN
					INSERT INTO heuristic_fts(heuristic_fts, rowid, id, condition_text) VALUES ('delete', OLD.rowid, OLD.id, OLD.condition_text);
				END`,
		}
		// All or nothing: a half-built index (table without triggers) would
		// serve stale results after the next restart, so the version only
		// advances when every statement committed.
		s.ftsAvailable = func() bool {
			tx, err := s.db.Begin()
			if err != nil {
				logging.Warn("store", "migration v2 begin failed: %v", err)
				return false
			}
			defer tx.Rollback()
			for _, stmt := range migrations {
				if _, err := tx.Exec(stmt); err != nil {
					logging.Warn("store", "migration v2 (FTS5 may be unavailable): %v", err)
					return false
				}
			}
			if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (2)"); err != nil {
				logging.Warn("store", "migration v2 version bump failed: %v", err)
				return false
			}
			return tx.Commit() == nil
		}()
	} else {
		// Re-detect FTS availability on restart.
		var n int
		err := s.db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='heuristic_fts'").Scan(&n)
		s.ftsAvailable = err == nil && n > 0
	}

	return nil
}

// setupVecTables creates the vec0 virtual tables for event and heuristic
// embeddings. Idempotent; uses integer rowid keying with an auxiliary id
// column, since TEXT PRIMARY KEYs break vec0 KNN partitioning.
func (s *DB) setupVecTables() error {
	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS event_vec USING vec0(
			embedding float[%d],
			+event_id TEXT
		)`, s.dim),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS heuristic_vec USING vec0(
			embedding float[%d],
			+heuristic_id TEXT
		)`, s.dim),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// vecUpsert writes a normalized embedding into a vec0 table under the given
// rowid. vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
func (s *DB) vecUpsert(table, auxCol string, rowid int64, auxVal string, emb []float64) error {
	if !s.vecAvailable || len(emb) != s.dim {
		return nil
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return err
	}
	s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, table), rowid)
	_, err = s.db.Exec(
		fmt.Sprintf(`INSERT INTO %s(rowid, embedding, %s) VALUES (?, ?, ?)`, table, auxCol),
		rowid, serialized, auxVal)
	return err
}

// vecNearest runs a KNN query against a vec0 table and returns id ->
// cosine similarity for the k nearest rows.
func (s *DB) vecNearest(table, auxCol string, query []float64, k int) (map[string]float64, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(query)))
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s, distance FROM %s WHERE embedding MATCH ? AND k = ? ORDER BY distance`, auxCol, table),
		serialized, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]float64)
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		result[id] = l2ToCosineSim(dist)
	}
	return result, rows.Err()
}

// Stats returns row counts for the main tables.
func (s *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	tables := []string{"episodic_events", "heuristics", "heuristic_fires", "entities", "event_entities", "embedding_cache"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			return nil, err
		}
		stats[table] = count
	}

	var pending int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM heuristic_fires WHERE outcome = 'unknown'").Scan(&pending); err == nil {
		stats["pending_fires"] = pending
	}

	return stats, nil
}

// Reset wipes all stored data. Used by tests and the management CLI.
func (s *DB) Reset() error {
	stmts := []string{
		"DELETE FROM heuristic_fires",
		"DELETE FROM event_entities",
		"DELETE FROM entities",
		"DELETE FROM heuristics",
		"DELETE FROM episodic_events",
		"DELETE FROM embedding_cache",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}
	if s.vecAvailable {
		s.db.Exec("DELETE FROM event_vec")
		s.db.Exec("DELETE FROM heuristic_vec")
	}
	return nil
}

// float64ToFloat32 converts a float64 slice to float32
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector.
// Normalizing before storing in vec0 makes L2 distance equivalent to cosine distance:
//
//	cosine_dist = L2_dist² / 2   (for unit vectors)
//	L2_threshold = sqrt(2 * cosine_dist_threshold)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to cosine similarity:
// cosine_sim = 1 - L2²/2
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

// cosineSimilarity computes similarity between two vectors (-1 to 1).
// Used by the scan fallbacks when the vec0 index is unavailable.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func marshalEmbedding(emb []float64) []byte {
	if len(emb) == 0 {
		return nil
	}
	b, err := json.Marshal(emb)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalEmbedding(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	var emb []float64
	if err := json.Unmarshal(b, &emb); err != nil {
		return nil
	}
	return emb
}
