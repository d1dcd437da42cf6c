package hippocampus

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// ColdFact is an archived fact with its embedding. Returned by KNN
// search ranked by ascending distance (1 - cosine similarity).
type ColdFact struct {
	RowID      int64     `json:"rowid"`
	Fact       string    `json:"fact"`
	ArchivedAt time.Time `json:"archived_at"`
	Distance   float32   `json:"distance"`
}

// ColdStore holds archived facts with their embedding vectors, stored
// as little-endian float32 blobs and ranked by brute-force cosine
// similarity. SQLite serializes the writes; the table stays small
// enough that a linear scan beats maintaining a vector index.
type ColdStore struct {
	db *sql.DB
}

// NewColdStore creates the cold fact store on the shared connection.
func NewColdStore(db *sql.DB) (*ColdStore, error) {
	s := &ColdStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("cold memory migrate: %w", err)
	}
	return s, nil
}

func (s *ColdStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cortex_cold_memory (
			rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_text   TEXT NOT NULL,
			archived_at TEXT NOT NULL,
			embedding   BLOB NOT NULL
		);
	`)
	return err
}

// Insert archives a fact with its embedding.
func (s *ColdStore) Insert(fact string, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("insert cold fact: empty embedding")
	}
	_, err := s.db.Exec(`
		INSERT INTO cortex_cold_memory (fact_text, archived_at, embedding)
		VALUES (?, ?, ?)
	`, fact, time.Now().UTC().Format(time.RFC3339Nano), encodeEmbedding(embedding))
	if err != nil {
		return fmt.Errorf("insert cold fact: %w", err)
	}
	return nil
}

// Search returns the limit nearest facts to the query embedding, ranked
// by ascending distance.
func (s *ColdStore) Search(query []float32, limit int) ([]ColdFact, error) {
	if limit <= 0 || len(query) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT rowid, fact_text, archived_at, embedding FROM cortex_cold_memory`)
	if err != nil {
		return nil, fmt.Errorf("cold search: %w", err)
	}
	defer rows.Close()

	var scored []ColdFact
	for rows.Next() {
		var f ColdFact
		var archivedAt string
		var blob []byte
		if err := rows.Scan(&f.RowID, &f.Fact, &archivedAt, &blob); err != nil {
			return nil, err
		}
		emb := decodeEmbedding(blob)
		if len(emb) != len(query) {
			continue
		}
		f.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedAt)
		f.Distance = 1 - cosineSimilarity(query, emb)
		scored = append(scored, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Partial selection sort for top-k by ascending distance.
	for i := 0; i < limit && i < len(scored); i++ {
		minIdx := i
		for j := i + 1; j < len(scored); j++ {
			if scored[j].Distance < scored[minIdx].Distance {
				minIdx = j
			}
		}
		scored[i], scored[minIdx] = scored[minIdx], scored[i]
	}

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Count returns the number of archived facts.
func (s *ColdStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cortex_cold_memory`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cold facts: %w", err)
	}
	return n, nil
}

// --- embedding helpers ---

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
