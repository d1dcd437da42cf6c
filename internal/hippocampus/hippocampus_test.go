package hippocampus

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHotInsertDeduplicates(t *testing.T) {
	hot, err := NewHotStore(testDB(t))
	if err != nil {
		t.Fatalf("new hot store: %v", err)
	}

	created, err := hot.Insert("Dana prefers tea")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !created {
		t.Error("expected a new row")
	}
	created, _ = hot.Insert("Dana prefers tea")
	if created {
		t.Error("duplicate insert must be ignored")
	}

	n, _ := hot.Count()
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestHotRanking(t *testing.T) {
	hot, _ := NewHotStore(testDB(t))
	hot.Insert("rarely used")
	hot.Insert("often used")

	for i := 0; i < 3; i++ {
		if touched, err := hot.Touch("often used"); err != nil || !touched {
			t.Fatalf("touch: %v %v", touched, err)
		}
	}

	facts, err := hot.Top(10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts = %+v", facts)
	}
	if facts[0].Fact != "often used" || facts[0].HitCount != 3 {
		t.Errorf("top fact = %+v", facts[0])
	}
}

func TestHotTouchMissing(t *testing.T) {
	hot, _ := NewHotStore(testDB(t))
	touched, err := hot.Touch("never inserted")
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if touched {
		t.Error("touch of a missing fact must report false")
	}
}

func TestHotStale(t *testing.T) {
	hot, _ := NewHotStore(testDB(t))
	hot.Insert("old and unused")
	hot.Insert("old but popular")
	hot.Insert("fresh")

	// Age two of the rows two weeks back.
	old := time.Now().UTC().Add(-14 * 24 * time.Hour).Format(time.RFC3339Nano)
	hot.db.Exec(`UPDATE cortex_hot_memory SET last_accessed_at = ? WHERE fact_text LIKE 'old%'`, old)
	hot.db.Exec(`UPDATE cortex_hot_memory SET hit_count = 9 WHERE fact_text = 'old but popular'`)

	stale, err := hot.Stale(7*24*time.Hour, 2)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].Fact != "old and unused" {
		t.Errorf("stale = %+v", stale)
	}
}

func TestColdSearchRanking(t *testing.T) {
	cold, err := NewColdStore(testDB(t))
	if err != nil {
		t.Fatalf("new cold store: %v", err)
	}

	cold.Insert("about cats", []float32{1, 0, 0})
	cold.Insert("about dogs", []float32{0, 1, 0})
	cold.Insert("about pets", []float32{0.7, 0.7, 0})

	hits, err := cold.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Fact != "about cats" {
		t.Errorf("nearest = %q", hits[0].Fact)
	}
	if hits[1].Fact != "about pets" {
		t.Errorf("second = %q", hits[1].Fact)
	}
	if hits[0].Distance >= hits[1].Distance {
		t.Errorf("distances not ascending: %f %f", hits[0].Distance, hits[1].Distance)
	}
}

func TestQueryPromotesToHot(t *testing.T) {
	db := testDB(t)
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}
	h, err := New(db, embed, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !h.ColdAvailable() {
		t.Fatal("expected cold memory")
	}

	if err := h.Archive(context.Background(), "archived fact"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	hits, err := h.Query(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].Fact != "archived fact" {
		t.Fatalf("hits = %+v", hits)
	}

	// The hit was promoted back into hot memory.
	facts, _ := h.TopFacts(10)
	if len(facts) != 1 || facts[0].Fact != "archived fact" {
		t.Errorf("hot facts = %+v", facts)
	}

	// A second query bumps the existing hot row instead of duplicating.
	h.Query(context.Background(), "anything", 5)
	facts, _ = h.TopFacts(10)
	if len(facts) != 1 || facts[0].HitCount != 1 {
		t.Errorf("hot facts after second query = %+v", facts)
	}
}

func TestEvictMovesHotToCold(t *testing.T) {
	db := testDB(t)
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return []float32{0, 1, 0}, nil
	}
	h, _ := New(db, embed, testLogger())
	h.Remember("seldom needed")

	if err := h.Evict(context.Background(), "seldom needed"); err != nil {
		t.Fatalf("evict: %v", err)
	}

	facts, _ := h.TopFacts(10)
	if len(facts) != 0 {
		t.Errorf("hot facts = %+v, want none", facts)
	}
	n, _ := h.cold.Count()
	if n != 1 {
		t.Errorf("cold count = %d, want 1", n)
	}
}

func TestColdDisabledWithoutEmbedder(t *testing.T) {
	h, err := New(testDB(t), nil, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if h.ColdAvailable() {
		t.Error("cold memory must be off without an embedder")
	}

	// Cold operations degrade to defined no-ops.
	hits, err := h.Query(context.Background(), "anything", 5)
	if err != nil || hits != nil {
		t.Errorf("query = %v %v", hits, err)
	}
	if err := h.Archive(context.Background(), "fact"); err != nil {
		t.Errorf("archive: %v", err)
	}
	if err := h.Evict(context.Background(), "fact"); err != nil {
		t.Errorf("evict: %v", err)
	}
}
