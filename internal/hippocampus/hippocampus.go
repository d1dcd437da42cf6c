package hippocampus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Embedder converts text into a fixed-dimensionality vector. Injected
// by the caller; typically backed by the embeddings client.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Hippocampus fronts the hot and cold stores behind one interface. Cold
// memory requires an embedder; when none is configured, cold queries
// return empty results and archiving is a no-op, while hot memory keeps
// working. Initialization failure of the cold store is demoted to a
// warning for the same reason — memory must never take the process down.
type Hippocampus struct {
	hot    *HotStore
	cold   *ColdStore
	embed  Embedder
	logger *slog.Logger
}

// New creates the Hippocampus on the shared database connection. A nil
// embedder disables cold memory.
func New(db *sql.DB, embed Embedder, logger *slog.Logger) (*Hippocampus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	hot, err := NewHotStore(db)
	if err != nil {
		return nil, err
	}

	h := &Hippocampus{hot: hot, embed: embed, logger: logger}

	if embed != nil {
		cold, err := NewColdStore(db)
		if err != nil {
			logger.Warn("cold memory unavailable, continuing hot-only", "error", err)
		} else {
			h.cold = cold
		}
	}
	return h, nil
}

// Hot returns the hot fact store.
func (h *Hippocampus) Hot() *HotStore { return h.hot }

// ColdAvailable reports whether cold memory is operational.
func (h *Hippocampus) ColdAvailable() bool {
	return h != nil && h.cold != nil && h.embed != nil
}

// Remember inserts a fact into hot memory, ignoring duplicates.
func (h *Hippocampus) Remember(fact string) error {
	_, err := h.hot.Insert(fact)
	return err
}

// TopFacts returns up to n hot facts in ranking order.
func (h *Hippocampus) TopFacts(n int) ([]HotFact, error) {
	return h.hot.Top(n)
}

// Query embeds the query text, searches cold memory, and promotes each
// hit back into hot memory: an existing hot row with the same text gets
// its hit count bumped, otherwise the fact is inserted fresh. Promotion
// is the only path from cold back to hot. Returns ranked results, or
// nothing when cold memory is unavailable.
func (h *Hippocampus) Query(ctx context.Context, query string, limit int) ([]ColdFact, error) {
	if !h.ColdAvailable() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	vec, err := h.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := h.cold.Search(vec, limit)
	if err != nil {
		return nil, err
	}

	for _, hit := range hits {
		touched, err := h.hot.Touch(hit.Fact)
		if err != nil {
			return nil, err
		}
		if !touched {
			if _, err := h.hot.Insert(hit.Fact); err != nil {
				return nil, err
			}
		}
	}
	return hits, nil
}

// Archive embeds a fact and writes it to cold storage. A no-op when
// cold memory is unavailable.
func (h *Hippocampus) Archive(ctx context.Context, fact string) error {
	if !h.ColdAvailable() {
		return nil
	}
	vec, err := h.embed(ctx, fact)
	if err != nil {
		return fmt.Errorf("embed fact: %w", err)
	}
	return h.cold.Insert(fact, vec)
}

// Evict moves a hot fact to cold storage: archive first, delete from
// hot only after the cold write succeeds. When cold memory is
// unavailable the fact stays hot.
func (h *Hippocampus) Evict(ctx context.Context, fact string) error {
	if !h.ColdAvailable() {
		return nil
	}
	if err := h.Archive(ctx, fact); err != nil {
		return err
	}
	return h.hot.Delete(fact)
}
