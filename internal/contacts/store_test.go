package contacts

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestUpsertAndByName(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Upsert("Dana", "whatsapp", "+15551234567"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert("Dana", "email", "dana@example.com"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	entries, err := store.ByName("Dana")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
	// Ordered by channel.
	if entries[0].Channel != "email" || entries[0].Handle != "dana@example.com" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Channel != "whatsapp" || entries[1].Handle != "+15551234567" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestUpsertReplacesOwner(t *testing.T) {
	store := setupTestStore(t)

	store.Upsert("Old Owner", "telegram", "12345")
	if err := store.Upsert("New Owner", "telegram", "12345"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	all, err := store.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("all = %+v, want one row per channel handle", all)
	}
	if all[0].Name != "New Owner" {
		t.Errorf("name = %q, want New Owner", all[0].Name)
	}

	if entries, _ := store.ByName("Old Owner"); len(entries) != 0 {
		t.Errorf("old owner still has handles: %+v", entries)
	}
}

func TestAllSortedByName(t *testing.T) {
	store := setupTestStore(t)
	store.Upsert("Zoe", "email", "zoe@example.com")
	store.Upsert("Alex", "email", "alex@example.com")

	all, err := store.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].Name != "Alex" || all[1].Name != "Zoe" {
		t.Errorf("all = %+v, want name order", all)
	}
}

func TestByNameUnknown(t *testing.T) {
	store := setupTestStore(t)
	entries, err := store.ByName("nobody")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %+v, want none", entries)
	}
}
