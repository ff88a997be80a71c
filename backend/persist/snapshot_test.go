package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shunt/backend/repository/events"
	"shunt/backend/repository/memory"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "state.json")
	if err := Save(path, map[string]string{"selected_server": "A"}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if entries["selected_server"] != "A" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	entries, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty state, got %v", entries)
	}
}

func TestLoad_RejectsOtherSchemaVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"schemaVersion":"9.9.9","entries":{}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestSnapshotter_SavesAfterStoreChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	bus := events.NewBus()
	store := memory.NewStore(bus)
	snap := NewSnapshotter(path, store)
	snap.SetDebounce(10 * time.Millisecond)
	snap.SubscribeEvents(bus)

	if err := store.Set(context.Background(), "strategy_netflix", "B"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := Load(path)
		if err == nil && entries["strategy_netflix"] == "B" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("snapshot was not written in time")
}
