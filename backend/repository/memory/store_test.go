package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"shunt/backend/repository"
	"shunt/backend/repository/events"
)

func TestStore_GetMissingKeyReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_KeysFiltersByPrefixAndSorts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore(nil)
	for _, k := range []string{"strategy_youtube", "profile_b", "strategy_netflix", "profile_a"} {
		if err := store.Set(ctx, k, "v"); err != nil {
			t.Fatalf("Set(%q) error: %v", k, err)
		}
	}

	keys, err := store.Keys(ctx, "strategy_")
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "strategy_netflix" || keys[1] != "strategy_youtube" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestStore_SetPublishesChangeAndLoadStateDoesNot(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	changed := make(chan string, 4)
	bus.Subscribe(events.EventStoreChanged, func(e events.Event) {
		changed <- e.(events.StoreEvent).Key
	})

	store := NewStore(bus)
	store.LoadState(map[string]string{"selected_server": "a"})
	if err := store.Set(context.Background(), "strategy_netflix", "b"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	select {
	case key := <-changed:
		if key != "strategy_netflix" {
			t.Fatalf("unexpected changed key %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected change event")
	}

	snap := store.Snapshot()
	if snap["selected_server"] != "a" || snap["strategy_netflix"] != "b" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}

func TestStore_DeleteMissingKeyIsNoop(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if err := store.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
}
