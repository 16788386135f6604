package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/domain/device"
	"github.com/quantumshield/backend/internal/app/storage"
)

func TestBackendInsertConflict(t *testing.T) {
	b := New()
	ctx := context.Background()
	if err := b.Insert(ctx, "c", "1", []byte(`{"id":"1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.Insert(ctx, "c", "1", []byte(`{"id":"1"}`)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := b.Get(ctx, "c", "2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBackendListFilterOrderLimit(t *testing.T) {
	b := New()
	ctx := context.Background()
	docs := []struct{ id, body string }{
		{"a", `{"id":"a","status":"open","n":1}`},
		{"b", `{"id":"b","status":"sold","n":2}`},
		{"c", `{"id":"c","status":"open","n":3}`},
		{"d", `{"id":"d","status":"open","n":4}`},
	}
	for _, d := range docs {
		if err := b.Put(ctx, "listings", d.id, []byte(d.body)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	// update keeps insertion position
	if err := b.Put(ctx, "listings", "a", []byte(`{"id":"a","status":"open","n":10}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	open, err := b.List(ctx, "listings", storage.Filter{Equals: map[string]any{"status": "open"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("expected 3 open, got %d", len(open))
	}

	latest, err := b.List(ctx, "listings", storage.Filter{Equals: map[string]any{"status": "open"}, Limit: 2, Reverse: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(latest) != 2 || string(latest[0]) != docs[3].body {
		t.Fatalf("unexpected reverse listing: %s", latest)
	}

	after, err := b.List(ctx, "listings", storage.Filter{After: "b"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 docs after b, got %d", len(after))
	}

	numeric, err := b.List(ctx, "listings", storage.Filter{Equals: map[string]any{"n": 10}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(numeric) != 1 {
		t.Fatalf("expected numeric match, got %d", len(numeric))
	}
}

func TestStoreDevicesAndTelemetry(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	dev, err := store.CreateDevice(ctx, device.Device{ID: "dev-1", Owner: "alice", Name: "sensor", Status: device.StatusRegistered, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	if _, err := store.CreateDevice(ctx, dev); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.UpdateDevice(ctx, device.Device{ID: "missing"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	for i := 0; i < 5; i++ {
		v := float64(i)
		if _, err := store.AddTelemetry(ctx, device.Telemetry{ID: string(rune('a' + i)), DeviceID: dev.ID, Value: &v}); err != nil {
			t.Fatalf("add telemetry: %v", err)
		}
	}
	readings, err := store.ListTelemetry(ctx, dev.ID, 3)
	if err != nil {
		t.Fatalf("list telemetry: %v", err)
	}
	if len(readings) != 3 || *readings[0].Value != 2 || *readings[2].Value != 4 {
		t.Fatalf("expected last three readings oldest first, got %+v", readings)
	}

	owned, err := store.ListDevices(ctx, "alice")
	if err != nil || len(owned) != 1 {
		t.Fatalf("list devices: %v %d", err, len(owned))
	}
}

func TestStoreBlocksRange(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	for h := uint64(0); h < 12; h++ {
		if _, err := store.InsertBlock(ctx, chain.Block{Height: h}); err != nil {
			t.Fatalf("insert block %d: %v", h, err)
		}
	}
	blocks, err := store.ListBlocks(ctx, 10, 5)
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(blocks) != 2 || blocks[0].Height != 10 || blocks[1].Height != 11 {
		t.Fatalf("unexpected blocks %+v", blocks)
	}
	if _, err := store.InsertBlock(ctx, chain.Block{Height: 3}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
