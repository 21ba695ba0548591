package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "engine:direction", "primary_long"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "engine:direction")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "primary_long" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}

	if err := store.Set(ctx, "engine:direction", "primary_short"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	val, ok, err = store.Get(ctx, "engine:direction")
	if err != nil {
		t.Fatalf("get after upsert failed: %v", err)
	}
	if !ok || val != "primary_short" {
		t.Fatalf("expected upserted value, got %v (ok=%v)", val, ok)
	}

	if err := store.Delete(ctx, "engine:direction"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "engine:direction")
	if err != nil {
		t.Fatalf("get after delete failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreMissingKey(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	_, ok, err := store.Get(context.Background(), "never-written")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key")
	}
}
