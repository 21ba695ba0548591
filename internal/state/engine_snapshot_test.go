package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestEngineSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	snapshot := EngineSnapshot{
		Direction:   "primary_short",
		SizingPhase: 2,
		Successes:   1,
		Failures:    0,
		UpdatedAtMS: 12345,
	}
	if err := SaveEngineSnapshot(ctx, store, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	got, ok, err := LoadEngineSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to be present")
	}
	if got != snapshot {
		t.Fatalf("unexpected snapshot: %#v", got)
	}
}

func TestEngineSnapshotMissing(t *testing.T) {
	store := &memoryStore{}
	got, ok, err := LoadEngineSnapshot(context.Background(), store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot, got %#v", got)
	}
}

func TestEngineSnapshotInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{EngineSnapshotKey: "{"}}
	_, _, err := LoadEngineSnapshot(context.Background(), store)
	if err == nil {
		t.Fatalf("expected error for invalid snapshot JSON")
	}
}

func TestCycleJournalAppendAndTrim(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	journal := NewCycleJournal(store, 3)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := CycleEntry{
			Time:        base.Add(time.Duration(i) * time.Minute),
			CycleID:     fmt.Sprintf("cycle-%d", i),
			Direction:   "primary_long",
			Outcome:     "success",
			NotionalUSD: 100,
			GrossPnlUSD: float64(i),
			NetPnlUSD:   float64(i) - 0.1,
			HoldSeconds: 60,
		}
		if err := journal.Append(ctx, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	entries, err := journal.Recent(ctx)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected journal trimmed to 3, got %d", len(entries))
	}
	if entries[0].CycleID != "cycle-2" || entries[2].CycleID != "cycle-4" {
		t.Fatalf("expected oldest-first order after trim, got %s..%s",
			entries[0].CycleID, entries[2].CycleID)
	}
	if !entries[2].Time.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("expected timestamps preserved, got %s", entries[2].Time)
	}
}

func TestCycleJournalEmpty(t *testing.T) {
	journal := NewCycleJournal(&memoryStore{}, 0)
	entries, err := journal.Recent(context.Background())
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty journal, got %d entries", len(entries))
	}
}
