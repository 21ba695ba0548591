package state

import (
	"context"
	"encoding/json"
	"strings"
)

const EngineSnapshotKey = "engine:last_snapshot"

// EngineSnapshot is the minimal state needed to resume after a restart:
// the sizing ladder counters and the direction alternation.
type EngineSnapshot struct {
	Direction   string `json:"direction"`
	SizingPhase int    `json:"sizing_phase"`
	Successes   int    `json:"successes"`
	Failures    int    `json:"failures"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

func LoadEngineSnapshot(ctx context.Context, store Store) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, EngineSnapshotKey)
	if err != nil {
		return EngineSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return EngineSnapshot{}, false, nil
	}
	var snapshot EngineSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, EngineSnapshotKey, string(payload))
}
