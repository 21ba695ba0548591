package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	cycleJournalKey     = "journal:cycles"
	defaultJournalLimit = 200
)

// CycleEntry is one completed cycle in the local journal. The journal is
// the restart-surviving record of recent trading; long-term history goes
// to the external database instead.
type CycleEntry struct {
	Time        time.Time `msgpack:"ts"`
	CycleID     string    `msgpack:"cycle_id"`
	Direction   string    `msgpack:"direction"`
	Outcome     string    `msgpack:"outcome"`
	NotionalUSD float64   `msgpack:"notional_usd"`
	GrossPnlUSD float64   `msgpack:"gross_pnl_usd"`
	NetPnlUSD   float64   `msgpack:"net_pnl_usd"`
	HoldSeconds float64   `msgpack:"hold_seconds"`
}

// CycleJournal keeps the most recent cycle entries in the key-value
// store, msgpack-encoded, trimmed to a fixed cap.
type CycleJournal struct {
	store Store
	limit int
}

func NewCycleJournal(store Store, limit int) *CycleJournal {
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	return &CycleJournal{store: store, limit: limit}
}

func (j *CycleJournal) Append(ctx context.Context, entry CycleEntry) error {
	if j == nil || j.store == nil {
		return nil
	}
	entries, err := j.Recent(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	if len(entries) > j.limit {
		entries = entries[len(entries)-j.limit:]
	}
	payload, err := msgpack.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode cycle journal: %w", err)
	}
	return j.store.Set(ctx, cycleJournalKey, base64.StdEncoding.EncodeToString(payload))
}

// Recent returns the journal oldest first. A missing key is an empty
// journal, not an error.
func (j *CycleJournal) Recent(ctx context.Context) ([]CycleEntry, error) {
	if j == nil || j.store == nil {
		return nil, nil
	}
	raw, ok, err := j.store.Get(ctx, cycleJournalKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode cycle journal: %w", err)
	}
	var entries []CycleEntry
	if err := msgpack.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode cycle journal: %w", err)
	}
	return entries, nil
}
