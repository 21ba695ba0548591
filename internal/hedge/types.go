package hedge

import (
	"context"
	"errors"
	"math"
	"time"

	"cv-hedge-bot/internal/threshold"
)

// ErrPartialFillImbalance marks a Build or Unwind where exactly one leg
// completed. It always routes to an emergency unwind and always counts as
// a cycle failure; silently retrying would compound directional exposure.
var ErrPartialFillImbalance = errors.New("partial fill imbalance")

type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhaseEntryWait       Phase = "ENTRY_WAIT"
	PhaseBuild           Phase = "BUILD"
	PhaseHold            Phase = "HOLD"
	PhaseExitWait        Phase = "EXIT_WAIT"
	PhaseUnwind          Phase = "UNWIND"
	PhaseEmergencyUnwind Phase = "EMERGENCY_UNWIND"
)

// Direction says which leg is long this cycle. It alternates across
// cycles so the strategy carries no systematic one-sided skew.
type Direction string

const (
	DirectionPrimaryLong  Direction = "primary_long"
	DirectionPrimaryShort Direction = "primary_short"
)

func (d Direction) Next() Direction {
	if d == DirectionPrimaryLong {
		return DirectionPrimaryShort
	}
	return DirectionPrimaryLong
}

// Outcome is the single terminal event every cycle emits, regardless of
// how it went. The absence of an event is never the only signal of a
// hung cycle.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeEmergency Outcome = "emergency_unwind"
	OutcomeAborted   Outcome = "aborted_no_fill"
)

// Position is signed net exposure per leg plus the entry prices needed to
// value it. Recomputed after every fill; the single source of truth for
// delta-neutrality checks.
type Position struct {
	PrimaryQty   float64
	HedgeQty     float64
	PrimaryPrice float64
	HedgePrice   float64
}

// ImbalanceNotional is |primaryNotional·sign + hedgeNotional·sign|.
func (p Position) ImbalanceNotional() float64 {
	return math.Abs(p.PrimaryQty*p.PrimaryPrice + p.HedgeQty*p.HedgePrice)
}

func (p Position) ImbalanceRatio(notional float64) float64 {
	if notional <= 0 {
		return 0
	}
	return p.ImbalanceNotional() / notional
}

func (p Position) IsFlat(epsilon float64) bool {
	return math.Abs(p.PrimaryQty) <= epsilon && math.Abs(p.HedgeQty) <= epsilon
}

// Cycle is one build/hold/unwind round trip. Owned exclusively by the
// controller; at most one live instance per instrument pair.
type Cycle struct {
	ID        string
	Phase     Phase
	Direction Direction
	StartedAt time.Time

	Notional   float64
	PrimaryQty float64
	HedgeQty   float64

	EntryPrimaryPrice float64
	EntryHedgePrice   float64
	EnteredAt         time.Time

	Bands threshold.ExitBands
}

// FillRecord is one append-only trade record per individual fill.
type FillRecord struct {
	Time        time.Time
	CycleID     string
	CyclePhase  Phase
	Venue       string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	FeeUSD      float64
	SlippageBps float64
}

// CycleRecord is the terminal record for one cycle.
type CycleRecord struct {
	Time        time.Time
	CycleID     string
	Direction   Direction
	Outcome     Outcome
	Notional    float64
	GrossPnlUSD float64
	NetPnlUSD   float64
	HoldSeconds float64
}

// Recorder receives persistence events. Implementations must not block
// the trading loop.
type Recorder interface {
	RecordFill(record FillRecord)
	RecordCycle(record CycleRecord)
}

type noopRecorder struct{}

func (noopRecorder) RecordFill(FillRecord)   {}
func (noopRecorder) RecordCycle(CycleRecord) {}

// NopRecorder discards all records.
func NopRecorder() Recorder { return noopRecorder{} }

// Guard gates cycle starts, reconciles venue-reported positions against
// local state, and latches the persistent emergency flag.
type Guard interface {
	PreTradeCheck(ctx context.Context) error
	Reconcile(ctx context.Context) error
	TripEmergency(ctx context.Context, reason string) error
}

type nopGuard struct{}

func (nopGuard) PreTradeCheck(context.Context) error         { return nil }
func (nopGuard) Reconcile(context.Context) error             { return nil }
func (nopGuard) TripEmergency(context.Context, string) error { return nil }

// NopGuard allows every cycle and ignores emergencies.
func NopGuard() Guard { return nopGuard{} }

// Notifier pushes operator-facing alerts. Failures are logged, never
// propagated into the trading path.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, string) error { return nil }

func NopNotifier() Notifier { return noopNotifier{} }
