package sizing

import (
	"math"
	"testing"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Config{Ladder: []float64{100, 200, 400}, AdvanceAfter: 3, DowngradeAfter: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestLadderAdvanceAfterThreeSuccesses(t *testing.T) {
	m := newManager(t)
	if m.OnCycleResult(true) || m.OnCycleResult(true) {
		t.Fatalf("phase advanced before threshold")
	}
	if !m.OnCycleResult(true) {
		t.Fatalf("expected phase advance on third success")
	}
	if m.Phase() != 1 || m.PhaseNotional() != 200 {
		t.Fatalf("expected phase 1 / 200, got %d / %f", m.Phase(), m.PhaseNotional())
	}
	if m.Successes() != 0 || m.Failures() != 0 {
		t.Fatalf("counters must reset on phase change")
	}
}

func TestLadderDowngradeAfterTwoFailures(t *testing.T) {
	m := newManager(t)
	m.Restore(2, 0, 0)
	if m.OnCycleResult(false) {
		t.Fatalf("phase downgraded before threshold")
	}
	if !m.OnCycleResult(false) {
		t.Fatalf("expected downgrade on second failure")
	}
	if m.Phase() != 1 {
		t.Fatalf("expected phase 1, got %d", m.Phase())
	}
}

func TestLadderNeverLeavesBounds(t *testing.T) {
	m := newManager(t)
	for i := 0; i < 20; i++ {
		m.OnCycleResult(false)
	}
	if m.Phase() != 0 {
		t.Fatalf("phase fell below floor: %d", m.Phase())
	}
	for i := 0; i < 50; i++ {
		m.OnCycleResult(true)
	}
	if m.Phase() != 2 {
		t.Fatalf("phase exceeded ladder: %d", m.Phase())
	}
}

func TestSuccessClearsFailureStreak(t *testing.T) {
	m := newManager(t)
	m.Restore(1, 0, 0)
	m.OnCycleResult(false)
	m.OnCycleResult(true)
	if m.OnCycleResult(false) {
		t.Fatalf("failure streak should have been cleared by success")
	}
	if m.Phase() != 1 {
		t.Fatalf("expected phase 1, got %d", m.Phase())
	}
}

func TestRestoreClampsPhase(t *testing.T) {
	m := newManager(t)
	m.Restore(9, -1, -1)
	if m.Phase() != 2 || m.Successes() != 0 || m.Failures() != 0 {
		t.Fatalf("restore did not clamp: phase=%d", m.Phase())
	}
}

func TestRoundToTickHalfUp(t *testing.T) {
	cases := []struct {
		value, tick, want float64
	}{
		{0.0366, 0.001, 0.037},
		{0.0364, 0.001, 0.036},
		{0.036, 0.001, 0.036}, // idempotent on aligned input
		{0.75, 0.5, 1.0},      // exact half rounds up, not toward zero
		{104.26, 0.1, 104.3},
		{7, 0, 7},
	}
	for _, tc := range cases {
		got := RoundToTick(tc.value, tc.tick)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("RoundToTick(%f, %f) = %f, want %f", tc.value, tc.tick, got, tc.want)
		}
	}
}

func TestRoundToTickIdempotent(t *testing.T) {
	once := RoundToTick(2757.1234, 0.001)
	twice := RoundToTick(once, 0.001)
	if math.Abs(once-twice) > 1e-12 {
		t.Fatalf("rounding aligned value changed it: %f -> %f", once, twice)
	}
}

func TestQuantitiesForBalancedPair(t *testing.T) {
	// Target $100 across legs priced 2757 and 115.86 with ticks 0.001/0.1.
	q, err := QuantitiesFor(100, 2757, 115.86, 0.001, 0.1, 0.001, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.ImbalanceRatio >= 0.001 {
		t.Fatalf("expected imbalance < 0.1%%, got %f", q.ImbalanceRatio)
	}
	if math.Abs(RoundToTick(q.QtyA, 0.001)-q.QtyA) > 1e-9 {
		t.Fatalf("qtyA not tick aligned: %f", q.QtyA)
	}
	if math.Abs(RoundToTick(q.QtyB, 0.1)-q.QtyB) > 1e-9 {
		t.Fatalf("qtyB not tick aligned: %f", q.QtyB)
	}
}

func TestQuantitiesForRejectsBadInput(t *testing.T) {
	if _, err := QuantitiesFor(0, 1, 1, 0.1, 0.1, 0.001, 10); err == nil {
		t.Fatalf("expected error for zero notional")
	}
}
