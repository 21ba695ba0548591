package sizing

import (
	"errors"
	"fmt"
	"math"
)

// Manager walks an ordered ladder of target notionals. Size grows only
// after a run of clean cycles and shrinks after repeated failures, so a
// degrading market walks the book with less capital at risk.
//
// The manager has a single writer (the cycle controller) and is mutated
// only at cycle completion.
type Manager struct {
	ladder         []float64
	advanceAfter   int
	downgradeAfter int

	phase     int
	successes int
	failures  int
}

type Config struct {
	Ladder         []float64
	AdvanceAfter   int
	DowngradeAfter int
}

func New(cfg Config) (*Manager, error) {
	if len(cfg.Ladder) == 0 {
		return nil, errors.New("sizing ladder is required")
	}
	for i, notional := range cfg.Ladder {
		if notional <= 0 {
			return nil, fmt.Errorf("ladder entry %d must be > 0", i)
		}
	}
	advance := cfg.AdvanceAfter
	if advance <= 0 {
		advance = 3
	}
	downgrade := cfg.DowngradeAfter
	if downgrade <= 0 {
		downgrade = 2
	}
	return &Manager{
		ladder:         append([]float64(nil), cfg.Ladder...),
		advanceAfter:   advance,
		downgradeAfter: downgrade,
	}, nil
}

// PhaseNotional is the target notional for the current ladder phase.
func (m *Manager) PhaseNotional() float64 { return m.ladder[m.phase] }

func (m *Manager) Phase() int     { return m.phase }
func (m *Manager) Successes() int { return m.successes }
func (m *Manager) Failures() int  { return m.failures }

// Restore reinstates persisted counters, clamping the phase into ladder
// bounds.
func (m *Manager) Restore(phase, successes, failures int) {
	if phase < 0 {
		phase = 0
	}
	if phase > len(m.ladder)-1 {
		phase = len(m.ladder) - 1
	}
	m.phase = phase
	m.successes = max(successes, 0)
	m.failures = max(failures, 0)
}

// OnCycleResult records one completed cycle and returns true when the
// phase changed. A success clears the failure streak and vice versa;
// both counters reset on any phase change.
func (m *Manager) OnCycleResult(success bool) bool {
	if success {
		m.successes++
		m.failures = 0
		if m.successes >= m.advanceAfter {
			m.successes = 0
			if m.phase < len(m.ladder)-1 {
				m.phase++
				return true
			}
			return false
		}
		return false
	}
	m.failures++
	m.successes = 0
	if m.failures >= m.downgradeAfter {
		m.failures = 0
		if m.phase > 0 {
			m.phase--
			return true
		}
		return false
	}
	return false
}

// RoundToTick aligns a price or quantity to the venue tick using
// round-half-up. Rounding an already aligned value is a no-op.
func RoundToTick(value, tick float64) float64 {
	if tick <= 0 {
		return value
	}
	return math.Floor(value/tick+0.5) * tick
}

// Quantities is a tick-aligned pair of leg sizes and the notional
// imbalance they leave behind.
type Quantities struct {
	QtyA           float64
	QtyB           float64
	ImbalanceRatio float64
}

// QuantitiesFor computes tick-aligned quantities for both legs that keep
// the two notionals as close as possible. Starting from notional/price
// per leg, it searches a +-searchSteps tick neighborhood on each leg and
// returns early once the imbalance ratio drops below target.
func QuantitiesFor(notional, priceA, priceB, tickA, tickB, target float64, searchSteps int) (Quantities, error) {
	if notional <= 0 || priceA <= 0 || priceB <= 0 {
		return Quantities{}, errors.New("notional and prices must be > 0")
	}
	if searchSteps <= 0 {
		searchSteps = 10
	}
	baseA := RoundToTick(notional/priceA, tickA)
	baseB := RoundToTick(notional/priceB, tickB)
	best := Quantities{QtyA: baseA, QtyB: baseB, ImbalanceRatio: imbalanceRatio(baseA, baseB, priceA, priceB, notional)}
	if best.ImbalanceRatio < target {
		return best, nil
	}
	for i := -searchSteps; i <= searchSteps; i++ {
		qtyA := baseA + float64(i)*tickA
		if qtyA <= 0 {
			continue
		}
		for j := -searchSteps; j <= searchSteps; j++ {
			qtyB := baseB + float64(j)*tickB
			if qtyB <= 0 {
				continue
			}
			ratio := imbalanceRatio(qtyA, qtyB, priceA, priceB, notional)
			if ratio < best.ImbalanceRatio {
				best = Quantities{QtyA: qtyA, QtyB: qtyB, ImbalanceRatio: ratio}
				if best.ImbalanceRatio < target {
					return best, nil
				}
			}
		}
	}
	return best, nil
}

func imbalanceRatio(qtyA, qtyB, priceA, priceB, notional float64) float64 {
	return math.Abs(qtyA*priceA-qtyB*priceB) / notional
}
