package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesStarted       Counter
	CyclesSucceeded     Counter
	CyclesFailed        Counter
	CyclesAborted       Counter
	OrdersPlaced        Counter
	OrdersFailed        Counter
	EmergencyUnwinds    Counter
	LiquiditySkips      Counter
	EntrySkips          Counter
	ReconcileMismatches Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesStarted:       n,
		CyclesSucceeded:     n,
		CyclesFailed:        n,
		CyclesAborted:       n,
		OrdersPlaced:        n,
		OrdersFailed:        n,
		EmergencyUnwinds:    n,
		LiquiditySkips:      n,
		EntrySkips:          n,
		ReconcileMismatches: n,
	}
}
