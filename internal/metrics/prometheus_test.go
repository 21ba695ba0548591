package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CyclesStarted.Inc()
	prom.Metrics.CyclesSucceeded.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.EmergencyUnwinds.Inc()
	prom.Metrics.LiquiditySkips.Inc()
	prom.Metrics.ReconcileMismatches.Inc()

	assertCounter(t, prom.Metrics.CyclesStarted, 1)
	assertCounter(t, prom.Metrics.CyclesSucceeded, 1)
	assertCounter(t, prom.Metrics.CyclesFailed, 0)
	assertCounter(t, prom.Metrics.OrdersPlaced, 1)
	assertCounter(t, prom.Metrics.EmergencyUnwinds, 1)
	assertCounter(t, prom.Metrics.LiquiditySkips, 1)
	assertCounter(t, prom.Metrics.ReconcileMismatches, 1)
}

func TestPrometheusHandlerServesRegistry(t *testing.T) {
	prom := NewPrometheus()
	if prom.Handler() == nil {
		t.Fatalf("expected a metrics handler")
	}
}

func assertCounter(t *testing.T, c Counter, expected float64) {
	t.Helper()
	raw := c.(promCounter).counter
	if got := testutil.ToFloat64(raw); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
