package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "cv_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	cyclesStarted := newCounter("cycles_started_total", "Total number of hedge cycles started.")
	cyclesSucceeded := newCounter("cycles_succeeded_total", "Total number of hedge cycles unwound cleanly.")
	cyclesFailed := newCounter("cycles_failed_total", "Total number of hedge cycles ended by an emergency unwind.")
	cyclesAborted := newCounter("cycles_aborted_total", "Total number of hedge cycles aborted with no fills.")
	ordersPlaced := newCounter("orders_placed_total", "Total number of leg executions completed.")
	ordersFailed := newCounter("orders_failed_total", "Total number of leg executions that failed.")
	emergencyUnwinds := newCounter("emergency_unwinds_total", "Total number of emergency flattening runs.")
	liquiditySkips := newCounter("liquidity_skips_total", "Total number of exits deferred for thin book depth.")
	entrySkips := newCounter("entry_skips_total", "Total number of entry ticks skipped by the momentum gate.")
	reconcileMismatches := newCounter("reconcile_mismatches_total", "Total number of position reconciliation mismatches.")

	m := &Metrics{
		CyclesStarted:       promCounter{cyclesStarted},
		CyclesSucceeded:     promCounter{cyclesSucceeded},
		CyclesFailed:        promCounter{cyclesFailed},
		CyclesAborted:       promCounter{cyclesAborted},
		OrdersPlaced:        promCounter{ordersPlaced},
		OrdersFailed:        promCounter{ordersFailed},
		EmergencyUnwinds:    promCounter{emergencyUnwinds},
		LiquiditySkips:      promCounter{liquiditySkips},
		EntrySkips:          promCounter{entrySkips},
		ReconcileMismatches: promCounter{reconcileMismatches},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
