// Package metrics exposes the bot's Prometheus instrumentation. All
// collectors are package-level and registered once at init; callers
// touch them directly from the hot path without plumbing a registry
// around.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gridbot"

var (
	CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Completed orchestrator cycles.",
	})
	CycleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycle_errors_total",
		Help:      "Cycle steps that failed and were skipped.",
	})
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one full orchestrator cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	OrdersPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_placed_total",
		Help:      "Orders successfully placed on the venue.",
	})
	OrdersCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_canceled_total",
		Help:      "Orders successfully canceled on the venue.",
	})
	OrdersSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_skipped_total",
		Help:      "Planned orders dropped for failing venue filters.",
	})
	OrderErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_errors_total",
		Help:      "Venue rejections other than benign duplicates and unknowns.",
	})

	FillsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_recorded_total",
		Help:      "New fills attributed and persisted during sync.",
	})
	ReanchorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reanchors_total",
		Help:      "Baskets re-anchored to the current price.",
	})
	EmergencyCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emergency_closes_total",
		Help:      "Emergency close operations executed.",
	})
	GuardTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guard_trips_total",
		Help:      "Crash guard activations.",
	})

	OpenOrders = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_orders",
		Help:      "Resting orders on the venue per pair.",
	}, []string{"pair"})
	PositionBase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "position_base",
		Help:      "Net base inventory per pair.",
	}, []string{"pair"})
	GateUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gate_running",
		Help:      "1 when the trading gate is running, 0 when stopped.",
	})
	AccountValue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "account_value_quote",
		Help:      "Last snapshotted account value in quote terms.",
	})
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleErrors,
		CycleDuration,
		OrdersPlaced,
		OrdersCanceled,
		OrdersSkipped,
		OrderErrors,
		FillsRecorded,
		ReanchorsTotal,
		EmergencyCloses,
		GuardTrips,
		OpenOrders,
		PositionBase,
		GateUp,
		AccountValue,
	)
}

// ObserveCycle records one finished cycle.
func ObserveCycle(start time.Time) {
	CyclesTotal.Inc()
	CycleDuration.Observe(time.Since(start).Seconds())
}

// SetGate mirrors the trading gate into the gauge.
func SetGate(running bool) {
	if running {
		GateUp.Set(1)
	} else {
		GateUp.Set(0)
	}
}
