// Package metrics provides Prometheus instrumentation for the simulator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts scheduler tick cycles, including skipped ones.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_ticks_total",
		Help: "Total scheduler tick cycles",
	}, []string{"result"}) // "updated" or "skipped"

	// TickDuration tracks how long a full tick cycle takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simulator_tick_duration_seconds",
		Help:    "Duration of a full tick cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// AssetsUpdated counts per-asset price updates.
	AssetsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_assets_updated_total",
		Help: "Total per-asset price updates",
	})

	// OpenExchanges tracks how many exchanges were open on the last tick.
	OpenExchanges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_open_exchanges",
		Help: "Exchanges open at the last tick",
	})

	// FillsTotal counts executed fills, partitioned by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_fills_total",
		Help: "Total order fills executed",
	}, []string{"side"})

	// OrdersExpired counts orders expired by the tick sweep.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_orders_expired_total",
		Help: "Total orders expired",
	})

	// OrderRejections counts rejected placements, partitioned by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_order_rejections_total",
		Help: "Total rejected order placements",
	}, []string{"reason"})

	// SnapshotsTotal counts portfolio snapshots written.
	SnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_portfolio_snapshots_total",
		Help: "Total portfolio snapshots written",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
