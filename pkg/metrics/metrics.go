// Package metrics exposes Prometheus collectors for the delivery worker,
// the transaction pipeline and the tick scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Delivery metrics
	DeliveryAttemptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_attempt_total",
			Help: "Total number of delivery attempts by destination type",
		},
		[]string{"destination_type"},
	)

	DeliverySuccessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_success_total",
			Help: "Total number of successful deliveries by destination type",
		},
		[]string{"destination_type"},
	)

	DeliveryFailTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_fail_total",
			Help: "Total number of failed delivery attempts by destination type",
		},
		[]string{"destination_type"},
	)

	DeliveryDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_delivery_dlq_total",
			Help: "Total number of deliveries dead-lettered after exhausting retries",
		},
		[]string{"destination_type"},
	)

	// Transaction pipeline metrics
	TxBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_tx_batches_total",
			Help: "Total number of committed operation batches by result",
		},
		[]string{"result"},
	)

	TxOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_tx_ops_total",
			Help: "Total number of applied operations by kind",
		},
		[]string{"kind"},
	)

	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_events_appended_total",
			Help: "Total number of aggregate events appended by aggregate kind",
		},
		[]string{"aggregate"},
	)

	// Tick scheduler metrics
	TickPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_tick_passes_total",
			Help: "Total number of completed tick passes",
		},
	)

	TickSweepErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_tick_sweep_errors_total",
			Help: "Total number of sweep errors by sweep name",
		},
		[]string{"sweep"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_tick_duration_seconds",
			Help:    "Duration of a full tick pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Insolvency sweep metrics
	InsolvencyFrozenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_insolvency_frozen_total",
			Help: "Total number of agents frozen by the insolvency sweep",
		},
	)

	InsolvencyScannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_insolvency_scanned_total",
			Help: "Total number of agents scanned by the insolvency sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(DeliveryAttemptTotal)
	prometheus.MustRegister(DeliverySuccessTotal)
	prometheus.MustRegister(DeliveryFailTotal)
	prometheus.MustRegister(DeliveryDLQTotal)
	prometheus.MustRegister(TxBatchesTotal)
	prometheus.MustRegister(TxOpsTotal)
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(TickPassesTotal)
	prometheus.MustRegister(TickSweepErrorsTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(InsolvencyFrozenTotal)
	prometheus.MustRegister(InsolvencyScannedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
