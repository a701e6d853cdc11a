package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tracks outbound calls into the coordination enclave.
	MPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpc_calls_total",
			Help: "Total number of MPC engine calls (by method and outcome).",
		},
		[]string{"method", "status"},
	)

	MPCRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpc_retries_total",
			Help: "Number of MPC call retries after a transient failure.",
		},
		[]string{"method"},
	)

	// Measures duration of settlement legs against chain executors.
	SettlementLegDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_leg_duration_seconds",
			Help:    "Duration of settlement legs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"chain", "phase"},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Completed settlements by kind and outcome.",
		},
		[]string{"kind", "status"},
	)

	RequestsByStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfq_request_transitions_total",
			Help: "Quote request state transitions.",
		},
		[]string{"status"},
	)

	OrdersByStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkpool_order_transitions_total",
			Help: "Dark pool order state transitions.",
		},
		[]string{"status"},
	)

	FillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "darkpool_fills_total",
			Help: "Number of fills produced by matching passes.",
		},
	)

	NATSPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_publish_errors_total",
			Help: "Number of NATS publish failures",
		},
		[]string{"subject"},
	)

	ProofsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zk_proofs_total",
			Help: "Generated settlement proofs by outcome.",
		},
		[]string{"status"},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// counters are not meant for duration tracking
	}
}

func IncMPCCall(method, status string) {
	MPCCallsTotal.WithLabelValues(method, status).Inc()
}

func IncMPCRetry(method string) {
	MPCRetriesTotal.WithLabelValues(method).Inc()
}

func IncSettlement(kind, status string) {
	SettlementsTotal.WithLabelValues(kind, status).Inc()
}

func IncRequestTransition(status string) {
	RequestsByStatus.WithLabelValues(status).Inc()
}

func IncOrderTransition(status string) {
	OrdersByStatus.WithLabelValues(status).Inc()
}

func StartServer(addr string) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.ListenAndServe(addr, nil) //nolint:errcheck
	}()
}
