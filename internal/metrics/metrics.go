// Package metrics exposes the ledger's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome kind.",
		},
		[]string{"op", "kind"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"op"},
	)

	grpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "gRPC requests by method and status code.",
		},
		[]string{"method", "code"},
	)

	syncConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Entries changed on both sides between two syncs.",
		},
	)

	redemptionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "redemptions",
			Name:      "expired_total",
			Help:      "Pending redemptions moved to expired by the sweeper.",
		},
	)
)

func init() {
	Registry.MustRegister(
		operations,
		operationDuration,
		grpcRequests,
		syncConflicts,
		redemptionsExpired,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one ledger operation and its duration.
func RecordOperation(op, kind string, d time.Duration) {
	operations.WithLabelValues(op, kind).Inc()
	operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordRequest counts one finished gRPC call.
func RecordRequest(method, code string) {
	grpcRequests.WithLabelValues(method, code).Inc()
}

// AddSyncConflicts counts conflicts reported by one sync run.
func AddSyncConflicts(n int) {
	if n > 0 {
		syncConflicts.Add(float64(n))
	}
}

// AddExpired counts redemptions expired by one sweep.
func AddExpired(n int) {
	if n > 0 {
		redemptionsExpired.Add(float64(n))
	}
}
