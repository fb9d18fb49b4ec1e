package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crowdfund"

var (
	registerOnce sync.Once

	Settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "settlements_total",
		Help:      "Settlement attempts by operation and outcome.",
	}, []string{"operation", "outcome"})

	GatewayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_seconds",
		Help:      "Payment gateway call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	DriftedWallets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "drift_wallets",
		Help:      "Wallets whose cached balance disagrees with the ledger at the last reconciliation.",
	})
)

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Settlements, GatewayDuration, HTTPDuration, DriftedWallets)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordSettlement(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Settlements.WithLabelValues(operation, outcome).Inc()
}

// ObserveGateway is used as `defer metrics.ObserveGateway("transfer", time.Now())`.
func ObserveGateway(operation string, start time.Time) {
	GatewayDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
