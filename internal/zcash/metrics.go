package zcash

import "github.com/prometheus/client_golang/prometheus"

var (
	rpcCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "zcash",
		Name:      "rpc_calls_total",
		Help:      "Total node RPC calls by method and outcome.",
	}, []string{"method", "outcome"}) // "ok", "error"

	rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streampay",
		Subsystem: "zcash",
		Name:      "rpc_duration_seconds",
		Help:      "Node RPC latency by method.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	verifiedPayments = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streampay",
		Subsystem: "zcash",
		Name:      "verified_payment_zec",
		Help:      "Distribution of sender-verified payment sums in ZEC.",
		Buckets:   []float64{0.01, 0.1, 1, 10, 100, 1000},
	})
)

func init() {
	prometheus.MustRegister(
		rpcCallsTotal,
		rpcDuration,
		verifiedPayments,
	)
}
