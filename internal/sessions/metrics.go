package sessions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "created_total",
		Help:      "Total streaming sessions created.",
	})

	sessionsActivated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "activated_total",
		Help:      "Total session activations, including resumes from paused.",
	})

	sessionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "completed_total",
		Help:      "Total sessions ended normally.",
	})

	sessionsPaused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "paused_total",
		Help:      "Total sessions paused on an exhausted permission.",
	})

	sessionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "failed_total",
		Help:      "Total sessions failed on a debit error.",
	})

	transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "transactions_total",
		Help:      "Scheduler billing transactions by path.",
	}, []string{"path"}) // "permission", "fallback"

	billedVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "billed_volume_zec_total",
		Help:      "Cumulative ZEC billed across all sessions.",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Active sessions seen by the last scheduler tick.",
	})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streampay",
		Subsystem: "sessions",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one scheduler tick.",
		Buckets:   prometheus.DefBuckets,
	})
)

func addBilledVolume(amount decimal.Decimal) {
	f, _ := amount.Float64()
	billedVolume.Add(f)
}

func init() {
	prometheus.MustRegister(
		sessionsCreated,
		sessionsActivated,
		sessionsCompleted,
		sessionsPaused,
		sessionsFailed,
		transactionsTotal,
		billedVolume,
		activeSessions,
		tickDuration,
	)
}
