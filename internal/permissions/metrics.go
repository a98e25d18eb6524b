package permissions

import "github.com/prometheus/client_golang/prometheus"

var (
	permissionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "permissions",
		Name:      "created_total",
		Help:      "Total spending permissions created.",
	})

	permissionsActivated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "permissions",
		Name:      "activated_total",
		Help:      "Total permissions activated after funding verification.",
	})

	permissionsRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "permissions",
		Name:      "revoked_total",
		Help:      "Total permissions revoked.",
	})

	permissionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "permissions",
		Name:      "expired_total",
		Help:      "Total permissions transitioned to expired by the sweeper.",
	})

	debitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "permissions",
		Name:      "debits_total",
		Help:      "Debit attempts by outcome.",
	}, []string{"outcome"}) // "ok", "insufficient", "expired", "error"

	debitVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streampay",
		Subsystem: "permissions",
		Name:      "debit_volume_zec_total",
		Help:      "Cumulative ZEC debited from permissions.",
	})
)

func init() {
	prometheus.MustRegister(
		permissionsCreated,
		permissionsActivated,
		permissionsRevoked,
		permissionsExpired,
		debitsTotal,
		debitVolume,
	)
}
