package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slava",
		Subsystem: "scheduler",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a scheduler sweep by cadence.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"cadence"})

	accountsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slava",
		Subsystem: "scheduler",
		Name:      "accounts_total",
		Help:      "Accounts and teams processed by a sweep, labeled by result (ok, failed, locked).",
	}, []string{"cadence", "result"})
)

func init() {
	prometheus.MustRegister(sweepDuration, accountsCounter)
}
