package syncer

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slava",
		Subsystem: "sync",
		Name:      "records_total",
		Help:      "Activities seen during sync, labeled by owner kind and result (created, updated, unchanged, skipped).",
	}, []string{"kind", "result"})

	pagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slava",
		Subsystem: "sync",
		Name:      "pages_total",
		Help:      "Pages fetched from Strava.",
	}, []string{"kind"})

	upstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slava",
		Subsystem: "sync",
		Name:      "upstream_errors_total",
		Help:      "Strava failures by class (unauthorized, not_found, rate_limited, other).",
	}, []string{"class"})
)

func init() {
	prometheus.MustRegister(recordsCounter, pagesCounter, upstreamErrors)
}
