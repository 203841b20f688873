package brag

import "github.com/prometheus/client_golang/prometheus"

var (
	outcomesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slava",
		Subsystem: "brag",
		Name:      "outcomes_total",
		Help:      "Brag decisions by owner kind and outcome (posted, hidden, first_sync, duplicate, private, claimed).",
	}, []string{"kind", "outcome"})

	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slava",
		Subsystem: "brag",
		Name:      "messages_total",
		Help:      "Slack messages posted, updated and deleted.",
	}, []string{"op"})

	disabledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slava",
		Subsystem: "brag",
		Name:      "destinations_disabled_total",
		Help:      "Destinations turned off after Slack reported them gone.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(outcomesCounter, messagesCounter, disabledCounter)
}
