package cdp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "drover",
		Name:      "sessions_active",
		Help:      "Number of attached protocol sessions.",
	})
	metricCommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Name:      "commands_sent_total",
		Help:      "Commands written to the transport.",
	})
	metricCommandFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Name:      "command_failures_total",
		Help:      "Commands rejected by the peer or aborted locally.",
	})
	metricEventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Name:      "events_dispatched_total",
		Help:      "Inbound events fanned out to subscribers.",
	})
	metricFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Name:      "frames_received_total",
		Help:      "Inbound frames read from the websocket.",
	})
	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames discarded: unparseable, unroutable, or unmatched.",
	})
)
