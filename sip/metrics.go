package sip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipgw",
		Subsystem: "engine",
		Name:      "messages_sent_total",
		Help:      "SIP messages written to the socket.",
	})
	metricMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipgw",
		Subsystem: "engine",
		Name:      "messages_received_total",
		Help:      "SIP messages read from the socket.",
	})
	metricRegistrations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipgw",
		Subsystem: "engine",
		Name:      "registrations_total",
		Help:      "Successful REGISTER round-trips, including re-registrations.",
	})
	metricRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sipgw",
		Subsystem: "engine",
		Name:      "registered",
		Help:      "1 while the engine holds an active registration.",
	})
	metricCallsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipgw",
		Subsystem: "engine",
		Name:      "calls_total",
		Help:      "Outbound calls attempted.",
	})
	metricCallsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipgw",
		Subsystem: "engine",
		Name:      "calls_failed_total",
		Help:      "Calls that ended in a failure notification.",
	})
)
