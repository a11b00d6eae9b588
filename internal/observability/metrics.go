// Package observability exports protocol counters in Prometheus format.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Message directions.
const (
	Inbound  = "in"
	Outbound = "out"
)

var (
	registerOnce sync.Once

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hulink",
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Complete data messages by direction and session type.",
		},
		[]string{"direction", "session_type"},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hulink",
			Subsystem: "protocol",
			Name:      "payload_bytes_total",
			Help:      "Data message payload bytes by direction.",
		},
		[]string{"direction"},
	)
	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hulink",
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Protocol faults reported to the listener.",
		},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hulink",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle outcomes.",
		},
		[]string{"event", "session_type"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hulink",
			Subsystem: "session",
			Name:      "active",
			Help:      "Established sessions by type.",
		},
		[]string{"session_type"},
	)
	transportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hulink",
			Subsystem: "transport",
			Name:      "events_total",
			Help:      "Link disconnects, failovers and errors.",
		},
		[]string{"event"},
	)
	heartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hulink",
			Subsystem: "heartbeat",
			Name:      "timeouts_total",
			Help:      "Heartbeat lapses.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messages, payloadBytes, protocolErrors, sessionEvents, sessionsActive, transportEvents, heartbeatTimeouts)
	})
}

func RecordMessage(direction, sessionType string, size int) {
	RegisterMetrics()
	messages.WithLabelValues(direction, sessionType).Inc()
	payloadBytes.WithLabelValues(direction).Add(float64(size))
}

func RecordProtocolError() {
	RegisterMetrics()
	protocolErrors.Inc()
}

// RecordSessionEvent counts event and keeps the active gauge in step:
// "started" raises it, "ended" lowers it.
func RecordSessionEvent(event, sessionType string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(event, sessionType).Inc()
	switch event {
	case "started":
		sessionsActive.WithLabelValues(sessionType).Inc()
	case "ended":
		sessionsActive.WithLabelValues(sessionType).Dec()
	}
}

func RecordTransportEvent(event string) {
	RegisterMetrics()
	transportEvents.WithLabelValues(event).Inc()
}

func RecordHeartbeatTimeout() {
	RegisterMetrics()
	heartbeatTimeouts.Inc()
}
