package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "toolbridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	relayedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_relayed_messages_total",
			Help: "Messages routed per direction and message type",
		},
		[]string{"direction", "type"},
	)

	relayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_relay_errors_total",
			Help: "Protocol error replies per error code",
		},
		[]string{"code"},
	)

	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_dropped_events_total",
			Help: "Events dropped instead of delivered",
		},
		[]string{"reason"},
	)

	openCorrelations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolbridge_open_correlations",
			Help: "Requests currently awaiting their response",
		},
	)

	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolbridge_connected_clients",
			Help: "Event stream subscribers currently connected",
		},
	)

	routingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolbridge_routing_duration_seconds",
			Help:    "Time spent routing one message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)
)

// Register adds every bridge metric to r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, relayedMessages, relayErrors, droppedEvents, openCorrelations, connectedClients, routingDuration)
}

// SetBuildInfo sets the build info metric for the bridge.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRelayedMessage increments the routed message counter.
func RecordRelayedMessage(direction, msgType string) {
	relayedMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordRelayError increments the error reply counter for a wire code.
func RecordRelayError(code string) {
	relayErrors.WithLabelValues(code).Inc()
}

// RecordDroppedEvent increments the dropped event counter.
func RecordDroppedEvent(reason string) {
	droppedEvents.WithLabelValues(reason).Inc()
}

// SetOpenCorrelations sets the in-flight correlation gauge.
func SetOpenCorrelations(n int) {
	openCorrelations.Set(float64(n))
}

// SetConnectedClients sets the subscriber gauge.
func SetConnectedClients(n int) {
	connectedClients.Set(float64(n))
}

// ObserveRoutingDuration records the time spent routing one message.
func ObserveRoutingDuration(direction string, d time.Duration) {
	routingDuration.WithLabelValues(direction).Observe(d.Seconds())
}
