package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	broadcastSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coffeebreak",
		Subsystem: "broadcast",
		Name:      "messages_sent_total",
		Help:      "Messages handed to the broadcast medium, by message type.",
	}, []string{"type"})

	broadcastReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coffeebreak",
		Subsystem: "broadcast",
		Name:      "messages_received_total",
		Help:      "Messages delivered to local subscribers, by message type.",
	}, []string{"type"})

	broadcastSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coffeebreak",
		Subsystem: "broadcast",
		Name:      "send_errors_total",
		Help:      "Sends silently dropped by the transport.",
	})

	broadcastMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coffeebreak",
		Subsystem: "broadcast",
		Name:      "malformed_messages_total",
		Help:      "Inbound datagrams discarded as undecodable or foreign.",
	})

	incrementsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coffeebreak",
		Subsystem: "stats",
		Name:      "increments_applied_total",
		Help:      "Counter increments applied, by category and origin (local or mirror).",
	}, []string{"category", "origin"})

	storeWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coffeebreak",
		Subsystem: "stats",
		Name:      "store_write_failures_total",
		Help:      "Failed durable writes of the counter record.",
	})

	peersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coffeebreak",
		Subsystem: "presence",
		Name:      "peers",
		Help:      "Instances currently believed alive, self included.",
	})

	sessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coffeebreak",
		Subsystem: "session",
		Name:      "completed_total",
		Help:      "Sessions completed, by outcome (finished, timeout, abandoned).",
	}, []string{"outcome"})

	feedClientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coffeebreak",
		Subsystem: "feed",
		Name:      "clients",
		Help:      "Websocket clients currently connected to the feed.",
	})

	assistantFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coffeebreak",
		Subsystem: "assistant",
		Name:      "fallbacks_total",
		Help:      "Remarks served from the canned fallback rotation.",
	})
)

func init() {
	prometheus.MustRegister(
		broadcastSent,
		broadcastReceived,
		broadcastSendErrors,
		broadcastMalformed,
		incrementsApplied,
		storeWriteFailures,
		peersGauge,
		sessionsCompleted,
		feedClientsGauge,
		assistantFallbacks,
	)
}

// RecordBroadcastSent counts a message handed to the medium.
func RecordBroadcastSent(msgType string) {
	broadcastSent.WithLabelValues(msgType).Inc()
}

// RecordBroadcastReceived counts a message delivered to local subscribers.
func RecordBroadcastReceived(msgType string) {
	broadcastReceived.WithLabelValues(msgType).Inc()
}

// RecordBroadcastSendError counts a send the transport dropped.
func RecordBroadcastSendError() {
	broadcastSendErrors.Inc()
}

// RecordBroadcastMalformed counts an inbound datagram that could not be used.
func RecordBroadcastMalformed() {
	broadcastMalformed.Inc()
}

// RecordIncrement counts an applied counter increment. Origin is "local" for
// increments produced by this instance and "mirror" for peer-originated ones.
func RecordIncrement(category, origin string) {
	incrementsApplied.WithLabelValues(category, origin).Inc()
}

// RecordStoreWriteFailure counts a failed durable write.
func RecordStoreWriteFailure() {
	storeWriteFailures.Inc()
}

// SetPeerCount updates the live-peer gauge.
func SetPeerCount(n int) {
	peersGauge.Set(float64(n))
}

// RecordSessionCompleted counts a completed session by outcome.
func RecordSessionCompleted(outcome string) {
	sessionsCompleted.WithLabelValues(outcome).Inc()
}

// SetFeedClients updates the connected-client gauge.
func SetFeedClients(n int) {
	feedClientsGauge.Set(float64(n))
}

// RecordAssistantFallback counts a canned remark served in place of the
// assistant service.
func RecordAssistantFallback() {
	assistantFallbacks.Inc()
}
