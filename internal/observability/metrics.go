package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "reconnects_total", Help: "Push channel reconnections"})
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridesync", Name: "connection_state", Help: "Push channel state (0 disconnected, 1 connecting, 2 connected, 3 authenticated)"})

	TokenRefreshAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "token_refresh_attempts_total", Help: "Token refresh attempts including retries"})
	TokenRefreshFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "token_refresh_failures_total", Help: "Token refresh attempts that failed"})

	TransitionsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesync", Name: "ride_transitions_applied_total", Help: "Ride status transitions applied"},
		[]string{"status"},
	)
	TransitionsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesync", Name: "ride_transitions_dropped_total", Help: "Out-of-order or regressive status updates dropped"},
		[]string{"source"},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesync", Name: "events_dropped_total", Help: "Inbound events dropped on a slow subscriber queue"},
		[]string{"type"},
	)

	MessagesSentTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "chat_messages_sent_total", Help: "Chat messages accepted for delivery"})
	MessagesResyncedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "chat_messages_resynced_total", Help: "Chat messages re-driven after reconnection"})
	PendingMessages       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridesync", Name: "chat_pending_messages", Help: "Messages persisted locally awaiting server acknowledgement"})

	SOSTriggeredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "sos_triggered_total", Help: "SOS alerts successfully registered"})
)
