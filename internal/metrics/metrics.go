// Package metrics provides Prometheus instrumentation for the session
// provisioning service. It exposes gauges for live session and observer
// counts, counters for session outcomes and deliveries, and a histogram for
// credential delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the current number of session records in the store.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_active_sessions",
		Help: "Current number of live session records",
	})

	// SessionsStarted counts every session brought up, including reconnects.
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_sessions_started_total",
		Help: "Total number of sessions started",
	})

	// SessionOutcomes counts how sessions left the store, labeled by outcome:
	// "retired", "logged_out", "dropped", or "superseded".
	SessionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_session_outcomes_total",
		Help: "Total number of sessions removed from the store",
	}, []string{"outcome"}) // outcome = "retired", "logged_out", "dropped", "superseded"

	// Deliveries counts credential delivery attempts, labeled by result:
	// "delivered", "assembly_failed", or "send_failed".
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_deliveries_total",
		Help: "Total number of credential delivery attempts",
	}, []string{"result"}) // result = "delivered", "assembly_failed", "send_failed"

	// DeliveryDuration records the time from delivery start to the artifact
	// being handed to the protocol channel.
	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessiond_delivery_duration_seconds",
		Help:    "Credential delivery latency in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// Notifications counts lifecycle events fanned out to observers, labeled
	// by event type.
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_notifications_total",
		Help: "Total number of lifecycle events broadcast to observers",
	}, []string{"event"}) // event = "pairing_code", "connection_status", "session_ready", "error"

	// ObserversConnected tracks the current number of observer connections.
	ObserversConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_observers_connected",
		Help: "Current number of connected observers",
	})

	// AuditDropped counts audit entries discarded because the recorder's
	// buffer was full.
	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_audit_dropped_total",
		Help: "Total number of audit entries dropped",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		SessionsStarted,
		SessionOutcomes,
		Deliveries,
		DeliveryDuration,
		Notifications,
		ObserversConnected,
		AuditDropped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
