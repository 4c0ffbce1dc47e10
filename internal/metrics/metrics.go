// Package metrics exposes sendbrain's Prometheus collectors, grounded on
// the pack's metrics-registry idiom: a private registry, collectors
// registered once at package init, and a dedicated /metrics HTTP handler
// hung off each process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendbrain",
			Subsystem: "send",
			Name:      "total",
			Help:      "Total send attempts by outcome.",
		},
		[]string{"outcome"},
	)

	denialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendbrain",
			Subsystem: "pacer",
			Name:      "denials_total",
			Help:      "Total Pacer denials by reason.",
		},
		[]string{"reason"},
	)

	breakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendbrain",
			Subsystem: "session",
			Name:      "breaker_trips_total",
			Help:      "Total circuit-breaker state transitions by Identity.",
		},
		[]string{"identity", "state"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sendbrain",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current count of pending message_queue records.",
		},
	)

	campaignsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sendbrain",
			Subsystem: "campaign",
			Name:      "active",
			Help:      "Current count of non-terminal campaigns.",
		},
	)
)

var registry *prometheus.Registry

func init() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(sendsTotal)
	registry.MustRegister(denialsTotal)
	registry.MustRegister(breakerTripsTotal)
	registry.MustRegister(queueDepth)
	registry.MustRegister(campaignsActive)
}

// RecordSend increments the send counter for one outcome (ok, denied,
// temp_blocked, perm_failed, not_paired, not_connected).
func RecordSend(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

// RecordDenial increments the Pacer-denial counter for one reason.
func RecordDenial(reason string) {
	if reason == "" {
		return
	}
	denialsTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerTrip increments the circuit-breaker transition counter for
// one Identity.
func RecordBreakerTrip(identity, state string) {
	breakerTripsTotal.WithLabelValues(identity, state).Inc()
}

// SetQueueDepth sets the current pending-queue gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetActiveCampaigns sets the current active-campaign gauge.
func SetActiveCampaigns(n int) {
	campaignsActive.Set(float64(n))
}

// Handler returns the /metrics HTTP handler for this process.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
