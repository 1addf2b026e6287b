// Package metrics holds the Prometheus collectors of the session layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts domain events pushed to each outbound stream.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixsession_events_published_total",
			Help: "Domain events published per stream",
		},
		[]string{"stream"},
	)

	// EventsDropped counts engine callbacks whose payload could not be decoded.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixsession_events_dropped_total",
			Help: "Engine callbacks dropped because the payload was malformed",
		},
		[]string{"callback"},
	)

	// DeliveryOutcomes counts terminal delivery reports.
	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixsession_delivery_outcomes_total",
			Help: "Terminal delivery outcomes",
		},
		[]string{"outcome"}, // "delivered", "timed_out", "failed"
	)

	// Retries counts retries per policy.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixsession_retries_total",
			Help: "Retries performed per retry policy",
		},
		[]string{"policy"},
	)

	// FriendlyEscalations counts unknown engine errors sent to crash reporting.
	FriendlyEscalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mixsession_friendly_escalations_total",
			Help: "Engine errors without a curated message",
		},
	)

	// TransfersCompleted counts terminal file transfer progress events.
	TransfersCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixsession_transfers_completed_total",
			Help: "File transfers that reached a terminal state",
		},
		[]string{"direction", "result"},
	)

	// NetworkHealthy is 1 while the engine reports a healthy network.
	NetworkHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixsession_network_healthy",
			Help: "1 when the network is healthy",
		},
	)
)

// RetryObserver returns a retry.Policy OnRetry hook counting retries for name.
func RetryObserver(name string) func(int, error) {
	counter := Retries.WithLabelValues(name)
	return func(int, error) { counter.Inc() }
}
