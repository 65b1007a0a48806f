// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postbox_connections_open",
			Help: "Currently open client connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postbox_connections_total",
			Help: "Total accepted client connections",
		},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postbox_requests_total",
			Help: "Total requests by request code and response code",
		},
		[]string{"code", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postbox_request_duration_seconds",
			Help:    "Request handling duration",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"code"},
	)

	// Business
	IdentitiesRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postbox_identities_registered_total",
			Help: "Total identities registered",
		},
	)

	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postbox_messages_queued_total",
			Help: "Total messages accepted into mailboxes",
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postbox_messages_delivered_total",
			Help: "Total messages returned by pulls",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postbox_registration_rate_limited_total",
			Help: "Total registrations refused by the limiter",
		},
	)
)
