package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshlink_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshlink_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Routing metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshlink_messages_routed_total",
			Help: "Total messages routed, by outcome",
		},
		[]string{"outcome"},
	)

	HandlerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshlink_handler_duration_seconds",
			Help:    "Entity message handler execution time",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	ContextAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshlink_context_appends_total",
			Help: "Total messages appended to conversation contexts",
		},
	)

	// Registry metrics
	RegistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshlink_registrations_total",
			Help: "Total entity registrations",
		},
	)

	UnregistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshlink_unregistrations_total",
			Help: "Total entity unregistrations",
		},
	)

	EntitiesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshlink_entities_live",
			Help: "Currently registered entities",
		},
	)

	// Security metrics
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshlink_auth_failures_total",
			Help: "Total authentication failures, by kind",
		},
		[]string{"kind"},
	)

	CertificatesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshlink_certificates_issued_total",
			Help: "Total certificates issued",
		},
	)

	PolicyDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshlink_policy_denials_total",
			Help: "Total messages denied by policy",
		},
	)
)
