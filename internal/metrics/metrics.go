// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthDecisions counts Authenticator outcomes by credential method and
	// result code ("ok" on success).
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_auth_decisions_total",
			Help: "Total number of authentication decisions",
		},
		[]string{"method", "result"},
	)

	AuthDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marquee_auth_duration_seconds",
			Help:    "Time spent authenticating a request",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"method"},
	)

	AdminDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_admin_decisions_total",
			Help: "Admin authorization decisions by granting path",
		},
		[]string{"via"}, // permission, secret, both, denied
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_rate_limit_decisions_total",
			Help: "Rate limit checks by plan and outcome",
		},
		[]string{"plan", "allowed"},
	)

	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_tokens_issued_total",
			Help: "Token pairs issued by source",
		},
		[]string{"source"}, // exchange, refresh, admin
	)

	APIKeyOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_api_key_operations_total",
			Help: "Administrative API key operations",
		},
		[]string{"operation", "result"},
	)
)

var (
	// APIKeys is the number of stored keys per status, refreshed by the
	// inventory loop.
	APIKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marquee_api_keys",
			Help: "Stored API keys by status",
		},
		[]string{"status"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marquee_instance_info",
			Help: "Always 1; labels identify the running instance",
		},
		[]string{"instance_id", "version"},
	)

	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marquee_uptime_seconds",
			Help: "Seconds since the server started",
		},
	)
)
