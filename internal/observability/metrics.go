package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_escrow", Name: "transitions_total", Help: "Successful ride transitions by origin and resulting status"},
		[]string{"from", "to"},
	)
	ClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_escrow", Name: "claim_conflicts_total", Help: "Claim attempts that lost the conditional write"})
	GatewayCallsTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_escrow", Name: "gateway_calls_total", Help: "Payment gateway calls by operation and outcome"},
		[]string{"op", "outcome"},
	)
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_escrow", Name: "webhook_events_total", Help: "Payment webhook events by type and reconciliation outcome"},
		[]string{"type", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_escrow", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_escrow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
