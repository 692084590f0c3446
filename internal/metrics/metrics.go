package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal counts verification requests by final outcome
	// (paid, failed, replayed, conflict, unavailable, invalid, not_found,
	// internal).
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_verifications_total",
		Help: "Verification requests by outcome",
	}, []string{"outcome"})

	// GatewayRequestsTotal counts individual gateway calls by result
	// (confirmed, declined, unknown).
	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_requests_total",
		Help: "Payment gateway verification calls by result",
	}, []string{"result"})

	// GatewayRetriesTotal counts retried gateway attempts.
	GatewayRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_gateway_retries_total",
		Help: "Retried payment gateway calls",
	})

	// GatewayBreakerState is 0 closed, 1 open, 2 half-open.
	GatewayBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payment_gateway_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// LeaseWaitSeconds observes how long attempts waited to acquire the
	// per-order lease.
	LeaseWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_lease_wait_seconds",
		Help:    "Time spent waiting for the per-order verification lease",
		Buckets: prometheus.DefBuckets,
	})
)
