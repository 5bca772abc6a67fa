package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuotesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotes_created_total",
		Help: "Total number of quotes issued",
	})

	HoldsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "holds_created_total",
		Help: "Total number of holds that became active",
	})

	HoldReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hold_replays_total",
		Help: "Hold requests answered from an existing idempotency key",
	})

	HoldConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hold_conflicts_total",
		Help: "Hold requests rejected because the slot was taken",
	}, []string{"reason"})

	HoldsReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holds_reclaimed_total",
		Help: "Holds that gave their slot back",
	}, []string{"reason"})

	LockAcquireLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slot_lock_acquire_latency_seconds",
		Help:    "Latency of slot lock acquisition",
		Buckets: prometheus.DefBuckets,
	})

	LockReleaseMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slot_lock_release_misses_total",
		Help: "Lock releases where the lock was already gone or owned by someone else",
	})

	BookingsPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_paid_total",
		Help: "Total number of bookings confirmed by payment",
	})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Payment webhooks by outcome",
	}, []string{"outcome"})

	WebhookSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_webhook_signature_failures_total",
		Help: "Payment webhooks rejected for an invalid signature",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hold_sweep_duration_seconds",
		Help:    "Duration of one expiry sweep",
		Buckets: prometheus.DefBuckets,
	})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limited_requests_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"path"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "WhatsApp notifications by status",
	}, []string{"status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
