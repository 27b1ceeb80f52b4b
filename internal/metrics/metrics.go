package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payment",
		Name:      "status_transitions_total",
		Help:      "Transactions moved out of PENDING, by terminal status and source.",
	}, []string{"status", "source"})

	DuplicateResolutions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payment",
		Name:      "duplicate_resolutions_total",
		Help:      "Status updates ignored because the transaction was already terminal.",
	})

	WebhookAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payment",
		Name:      "webhook_auth_failures_total",
		Help:      "Notification callbacks rejected for a bad or missing signature.",
	})

	ReconcilePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payment",
		Name:      "reconcile_polls_total",
		Help:      "Reconciliation verify calls, by outcome.",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "payment",
		Name:      "reconcile_queue_depth",
		Help:      "Transactions currently awaiting reconciliation.",
	})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "payment",
		Name:      "gateway_request_duration_seconds",
		Help:      "Latency of calls to the payment gateway.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
