package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for webhook intake and reconciliation
var (
	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_requests_total",
			Help: "Total number of webhook requests by intake result",
		},
		[]string{"result"},
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconciliations_total",
			Help: "Total number of reconciled webhook events by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_reconcile_duration_seconds",
			Help:    "Duration of webhook event reconciliation",
			Buckets: prometheus.DefBuckets,
		},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_gateway_requests_total",
			Help: "Total number of payment gateway calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	StorageConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_storage_conflicts_total",
			Help: "Total number of retried storage conflicts",
		},
	)

	SweptEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_swept_events_total",
			Help: "Total number of unprocessed events picked up by the sweeper",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_subscription_cache_hits_total",
			Help: "Total number of subscription cache hits",
		},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(WebhookRequestsTotal)
		prometheus.MustRegister(ReconciliationsTotal)
		prometheus.MustRegister(ReconcileDuration)
		prometheus.MustRegister(GatewayRequestsTotal)
		prometheus.MustRegister(StorageConflictsTotal)
		prometheus.MustRegister(SweptEventsTotal)
		prometheus.MustRegister(CacheHitsTotal)
	})
}
