package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ScansFinalized          = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_finalized_total", Help: "Scans scored and marked completed"})
	RecommendationsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommendations_accepted_total", Help: "Recommendations converted to trackings via bulk-accept"})
	RecommendationsSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "recommendations_skipped_total", Help: "Bulk-accept candidates skipped with a reason"})
	ReconcilerRepairs       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_repairs_total", Help: "Recommendations flagged for repair by the reconciler"})
	ReconcilerPromotions    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_promotions_total", Help: "Recommendations promoted to created by the reconciler"})
	ReconcilerFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_failures_total", Help: "Recommendations marked failed by the reconciler"})
	SyncSuccess             = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_completed_total", Help: "Trackings synced to external platforms"})
	SyncFailures            = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_failed_total", Help: "Sync attempts that failed"})
	RateLimitRejects        = prometheus.NewCounter(prometheus.CounterOpts{Name: "accept_rate_limit_rejects_total", Help: "Bulk-accept requests rejected by the rate limiter"})
	QueueDepthGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Sync jobs waiting in the ready queue"})
	InFlightGauge           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_inflight", Help: "Sync jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ScansFinalized,
			RecommendationsAccepted,
			RecommendationsSkipped,
			ReconcilerRepairs,
			ReconcilerPromotions,
			ReconcilerFailures,
			SyncSuccess,
			SyncFailures,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
