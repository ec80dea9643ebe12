package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydra_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Container lifecycle metrics (C4): one counter/histogram pair driven
	// centrally from pkg/container's recordActivity, covering init, start,
	// stop, destroy, wipe, migrate, add_route, remove_route and
	// regenerate_keys.
	ContainerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_container_operations_total",
			Help: "Total number of container/workspace operations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ContainerOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydra_container_operation_duration_seconds",
			Help:    "Duration of container/workspace operations in seconds by action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Quota/approval metrics (C6)
	ApprovalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_approval_requests_total",
			Help: "Total number of resource approval requests by request type and disposition",
		},
		[]string{"request_type", "disposition"},
	)

	GrantExpirySweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_grant_expiry_sweeps_total",
			Help: "Total number of grant-expiry sweep cycles completed",
		},
	)

	GrantExpirySweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydra_grant_expiry_sweep_duration_seconds",
			Help:    "Duration of a grant-expiry sweep cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GrantsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_grants_expired_total",
			Help: "Total number of node grants reset to the default preset by the sweep",
		},
	)

	// Activity log metrics (C10)
	ActivityEntriesArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_activity_entries_archived_total",
			Help: "Total number of activity log entries moved to the archive table",
		},
	)
)

func init() {
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ContainerOperationsTotal)
	prometheus.MustRegister(ContainerOperationDuration)
	prometheus.MustRegister(ApprovalRequestsTotal)
	prometheus.MustRegister(GrantExpirySweepsTotal)
	prometheus.MustRegister(GrantExpirySweepDuration)
	prometheus.MustRegister(GrantsExpiredTotal)
	prometheus.MustRegister(ActivityEntriesArchivedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
