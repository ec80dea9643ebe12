/*
Package metrics provides Prometheus metrics collection and exposition for
hydra's own control-plane operations.

Unlike a cluster-state collector, this package instruments hydra's own
work: API requests, container/workspace lifecycle operations, quota
approvals and the grant-expiry sweep, and activity log archiving.
Collecting node-level or external metrics is out of scope; spec.md
places that with an external metrics collector hydra does not own.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  API: request count, duration by route      │          │
	│  │  Container: operation count, duration       │          │
	│  │  Quota: approval disposition, sweep stats   │          │
	│  │  Activity: entries archived                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

hydra_api_requests_total{method, route, status}:
  - Type: Counter
  - Description: Total API requests by method, matched chi route pattern and status
  - Example: hydra_api_requests_total{method="POST",route="/containers/{username}/start",status="200"} 12

hydra_api_request_duration_seconds{method, route}:
  - Type: Histogram
  - Description: API request duration in seconds
  - Buckets: Prometheus default buckets

hydra_container_operations_total{action, outcome}:
  - Type: Counter
  - Description: Total container/workspace operations by action (init, start, stop,
    destroy, wipe, migrate, add_route, remove_route, regenerate_keys) and outcome
    (success, failure)

hydra_container_operation_duration_seconds{action}:
  - Type: Histogram
  - Description: Duration of container/workspace operations by action

hydra_approval_requests_total{request_type, disposition}:
  - Type: Counter
  - Description: Total resource approval requests by type and disposition
    (auto_approved, pending, approved, denied)

hydra_grant_expiry_sweeps_total:
  - Type: Counter
  - Description: Total grant-expiry sweep cycles completed

hydra_grant_expiry_sweep_duration_seconds:
  - Type: Histogram
  - Description: Duration of a grant-expiry sweep cycle

hydra_grants_expired_total:
  - Type: Counter
  - Description: Total node grants reset to the default preset by the sweep

hydra_activity_entries_archived_total:
  - Type: Counter
  - Description: Total activity log entries moved to the archive table

# Usage

Recording a counter:

	import "github.com/cuemby/hydra/pkg/metrics"

	metrics.ContainerOperationsTotal.WithLabelValues("start", "success").Inc()

Recording a histogram with the Timer helper:

	timer := metrics.NewTimer()
	err := doSomething()
	timer.ObserveDurationVec(metrics.ContainerOperationDuration, "start")

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Integration Points

  - pkg/api: instruments every request via the requestMetrics middleware
  - pkg/container: instruments every lifecycle operation centrally from recordActivity
  - pkg/quota: instruments approval disposition and the grant-expiry sweep
  - pkg/activity: instruments archive-on-threshold events
  - Prometheus: scrapes /metrics

# Design Patterns

Package Init Registration:
  - All metrics registered in init()
  - MustRegister panics on duplicate registration

Label Discipline:
  - Labels bound to a small, known vocabulary (action names, route patterns,
    disposition values) — never usernames or other unbounded values

Timer Pattern:
  - Create timer at operation start, observe duration once it completes

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
