// Package api exposes the control plane's REST-style JSON surface (C11,
// spec.md §4.9): thin controllers binding to the container/migration/
// quota/activity/security services, an auth-verify callback for the
// external reverse proxy, share-token issuance, a servers/status
// fan-out, and the activity/security SSE streams. Grounded on the
// teacher's chi-based HTTP layer convention (github.com/go-chi/chi/v5)
// rather than its original gRPC+mTLS surface, since spec.md §4.9
// specifies a REST JSON API, not an RPC protocol.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/hydra/pkg/activity"
	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/container"
	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/metrics"
	"github.com/cuemby/hydra/pkg/migration"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/quota"
	"github.com/cuemby/hydra/pkg/storage"
)

// Deps bundles every collaborator the API surface binds to.
type Deps struct {
	Container *container.Service
	Migration *migration.Engine
	Quota     *quota.Engine
	Activity  *activity.Store
	Store     *storage.Store
	Catalog   *catalog.Catalog
	Backend   orchestrator.Backend
	Broker    *events.Broker
}

// api holds the wired dependencies every handler closes over.
type api struct {
	container *container.Service
	migration *migration.Engine
	quota     *quota.Engine
	activity  *activity.Store
	store     *storage.Store
	catalog   *catalog.Catalog
	backend   orchestrator.Backend
	broker    *events.Broker

	shareLimiter *ipRateLimiter
}

// New builds the root HTTP handler.
func New(d Deps) http.Handler {
	a := &api{
		container: d.Container,
		migration: d.Migration,
		quota:     d.Quota,
		activity:  d.Activity,
		store:     d.Store,
		catalog:   d.Catalog,
		backend:   d.Backend,
		broker:    d.Broker,

		shareLimiter: newIPRateLimiter(5, 10),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(principalMiddleware)

	r.Get("/health", a.health)
	r.Get("/ready", a.ready)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/auth/verify", a.authVerify)
	r.Get("/servers/status", a.serversStatus)

	r.Route("/containers", a.mountContainers)
	r.Route("/approvals", a.mountApprovals)
	r.Route("/migrations", a.mountMigrations)
	r.Route("/shares", a.mountShares)
	r.Route("/logs", a.mountLogs)

	return r
}

// requestLogger logs one line per request at debug level through pkg/log,
// matching the teacher's structured-logging convention rather than chi's
// own stdlib-logger middleware.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// requestMetrics records one counter increment and one duration observation
// per request, labeled by the matched chi route pattern rather than the raw
// path so per-user paths like /containers/alice don't fan out the series.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(ww.Status())
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
