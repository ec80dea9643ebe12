package api

import (
	"net/http"
)

// health is a liveness probe: if the process can answer HTTP at all, it
// is alive.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ready is a readiness probe: the storage layer must be reachable before
// this instance should take traffic.
func (a *api) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(); err != nil {
		http.Error(w, "storage unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
