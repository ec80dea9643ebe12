package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hydra/pkg/types"
)

// mountLogs wires /logs/* (spec.md §4.8, §4.9): a paged read of a user's
// activity log, its archived years, the security events recorded against
// them, and a combined SSE stream of both as they happen.
func (a *api) mountLogs(r chi.Router) {
	r.Get("/{username}/activity", a.listActivity)
	r.Get("/{username}/activity/archive/{year}", a.listArchivedActivity)
	r.Get("/{username}/security", a.listSecurityEvents)
	r.Get("/{username}/stream", a.streamLogs)
	r.Get("/stream", a.streamAllLogs)
}

func (a *api) listActivity(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	limit := parseLimit(r, 100)
	entries, err := a.activity.List(username, limit)
	writeResult(w, entries, err)
}

func (a *api) listArchivedActivity(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		http.Error(w, "invalid year", http.StatusBadRequest)
		return
	}
	entries, err := a.activity.Archived(username, year)
	writeResult(w, entries, err)
}

func (a *api) listSecurityEvents(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	limit := parseLimit(r, 100)
	events, err := a.store.ListSecurityEvents(username, limit)
	writeResult(w, events, err)
}

func parseLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// sseHeartbeat keeps the connection alive through intermediary proxies
// that would otherwise time out an idle stream (spec.md §4.8: "a 30s
// heartbeat").
const sseHeartbeat = 30 * time.Second

// streamLogs serves a single user's activity and security events as
// server-sent events, scoped to them unless the caller is an admin viewing
// on their behalf.
func (a *api) streamLogs(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	a.serveSSE(w, r, username)
}

// streamAllLogs serves every user's activity and security events, for an
// administrator's cross-user dashboard.
func (a *api) streamAllLogs(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Email == "" {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}
	if p.Role != types.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	a.serveSSE(w, r, "")
}

// serveSSE streams events.Broker messages filtered to scopeUsername (all
// users if empty), grounded on pkg/events' buffered-subscriber broadcast:
// a blocked stream only drops events for that one subscriber.
func (a *api) serveSSE(w http.ResponseWriter, r *http.Request, scopeUsername string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := a.broker.Subscribe()
	defer a.broker.Unsubscribe(sub)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if scopeUsername != "" && ev.Username != "" && ev.Username != scopeUsername {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
