package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hydra/pkg/types"
)

// mountMigrations wires /migrations/* (spec.md §2: migration progress is
// "polled by dashboard via SSE"): a point-in-time read of one record and a
// live stream of its step transitions.
func (a *api) mountMigrations(r chi.Router) {
	r.Get("/{id}", a.getMigration)
	r.Get("/{id}/events", a.streamMigration)
}

// authorizeMigration loads the record and verifies the caller owns it or
// holds the admin role, returning nil if a response was already written.
func (a *api) authorizeMigration(w http.ResponseWriter, r *http.Request) *types.MigrationRecord {
	rec, err := a.migration.Record(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	if !authorizeSelfOrAdmin(w, r, rec.Username) {
		return nil
	}
	return rec
}

func (a *api) getMigration(w http.ResponseWriter, r *http.Request) {
	if rec := a.authorizeMigration(w, r); rec != nil {
		writeJSON(w, rec)
	}
}

// streamMigration serves one migration's step transitions as server-sent
// events. The current record is sent first as a snapshot so a dashboard
// attaching mid-flight (or after completion) still renders the step log it
// missed; live events follow, filtered by migration ID.
func (a *api) streamMigration(w http.ResponseWriter, r *http.Request) {
	rec := a.authorizeMigration(w, r)
	if rec == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot, err := json.Marshal(rec)
	if err == nil {
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", snapshot)
	}
	flusher.Flush()

	if rec.Status != types.MigrationInProgress {
		return
	}

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
			if ev.ID != rec.ID {
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
