package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hydra/pkg/container"
	"github.com/cuemby/hydra/pkg/hydraerr"
)

// mountContainers wires /containers/* (spec.md §4.2-§4.6): workspace
// lifecycle, route management, key rotation, and migration, all scoped to
// the path's {username} and gated by authorizeSelfOrAdmin.
func (a *api) mountContainers(r chi.Router) {
	r.Route("/{username}", func(r chi.Router) {
		r.Post("/init", a.initContainer)
		r.Get("/status", a.containerStatus)
		r.Post("/start", a.startContainer)
		r.Post("/stop", a.stopContainer)
		r.Post("/destroy", a.destroyContainer)
		r.Post("/wipe", a.wipeContainer)
		r.Post("/migrate", a.migrateContainer)

		r.Post("/routes", a.addRoute)
		r.Delete("/routes/{endpoint}", a.removeRoute)

		r.Post("/keys/regenerate", a.regenerateKeys)

		r.Post("/services/{service}/start", a.serviceNotAvailable)
		r.Post("/services/{service}/stop", a.serviceNotAvailable)
	})
}

type configOverrideRequest struct {
	PresetTier string  `json:"preset_tier"`
	MemoryGB   float64 `json:"memory_gb"`
	CPUs       float64 `json:"cpus"`
	StorageGB  float64 `json:"storage_gb"`
	GPUCount   int     `json:"gpu_count"`
}

func (o *configOverrideRequest) toOverride() *container.ConfigOverride {
	if o == nil {
		return nil
	}
	return &container.ConfigOverride{
		PresetTier: o.PresetTier,
		MemoryGB:   o.MemoryGB,
		CPUs:       o.CPUs,
		StorageGB:  o.StorageGB,
		GPUCount:   o.GPUCount,
	}
}

type initContainerRequest struct {
	PresetName string                 `json:"preset_name"`
	Override   *configOverrideRequest `json:"override"`
	TargetNode string                 `json:"target_node"`
}

func (a *api) initContainer(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}

	var body initContainerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	res, err := a.container.Init(r.Context(), username, container.InitRequest{
		PresetName: body.PresetName,
		Override:   body.Override.toOverride(),
		TargetNode: body.TargetNode,
	})
	writeResult(w, res, err)
}

func (a *api) containerStatus(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	st, err := a.container.GetStatus(r.Context(), username)
	writeResult(w, st, err)
}

func (a *api) startContainer(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	writeNoContent(w, a.container.Start(r.Context(), username))
}

func (a *api) stopContainer(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	writeNoContent(w, a.container.Stop(r.Context(), username))
}

func (a *api) destroyContainer(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	writeNoContent(w, a.container.Destroy(r.Context(), username))
}

func (a *api) wipeContainer(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	writeNoContent(w, a.container.Wipe(r.Context(), username))
}

type migrateRequest struct {
	TargetNode string                 `json:"target_node"`
	Override   *configOverrideRequest `json:"override"`
}

func (a *api) migrateContainer(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}

	var body migrateRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	migrationID, err := a.container.Migrate(r.Context(), username, body.TargetNode, body.Override.toOverride())
	writeResult(w, struct {
		MigrationID string `json:"migration_id"`
	}{migrationID}, err)
}

type addRouteRequest struct {
	Endpoint      string `json:"endpoint"`
	ContainerPort int    `json:"container_port"`
}

func (a *api) addRoute(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}

	var body addRouteRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	writeNoContent(w, a.container.AddRoute(r.Context(), username, body.Endpoint, body.ContainerPort))
}

func (a *api) removeRoute(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	endpoint := chi.URLParam(r, "endpoint")
	writeNoContent(w, a.container.RemoveRoute(r.Context(), username, endpoint))
}

func (a *api) regenerateKeys(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	pub, err := a.container.RegenerateKeys(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		PublicKey string `json:"public_key"`
	}{string(pub)})
}

// serviceNotAvailable answers spec.md §4.9's own anticipated response for
// /containers/{username}/services/{svc}/{start,stop}: neither orchestrator
// backend exposes a process-supervisor primitive inside a workload, so
// there is nothing for this endpoint to drive.
func (a *api) serviceNotAvailable(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	writeError(w, hydraerr.Precondition("service_not_available", "api",
		"in-container service supervision is not available on this backend"))
}
