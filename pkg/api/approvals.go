package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/quota"
	"github.com/cuemby/hydra/pkg/types"
)

// mountApprovals wires /approvals/* (spec.md §4.4): request submission with
// synchronous auto-approval, the per-user request list, and the reviewer
// decision endpoint.
func (a *api) mountApprovals(r chi.Router) {
	r.Route("/{username}", func(r chi.Router) {
		r.Post("/", a.submitApproval)
		r.Get("/", a.listApprovals)
		r.Post("/{id}/decide", a.decideApproval)
	})
}

type submitApprovalRequest struct {
	TargetNode  string  `json:"target_node"`
	RequestType string  `json:"request_type"`
	MemoryGB    float64 `json:"memory_gb"`
	CPUs        float64 `json:"cpus"`
	StorageGB   float64 `json:"storage_gb"`
	GPUCount    int     `json:"gpu_count"`
	Reason      string  `json:"reason"`
	// ExpiresInHours bounds the grant; zero means no expiry.
	ExpiresInHours int `json:"expires_in_hours"`
}

type approvalResponse struct {
	Request      *types.ApprovalRequest `json:"request"`
	AutoApproved bool                   `json:"auto_approved"`
	Pending      bool                   `json:"pending"`
}

func (a *api) submitApproval(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	var body submitApprovalRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	reqType := types.RequestType(body.RequestType)
	switch reqType {
	case types.RequestResources, types.RequestNodeAccess, types.RequestJupyterExec, types.RequestGPUAccess:
	case "":
		reqType = types.RequestResources
	default:
		writeError(w, hydraerr.Input("unknown_request_type", "api", "unknown request type"))
		return
	}

	var expiresAt *time.Time
	if body.ExpiresInHours > 0 {
		t := time.Now().UTC().Add(time.Duration(body.ExpiresInHours) * time.Hour)
		expiresAt = &t
	}

	rec, err := a.quota.Submit(quota.Request{
		Username:    username,
		TargetNode:  body.TargetNode,
		RequestType: reqType,
		MemoryGB:    body.MemoryGB,
		CPUs:        body.CPUs,
		StorageGB:   body.StorageGB,
		GPUCount:    body.GPUCount,
		Reason:      body.Reason,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, approvalResponse{
		Request:      rec,
		AutoApproved: rec.Status == types.StatusAutoApproved,
		Pending:      rec.Status == types.StatusPending,
	})
}

func (a *api) listApprovals(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !authorizeSelfOrAdmin(w, r, username) {
		return
	}
	reqs, err := a.quota.ListPending(username)
	writeResult(w, reqs, err)
}

type decideApprovalRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

// decideApproval records a reviewer decision. Reviewing is a staff
// operation: faculty and admins only.
func (a *api) decideApproval(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Email == "" {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}
	if p.Role != types.RoleAdmin && p.Role != types.RoleFaculty {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	username := chi.URLParam(r, "username")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, hydraerr.Input("malformed_id", "api", "approval request id is not an integer"))
		return
	}
	var body decideApprovalRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	writeNoContent(w, a.quota.Decide(id, username, body.Approve, p.Email, body.Reason))
}
