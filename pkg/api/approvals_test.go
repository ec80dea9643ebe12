package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/quota"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

func newApprovalTestAPI(t *testing.T) *api {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "hydra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	nodes := []types.NodeDescriptor{
		{Name: "hydra", Address: "10.0.0.1", Role: types.NodeRoleControlPlane, StorageClass: "hydra-hot"},
		{Name: "gpu-node-a", Address: "10.0.0.2", Role: types.NodeRoleTraining, GPUEnabled: true, StorageClass: "hydra-nfs"},
	}
	cat, err := catalog.Load("", nodes, types.ApprovalThresholds{MaxMemoryGB: 4, MaxCPUs: 2, MaxStorage: 20})
	require.NoError(t, err)

	return &api{
		store: store,
		quota: quota.New(quota.Deps{Store: store, Catalog: cat}),
	}
}

func approvalRouter(a *api) http.Handler {
	r := chi.NewRouter()
	r.Route("/approvals", a.mountApprovals)
	return r
}

func postApproval(t *testing.T, router http.Handler, p types.Principal, username, body string) (*httptest.ResponseRecorder, approvalResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/approvals/"+username+"/", strings.NewReader(body))
	req = withTestPrincipal(req, p)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp approvalResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestSubmitApprovalAutoApprovedThenPending(t *testing.T) {
	a := newApprovalTestAPI(t)
	router := approvalRouter(a)
	bob := types.Principal{Email: "bob@example.edu", Role: types.RoleStudent}

	// Within thresholds on the control-plane node: synchronous grant.
	rec, resp := postApproval(t, router, bob, "bob",
		`{"target_node":"hydra","memory_gb":1,"cpus":1,"storage_gb":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.AutoApproved)
	assert.False(t, resp.Pending)

	// Over thresholds: parked pending a reviewer.
	rec, resp = postApproval(t, router, bob, "bob",
		`{"target_node":"hydra","memory_gb":8,"cpus":4,"storage_gb":50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.AutoApproved)
	assert.True(t, resp.Pending)

	// A second pending request of the same type is refused.
	rec, _ = postApproval(t, router, bob, "bob",
		`{"target_node":"hydra","memory_gb":8,"cpus":4,"storage_gb":50}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitApprovalForOtherUserForbidden(t *testing.T) {
	a := newApprovalTestAPI(t)

	rec, _ := postApproval(t, approvalRouter(a),
		types.Principal{Email: "bob@example.edu", Role: types.RoleStudent}, "alice",
		`{"target_node":"hydra","memory_gb":1,"cpus":1,"storage_gb":10}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDecideApprovalRequiresStaffRole(t *testing.T) {
	a := newApprovalTestAPI(t)
	router := approvalRouter(a)
	carol := types.Principal{Email: "carol@example.edu", Role: types.RoleStudent}

	_, resp := postApproval(t, router, carol, "carol",
		`{"target_node":"gpu-node-a","request_type":"gpu_access","gpu_count":1}`)
	require.True(t, resp.Pending)
	require.NotNil(t, resp.Request)

	decide := func(p types.Principal) int {
		url := fmt.Sprintf("/approvals/carol/%d/decide", resp.Request.ID)
		req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(`{"approve":true}`))
		req = withTestPrincipal(req, p)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, decide(carol))
	assert.Equal(t, http.StatusNoContent, decide(types.Principal{Email: "prof@example.edu", Role: types.RoleFaculty}))
}
