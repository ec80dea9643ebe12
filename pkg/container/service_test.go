package container

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/keylock"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/proxyconfig"
	"github.com/cuemby/hydra/pkg/sshmux"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// fakeBackend is a stateful in-memory orchestrator: creates are
// get-or-create, deletes tolerate missing, reads reflect prior writes —
// the same contract both real variants honor.
type fakeBackend struct {
	mu        sync.Mutex
	workloads map[string]orchestrator.WorkloadSpec
	volumes   map[string]orchestrator.VolumeSpec
	secrets   map[string]orchestrator.SecretSpec
	services  map[string]orchestrator.ServiceSpec
	routes    map[string]orchestrator.RouteSpec
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		workloads: make(map[string]orchestrator.WorkloadSpec),
		volumes:   make(map[string]orchestrator.VolumeSpec),
		secrets:   make(map[string]orchestrator.SecretSpec),
		services:  make(map[string]orchestrator.ServiceSpec),
		routes:    make(map[string]orchestrator.RouteSpec),
	}
}

func (f *fakeBackend) CreateWorkload(_ context.Context, spec orchestrator.WorkloadSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workloads[spec.Name] = spec
	return nil
}

func (f *fakeBackend) GetWorkload(_ context.Context, name string) (orchestrator.WorkloadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.workloads[name]
	if !ok {
		return orchestrator.WorkloadStatus{}, nil
	}
	return orchestrator.WorkloadStatus{Exists: true, Running: true, Ready: true, Node: spec.Node}, nil
}

func (f *fakeBackend) DeleteWorkload(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workloads, name)
	return nil
}

func (f *fakeBackend) WaitWorkloadReady(context.Context, string, time.Duration) error { return nil }

func (f *fakeBackend) WorkloadLogs(context.Context, string, int) ([]string, error) { return nil, nil }

func (f *fakeBackend) ListWorkloadsByUser(_ context.Context, username string) ([]orchestrator.WorkloadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orchestrator.WorkloadStatus
	for _, spec := range f.workloads {
		if spec.Username == username {
			out = append(out, orchestrator.WorkloadStatus{Exists: true, Running: true, Ready: true, Node: spec.Node})
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateVolume(_ context.Context, spec orchestrator.VolumeSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[spec.Name]; !ok {
		f.volumes[spec.Name] = spec
	}
	return nil
}

func (f *fakeBackend) GetVolume(_ context.Context, name string) (orchestrator.VolumeSpec, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.volumes[name]
	return spec, ok, nil
}

func (f *fakeBackend) DeleteVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *fakeBackend) CreateSecret(_ context.Context, spec orchestrator.SecretSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[spec.Name]; !ok {
		f.secrets[spec.Name] = spec
	}
	return nil
}

func (f *fakeBackend) GetSecret(_ context.Context, name string) (orchestrator.SecretSpec, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.secrets[name]
	return spec, ok, nil
}

func (f *fakeBackend) DeleteSecret(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, name)
	return nil
}

func (f *fakeBackend) CreateService(_ context.Context, spec orchestrator.ServiceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[spec.Name] = spec
	return nil
}

func (f *fakeBackend) GetService(_ context.Context, name string) (orchestrator.ServiceSpec, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.services[name]
	return spec, ok, nil
}

func (f *fakeBackend) DeleteService(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.services, name)
	return nil
}

func (f *fakeBackend) CreateRoute(_ context.Context, spec orchestrator.RouteSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[spec.Name] = spec
	return nil
}

func (f *fakeBackend) GetRoute(_ context.Context, name string) (orchestrator.RouteSpec, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.routes[name]
	return spec, ok, nil
}

func (f *fakeBackend) DeleteRoute(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, name)
	return nil
}

func (f *fakeBackend) ListRoutesForUser(username string) []orchestrator.RouteSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orchestrator.RouteSpec
	for _, r := range f.routes {
		if r.Username == username {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeBackend) SubscribeEvents(context.Context) (<-chan orchestrator.WorkloadEvent, error) {
	return nil, nil
}

func (f *fakeBackend) SubmitJob(context.Context, orchestrator.JobSpec) error { return nil }

func (f *fakeBackend) AwaitJob(context.Context, string, time.Duration) (orchestrator.JobResult, error) {
	return orchestrator.JobResult{Succeeded: true}, nil
}

func (f *fakeBackend) NodeHealth(_ context.Context, name string) (orchestrator.NodeHealth, error) {
	return orchestrator.NodeHealth{Name: name, Reachable: true, Ready: true}, nil
}

func (f *fakeBackend) Stats(context.Context, string) (orchestrator.WorkloadStats, error) {
	return orchestrator.WorkloadStats{}, nil
}

func (f *fakeBackend) ListProcesses(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeBackend) PauseWorkload(context.Context, string) error { return nil }

func (f *fakeBackend) Name() string { return "fake" }

func testNodes() []types.NodeDescriptor {
	return []types.NodeDescriptor{
		{Name: "hydra", Address: "10.0.0.1", Role: types.NodeRoleControlPlane, StorageClass: "hydra-hot"},
		{Name: "gpu-node-a", Address: "10.0.0.2", Role: types.NodeRoleTraining, GPUEnabled: true, StorageClass: "hydra-nfs"},
	}
}

type testEnv struct {
	svc       *Service
	backend   *fakeBackend
	store     *storage.Store
	sshRoot   string
	proxyRoot string
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "hydra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat, err := catalog.Load("", testNodes(), types.ApprovalThresholds{MaxMemoryGB: 4, MaxCPUs: 2, MaxStorage: 20})
	require.NoError(t, err)

	backend := newFakeBackend()
	sshRoot := t.TempDir()
	proxyRoot := t.TempDir()

	svc := New(Deps{
		Store:         store,
		Backend:       backend,
		Catalog:       cat,
		Locks:         keylock.New(),
		SSHMux:        sshmux.New(sshRoot),
		Proxy:         proxyconfig.New(proxyRoot, "http://hydra.internal/auth/verify"),
		PublicBaseURL: "https://hydra.example.edu",
	})
	return &testEnv{svc: svc, backend: backend, store: store, sshRoot: sshRoot, proxyRoot: proxyRoot}
}

func (e *testEnv) proxyFile(t *testing.T, username string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(e.proxyRoot, "student-"+username+".yaml"))
	require.NoError(t, err)
	return raw
}

func requireErrKind(t *testing.T, err error, kind hydraerr.Kind) *hydraerr.Error {
	t.Helper()
	require.Error(t, err)
	he, ok := hydraerr.AsHydraError(err)
	require.True(t, ok)
	require.Equal(t, kind, he.Kind())
	return he
}

func TestInitCreatesWorkspaceRoutesAndSSHFiles(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	res, err := env.svc.Init(ctx, "alice", InitRequest{PresetName: "conservative", TargetNode: "hydra"})
	require.NoError(t, err)

	assert.Equal(t, "student-alice", res.WorkloadName)
	assert.Contains(t, res.EditorURL, "/students/alice/vscode/")
	assert.Contains(t, res.NotebookURL, "/students/alice/jupyter/")
	require.NotNil(t, res.Credential)
	assert.NotEmpty(t, res.Credential.PrivateKeyPEM)

	// The per-user route document carries both default routers.
	doc := string(env.proxyFile(t, "alice"))
	assert.Contains(t, doc, "/students/alice/vscode")
	assert.Contains(t, doc, "/students/alice/jupyter")

	// The SSH-mux directory has all three files; upstream names the
	// node's address with alice's derived forwarding port.
	upstream, err := os.ReadFile(filepath.Join(env.sshRoot, "alice", "upstream"))
	require.NoError(t, err)
	assert.Contains(t, string(upstream), "10.0.0.1:")
	for _, f := range []string{"authorized_keys", "id_ed25519"} {
		_, err := os.Stat(filepath.Join(env.sshRoot, "alice", f))
		require.NoError(t, err)
	}

	// Config and quota rows persisted (the config references the quota
	// row by foreign key).
	cfg, err := env.store.GetContainerConfig("alice")
	require.NoError(t, err)
	assert.Equal(t, "conservative", cfg.PresetTier)
	assert.Equal(t, "hydra", cfg.CurrentNode)
	_, err = env.store.GetUserQuota("alice")
	require.NoError(t, err)
}

func TestInitTwiceReturnsSameIdentityWithoutCredential(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	first, err := env.svc.Init(ctx, "alice", InitRequest{PresetName: "conservative", TargetNode: "hydra"})
	require.NoError(t, err)
	require.NotNil(t, first.Credential)

	second, err := env.svc.Init(ctx, "alice", InitRequest{PresetName: "conservative", TargetNode: "hydra"})
	require.NoError(t, err)
	assert.Equal(t, first.WorkloadName, second.WorkloadName)
	assert.Equal(t, first.EditorURL, second.EditorURL)
	assert.Nil(t, second.Credential)
}

func TestInitUnknownPresetRejected(t *testing.T) {
	env := newTestService(t)

	_, err := env.svc.Init(context.Background(), "alice", InitRequest{PresetName: "colossal", TargetNode: "hydra"})
	requireErrKind(t, err, hydraerr.KindInput)
}

func TestInitPresetOverCapsRejected(t *testing.T) {
	env := newTestService(t)

	// "enhanced" (8/4/50) exceeds the default 4/2/20 caps and alice holds
	// no grant raising them.
	_, err := env.svc.Init(context.Background(), "alice", InitRequest{PresetName: "enhanced", TargetNode: "hydra"})
	he := requireErrKind(t, err, hydraerr.KindInput)
	assert.Equal(t, "over_quota", he.Code)

	_, cfgErr := env.store.GetContainerConfig("alice")
	assert.ErrorIs(t, cfgErr, storage.ErrNotFound)
	assert.Empty(t, env.backend.workloads)
}

func TestInitCustomOverrideRequiresApprovedGrant(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	override := &ConfigOverride{MemoryGB: 3, CPUs: 2, StorageGB: 12}

	_, err := env.svc.Init(ctx, "alice", InitRequest{Override: override, TargetNode: "hydra"})
	he := requireErrKind(t, err, hydraerr.KindInput)
	assert.Equal(t, "custom_not_approved", he.Code)

	// An approved resources grant covering the bundle unlocks it.
	now := time.Now().UTC()
	require.NoError(t, env.store.UpsertUserQuota(&types.UserQuota{
		Username: "alice", Email: "alice@example.edu", Role: types.RoleStudent,
		MaxMemoryGB: 4, MaxCPUs: 2, MaxStorage: 20,
		CreatedAt: now, UpdatedAt: now,
	}))
	_, err = env.store.CreateApprovalRequest(&types.ApprovalRequest{
		Username: "alice", TargetNode: "hydra", RequestType: types.RequestResources,
		MemoryGB: 8, CPUs: 4, StorageGB: 50,
		Status: types.StatusApproved, CreatedAt: now, DecidedAt: &now,
	})
	require.NoError(t, err)

	res, err := env.svc.Init(ctx, "alice", InitRequest{Override: override, TargetNode: "hydra"})
	require.NoError(t, err)
	require.NotNil(t, res)

	cfg, err := env.store.GetContainerConfig("alice")
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.PresetTier)
	assert.Equal(t, 3.0, cfg.MemoryGB)
}

func TestDestroyIsIdempotentAndRetainsVolume(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.Init(ctx, "alice", InitRequest{PresetName: "conservative", TargetNode: "hydra"})
	require.NoError(t, err)

	require.NoError(t, env.svc.Destroy(ctx, "alice"))
	require.NoError(t, env.svc.Destroy(ctx, "alice"))

	assert.Empty(t, env.backend.workloads)
	assert.Empty(t, env.backend.services)

	// Volume and stored config survive a destroy.
	_, ok, err := env.backend.GetVolume(ctx, "student-alice-home")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = env.store.GetContainerConfig("alice")
	require.NoError(t, err)

	// Routing config is gone on both planes.
	_, err = os.Stat(filepath.Join(env.proxyRoot, "student-alice.yaml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(env.sshRoot, "alice"))
	assert.True(t, os.IsNotExist(err))
}

func TestWipeThenInitReproducesIdentityWithFreshCredential(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	first, err := env.svc.Init(ctx, "alice", InitRequest{PresetName: "conservative", TargetNode: "hydra"})
	require.NoError(t, err)

	require.NoError(t, env.svc.Wipe(ctx, "alice"))

	_, ok, err := env.backend.GetVolume(ctx, "student-alice-home")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = env.backend.GetSecret(ctx, "student-alice-ssh-key")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = env.store.GetContainerConfig("alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	second, err := env.svc.Init(ctx, "alice", InitRequest{PresetName: "conservative", TargetNode: "hydra"})
	require.NoError(t, err)
	assert.Equal(t, first.WorkloadName, second.WorkloadName)
	assert.Equal(t, first.EditorURL, second.EditorURL)
	require.NotNil(t, second.Credential)
	assert.NotEqual(t, first.Credential.PrivateKeyPEM, second.Credential.PrivateKeyPEM)
}

func TestStartWithoutInitIsPrecondition(t *testing.T) {
	env := newTestService(t)

	err := env.svc.Start(context.Background(), "ghost")
	requireErrKind(t, err, hydraerr.KindPrecondition)
}

func TestAddRouteRefusesReservedNamesAndPorts(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.Init(ctx, "alice", InitRequest{PresetName: "conservative", TargetNode: "hydra"})
	require.NoError(t, err)

	err = env.svc.AddRoute(ctx, "alice", "vscode", 3000)
	he := requireErrKind(t, err, hydraerr.KindInput)
	assert.Equal(t, "reserved_endpoint", he.Code)

	err = env.svc.AddRoute(ctx, "alice", "dash", EditorContainerPort)
	he = requireErrKind(t, err, hydraerr.KindInput)
	assert.Equal(t, "reserved_port", he.Code)
}

func TestAddRemoveRouteRoundTripsProxyDocument(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.Init(ctx, "alice", InitRequest{PresetName: "conservative", TargetNode: "hydra"})
	require.NoError(t, err)
	before := env.proxyFile(t, "alice")

	require.NoError(t, env.svc.AddRoute(ctx, "alice", "dash", 3000))
	during := env.proxyFile(t, "alice")
	assert.NotEqual(t, before, during)
	assert.Contains(t, string(during), "/students/alice/dash")

	require.NoError(t, env.svc.RemoveRoute(ctx, "alice", "dash"))
	after := env.proxyFile(t, "alice")
	assert.Equal(t, before, after)
}
