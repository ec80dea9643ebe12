package migration

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// fakeBackend records calls and succeeds at everything, optionally blocking
// in WaitWorkloadReady until its context is canceled.
type fakeBackend struct {
	mu sync.Mutex

	createdWorkloads []orchestrator.WorkloadSpec
	deletedWorkloads []string
	createdVolumes   []orchestrator.VolumeSpec
	deletedVolumes   []string
	jobs             []orchestrator.JobSpec

	blockReady bool
}

func (f *fakeBackend) CreateWorkload(_ context.Context, spec orchestrator.WorkloadSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdWorkloads = append(f.createdWorkloads, spec)
	return nil
}

func (f *fakeBackend) GetWorkload(context.Context, string) (orchestrator.WorkloadStatus, error) {
	return orchestrator.WorkloadStatus{Exists: true, Running: true, Ready: true}, nil
}

func (f *fakeBackend) DeleteWorkload(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedWorkloads = append(f.deletedWorkloads, name)
	return nil
}

func (f *fakeBackend) WaitWorkloadReady(ctx context.Context, _ string, _ time.Duration) error {
	if f.blockReady {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	return nil
}

func (f *fakeBackend) WorkloadLogs(context.Context, string, int) ([]string, error) { return nil, nil }

func (f *fakeBackend) ListWorkloadsByUser(context.Context, string) ([]orchestrator.WorkloadStatus, error) {
	return nil, nil
}

func (f *fakeBackend) CreateVolume(_ context.Context, spec orchestrator.VolumeSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdVolumes = append(f.createdVolumes, spec)
	return nil
}

func (f *fakeBackend) GetVolume(context.Context, string) (orchestrator.VolumeSpec, bool, error) {
	return orchestrator.VolumeSpec{}, false, nil
}

func (f *fakeBackend) DeleteVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedVolumes = append(f.deletedVolumes, name)
	return nil
}

func (f *fakeBackend) CreateSecret(context.Context, orchestrator.SecretSpec) error { return nil }

func (f *fakeBackend) GetSecret(context.Context, string) (orchestrator.SecretSpec, bool, error) {
	return orchestrator.SecretSpec{}, false, nil
}

func (f *fakeBackend) DeleteSecret(context.Context, string) error { return nil }

func (f *fakeBackend) CreateService(context.Context, orchestrator.ServiceSpec) error { return nil }

func (f *fakeBackend) GetService(context.Context, string) (orchestrator.ServiceSpec, bool, error) {
	return orchestrator.ServiceSpec{}, false, nil
}

func (f *fakeBackend) DeleteService(context.Context, string) error { return nil }

func (f *fakeBackend) CreateRoute(context.Context, orchestrator.RouteSpec) error { return nil }

func (f *fakeBackend) GetRoute(context.Context, string) (orchestrator.RouteSpec, bool, error) {
	return orchestrator.RouteSpec{}, false, nil
}

func (f *fakeBackend) DeleteRoute(context.Context, string) error { return nil }

func (f *fakeBackend) SubscribeEvents(context.Context) (<-chan orchestrator.WorkloadEvent, error) {
	return nil, nil
}

func (f *fakeBackend) SubmitJob(_ context.Context, spec orchestrator.JobSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, spec)
	return nil
}

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
		{Name: "gpu-node-b", Address: "10.0.0.3", Role: types.NodeRoleInference, GPUEnabled: true, StorageClass: "hydra-hot"},
	}
}

func newTestEngine(t *testing.T, backend orchestrator.Backend) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "hydra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat, err := catalog.Load("", testNodes(), types.ApprovalThresholds{MaxMemoryGB: 4, MaxCPUs: 2, MaxStorage: 20})
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(Deps{
		Store:   store,
		Backend: backend,
		Catalog: cat,
		Broker:  broker,
		Timeout: 5 * time.Second,
	}), store
}

func seedUser(t *testing.T, store *storage.Store, username, node string, approvedNodes ...string) {
	t.Helper()
	approvals := make(map[string]types.NodeApproval, len(approvedNodes))
	for _, n := range approvedNodes {
		approvals[n] = types.NodeApproval{}
	}
	now := time.Now().UTC()
	require.NoError(t, store.UpsertUserQuota(&types.UserQuota{
		Username: username, Email: username + "@example.edu", Role: types.RoleStudent,
		MaxMemoryGB: 32, MaxCPUs: 8, MaxStorage: 200,
		NodeApprovals: approvals,
		CreatedAt:     now, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertContainerConfig(&types.ContainerConfig{
		Username: username, CurrentNode: node, PresetTier: "standard",
		MemoryGB: 4, CPUs: 2, StorageGB: 20,
		VolumeName: "student-" + username + "-home", StorageClass: "hydra-hot",
		CreatedAt: now, UpdatedAt: now,
	}))
}

func waitForTerminal(t *testing.T, store *storage.Store, id string) *types.MigrationRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetMigrationRecord(id)
		require.NoError(t, err)
		if rec.Status != types.MigrationInProgress {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("migration did not reach a terminal state")
	return nil
}

func visitedSteps(rec *types.MigrationRecord) map[int]bool {
	steps := make(map[int]bool, len(rec.StepLog))
	for _, e := range rec.StepLog {
		steps[e.Step] = true
	}
	return steps
}

func TestMigrateSameStorageClassReusesVolume(t *testing.T) {
	backend := &fakeBackend{}
	engine, store := newTestEngine(t, backend)
	seedUser(t, store, "dave", "hydra", "gpu-node-b")

	id, err := engine.Start(context.Background(), "dave", "gpu-node-b", nil)
	require.NoError(t, err)

	rec := waitForTerminal(t, store, id)
	assert.Equal(t, types.MigrationCompleted, rec.Status)
	assert.Equal(t, types.StepCompleted, rec.CurrentStep)

	// No copy job, no new volume: same storage class rebinds in place.
	assert.Empty(t, backend.jobs)
	assert.Empty(t, backend.createdVolumes)

	cfg, err := store.GetContainerConfig("dave")
	require.NoError(t, err)
	assert.Equal(t, "gpu-node-b", cfg.CurrentNode)
	assert.Equal(t, "student-dave-home", cfg.VolumeName)
	assert.NotNil(t, cfg.LastMigrationAt)
}

func TestMigrateCrossStorageClassCopiesData(t *testing.T) {
	backend := &fakeBackend{}
	engine, store := newTestEngine(t, backend)
	seedUser(t, store, "eve", "hydra", "gpu-node-a")

	id, err := engine.Start(context.Background(), "eve", "gpu-node-a", nil)
	require.NoError(t, err)

	rec := waitForTerminal(t, store, id)
	require.Equal(t, types.MigrationCompleted, rec.Status)

	steps := visitedSteps(rec)
	for _, s := range []int{types.StepCreatingTargetStorage, types.StepStorageReady, types.StepCopyingData, types.StepDataCopied} {
		assert.True(t, steps[s], "expected step %s in log", types.StepName(s))
	}

	require.Len(t, backend.createdVolumes, 1)
	assert.Equal(t, "hydra-nfs", backend.createdVolumes[0].StorageClass)
	require.Len(t, backend.jobs, 1)
	assert.Equal(t, "student-eve-home", backend.jobs[0].SourceVolume)
	assert.Equal(t, backend.createdVolumes[0].Name, backend.jobs[0].TargetVolume)

	// The source volume is deleted only after the copy completed.
	assert.Contains(t, backend.deletedVolumes, "student-eve-home")

	cfg, err := store.GetContainerConfig("eve")
	require.NoError(t, err)
	assert.Equal(t, "gpu-node-a", cfg.CurrentNode)
	assert.Equal(t, "hydra-nfs", cfg.StorageClass)
	assert.Equal(t, id+"-vol", cfg.VolumeName)
}

func TestMigrateToGPUNodeWithoutApprovalFails(t *testing.T) {
	backend := &fakeBackend{}
	engine, store := newTestEngine(t, backend)
	seedUser(t, store, "mallory", "hydra") // no node approvals

	_, err := engine.Start(context.Background(), "mallory", "gpu-node-a", nil)
	require.Error(t, err)
	he, ok := hydraerr.AsHydraError(err)
	require.True(t, ok)
	assert.Equal(t, hydraerr.KindPrecondition, he.Kind())

	// The refusal happened before any backend mutation.
	assert.Empty(t, backend.createdVolumes)
	assert.Empty(t, backend.deletedWorkloads)
}

func TestMigrateUnknownNodeFails(t *testing.T) {
	engine, store := newTestEngine(t, &fakeBackend{})
	seedUser(t, store, "trent", "hydra")

	_, err := engine.Start(context.Background(), "trent", "no-such-node", nil)
	require.Error(t, err)
	he, ok := hydraerr.AsHydraError(err)
	require.True(t, ok)
	assert.Equal(t, hydraerr.KindInput, he.Kind())
}

func TestSecondStartSupersedesFirst(t *testing.T) {
	backend := &fakeBackend{blockReady: true}
	engine, store := newTestEngine(t, backend)
	seedUser(t, store, "dave", "hydra", "gpu-node-a", "gpu-node-b")

	first, err := engine.Start(context.Background(), "dave", "gpu-node-b", nil)
	require.NoError(t, err)

	// Give the first run time to reach the blocking readiness wait.
	time.Sleep(50 * time.Millisecond)

	second, err := engine.Start(context.Background(), "dave", "gpu-node-b", nil)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	rec := waitForTerminal(t, store, first)
	assert.Equal(t, types.MigrationFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "superseded")
}
