package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hydra/pkg/activity"
	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/container"
	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// fakeMigrator records Start calls without running anything.
type fakeMigrator struct {
	mu    sync.Mutex
	calls []migratorCall
}

type migratorCall struct {
	username   string
	targetNode string
	override   *container.ConfigOverride
}

func (f *fakeMigrator) Start(_ context.Context, username, targetNode string, override *container.ConfigOverride) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, migratorCall{username, targetNode, override})
	return "fake-migration", nil
}

func testNodes() []types.NodeDescriptor {
	return []types.NodeDescriptor{
		{Name: "hydra", Address: "10.0.0.1", Role: types.NodeRoleControlPlane, StorageClass: "hydra-hot"},
		{Name: "gpu-node-a", Address: "10.0.0.2", Role: types.NodeRoleTraining, GPUEnabled: true, StorageClass: "hydra-nfs"},
	}
}

func newTestEngine(t *testing.T, migrator container.Migrator) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "hydra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat, err := catalog.Load("", testNodes(), types.ApprovalThresholds{MaxMemoryGB: 4, MaxCPUs: 2, MaxStorage: 20})
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	activityStore := activity.New(activity.Deps{Store: store, Broker: broker})

	return New(Deps{Store: store, Catalog: cat, Migrator: migrator, Activity: activityStore}), store
}

func TestSubmitAutoApprovesWithinThresholds(t *testing.T) {
	engine, store := newTestEngine(t, nil)

	rec, err := engine.Submit(Request{
		Username: "bob", TargetNode: "hydra", RequestType: types.RequestResources,
		MemoryGB: 1, CPUs: 1, StorageGB: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusAutoApproved, rec.Status)
	require.NotNil(t, rec.DecidedAt)

	q, err := store.GetUserQuota("bob")
	require.NoError(t, err)
	_, approved := q.NodeApprovals["hydra"]
	assert.True(t, approved)
}

func TestSubmitAboveThresholdPends(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	// "enhanced": 8/4/50, each above the 4/2/20 auto-approve thresholds.
	rec, err := engine.Submit(Request{
		Username: "bob", TargetNode: "hydra", RequestType: types.RequestResources,
		MemoryGB: 8, CPUs: 4, StorageGB: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Nil(t, rec.DecidedAt)
}

func TestSubmitMemoryOneAboveThresholdPends(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rec, err := engine.Submit(Request{
		Username: "bob", TargetNode: "hydra", RequestType: types.RequestResources,
		MemoryGB: 5, CPUs: 2, StorageGB: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
}

func TestSubmitGPURequestNeverAutoApproves(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rec, err := engine.Submit(Request{
		Username: "bob", TargetNode: "hydra", RequestType: types.RequestGPUAccess,
		MemoryGB: 1, CPUs: 1, StorageGB: 10, GPUCount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
}

func TestSubmitNonControlPlaneTargetPends(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rec, err := engine.Submit(Request{
		Username: "bob", TargetNode: "gpu-node-a", RequestType: types.RequestNodeAccess,
		MemoryGB: 1, CPUs: 1, StorageGB: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
}

func TestSubmitDuplicatePendingRejected(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	req := Request{
		Username: "bob", TargetNode: "gpu-node-a", RequestType: types.RequestNodeAccess,
		MemoryGB: 1, CPUs: 1, StorageGB: 10,
	}
	_, err := engine.Submit(req)
	require.NoError(t, err)

	_, err = engine.Submit(req)
	require.Error(t, err)
	he, ok := hydraerr.AsHydraError(err)
	require.True(t, ok)
	assert.Equal(t, hydraerr.KindInput, he.Kind())
	assert.Equal(t, "duplicate_pending_request", he.Code)
}

func TestDecideApproveGrantsNodeApproval(t *testing.T) {
	engine, store := newTestEngine(t, nil)

	rec, err := engine.Submit(Request{
		Username: "carol", TargetNode: "gpu-node-a", RequestType: types.RequestGPUAccess,
		MemoryGB: 16, CPUs: 4, StorageGB: 100, GPUCount: 1,
	})
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, rec.Status)

	require.NoError(t, engine.Decide(rec.ID, "carol", true, "prof@example.edu", "course project"))

	q, err := store.GetUserQuota("carol")
	require.NoError(t, err)
	_, approved := q.NodeApprovals["gpu-node-a"]
	assert.True(t, approved)

	reqs, err := engine.ListPending("carol")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, types.StatusApproved, reqs[0].Status)
	assert.Equal(t, "prof@example.edu", reqs[0].Reviewer)
}

func TestDecideDenyLeavesQuotaUntouched(t *testing.T) {
	engine, store := newTestEngine(t, nil)

	rec, err := engine.Submit(Request{
		Username: "carol", TargetNode: "gpu-node-a", RequestType: types.RequestGPUAccess, GPUCount: 1,
	})
	require.NoError(t, err)

	require.NoError(t, engine.Decide(rec.ID, "carol", false, "prof@example.edu", "insufficient justification"))

	// The seeded quota row exists (the request itself references it) but
	// a denial grants nothing.
	q, err := store.GetUserQuota("carol")
	require.NoError(t, err)
	assert.Empty(t, q.NodeApprovals)
}

func TestDecideAlreadyDecidedRejected(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rec, err := engine.Submit(Request{
		Username: "carol", TargetNode: "gpu-node-a", RequestType: types.RequestGPUAccess, GPUCount: 1,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Decide(rec.ID, "carol", true, "prof@example.edu", ""))

	err = engine.Decide(rec.ID, "carol", false, "prof@example.edu", "")
	require.Error(t, err)
	he, ok := hydraerr.AsHydraError(err)
	require.True(t, ok)
	assert.Equal(t, "already_decided", he.Code)
}

func TestSweepResetsExpiredConfigToControlPlane(t *testing.T) {
	migrator := &fakeMigrator{}
	engine, store := newTestEngine(t, migrator)

	now := time.Now().UTC()
	expired := now.Add(-time.Minute)
	require.NoError(t, store.UpsertUserQuota(&types.UserQuota{
		Username: "carol", Email: "carol@example.edu", Role: types.RoleStudent,
		MaxMemoryGB: 16, MaxCPUs: 4, MaxStorage: 100,
		NodeApprovals: map[string]types.NodeApproval{"gpu-node-a": {ExpiresAt: expired}},
		CreatedAt:     now, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertContainerConfig(&types.ContainerConfig{
		Username: "carol", CurrentNode: "gpu-node-a", PresetTier: "gpu-small",
		MemoryGB: 16, CPUs: 4, StorageGB: 100, GPUCount: 1,
		ResourcesExpireAt: &expired,
		VolumeName:        "student-carol-home", StorageClass: "hydra-nfs",
		CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, engine.sweep(context.Background()))

	// The lapsed config is driven home by a migration back to the
	// control-plane node with the default minimal preset.
	require.Len(t, migrator.calls, 1)
	call := migrator.calls[0]
	assert.Equal(t, "carol", call.username)
	assert.Equal(t, "hydra", call.targetNode)
	require.NotNil(t, call.override)
	assert.Equal(t, catalog.DefaultPresetName, call.override.PresetTier)
	assert.Equal(t, 0, call.override.GPUCount)

	// The lapsed node approval is cleared.
	q, err := store.GetUserQuota("carol")
	require.NoError(t, err)
	_, stillApproved := q.NodeApprovals["gpu-node-a"]
	assert.False(t, stillApproved)

	// The reset is durably recorded as an account-category entry, not
	// just broadcast to live subscribers.
	entries, err := store.ListActivityLogEntries("carol", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.CategoryAccount, entries[0].Category)
	assert.Equal(t, "resource_expired", entries[0].Action)
	assert.True(t, entries[0].Success)
}
