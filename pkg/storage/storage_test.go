package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hydra/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hydra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedQuota(t *testing.T, s *Store, username string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.UpsertUserQuota(&types.UserQuota{
		Username: username, Email: username + "@example.edu", Role: types.RoleStudent,
		MaxMemoryGB: 4, MaxCPUs: 2, MaxStorage: 20,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestOpenRunsMigrationIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hydra.db")

	s, err := Open(path)
	require.NoError(t, err)
	seedQuota(t, s, "alice")
	require.NoError(t, s.Close())

	// Reopening re-runs the CREATE IF NOT EXISTS schema against the same
	// file and existing rows survive.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	q, err := s2.GetUserQuota("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.edu", q.Email)
}

func TestContainerConfigRequiresQuotaRow(t *testing.T) {
	s := openStore(t)
	now := time.Now().UTC()

	err := s.UpsertContainerConfig(&types.ContainerConfig{
		Username: "ghost", CurrentNode: "hydra", PresetTier: "minimal",
		MemoryGB: 1, CPUs: 1, StorageGB: 10,
		VolumeName: "student-ghost-home", StorageClass: "hydra-hot",
		CreatedAt: now, UpdatedAt: now,
	})
	require.Error(t, err, "foreign key to user_quotas must be enforced")

	seedQuota(t, s, "ghost")
	require.NoError(t, s.UpsertContainerConfig(&types.ContainerConfig{
		Username: "ghost", CurrentNode: "hydra", PresetTier: "minimal",
		MemoryGB: 1, CPUs: 1, StorageGB: 10,
		VolumeName: "student-ghost-home", StorageClass: "hydra-hot",
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestNodeApprovalRoundTrip(t *testing.T) {
	s := openStore(t)
	seedQuota(t, s, "alice")

	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SetNodeApproval("alice", "gpu-node-a", expiry))

	q, err := s.GetUserQuota("alice")
	require.NoError(t, err)
	approval, ok := q.NodeApprovals["gpu-node-a"]
	require.True(t, ok)
	assert.Equal(t, expiry.Unix(), approval.ExpiresAt.Unix())

	require.NoError(t, s.RemoveNodeApproval("alice", "gpu-node-a"))
	q, err = s.GetUserQuota("alice")
	require.NoError(t, err)
	_, ok = q.NodeApprovals["gpu-node-a"]
	assert.False(t, ok)
}

func TestPendingApprovalLookup(t *testing.T) {
	s := openStore(t)
	seedQuota(t, s, "bob")
	now := time.Now().UTC()

	id, err := s.CreateApprovalRequest(&types.ApprovalRequest{
		Username: "bob", TargetNode: "gpu-node-a", RequestType: types.RequestGPUAccess,
		GPUCount: 1, Status: types.StatusPending, CreatedAt: now,
	})
	require.NoError(t, err)

	pending, err := s.GetPendingApprovalRequest("bob", types.RequestGPUAccess)
	require.NoError(t, err)
	assert.Equal(t, id, pending.ID)

	pending.Status = types.StatusApproved
	pending.DecidedAt = &now
	require.NoError(t, s.UpdateApprovalRequest(pending))

	_, err = s.GetPendingApprovalRequest("bob", types.RequestGPUAccess)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShareLinkViewCountMonotonic(t *testing.T) {
	s := openStore(t)
	seedQuota(t, s, "alice")

	require.NoError(t, s.CreateShareLink(&types.ShareLink{
		Token: "tok-1", OwnerUsername: "alice", ContainerName: "student-alice",
		Endpoint: "vscode", Access: types.AccessReadonly,
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordShareLinkAccess("tok-1", time.Now().UTC()))
		link, err := s.GetShareLink("tok-1")
		require.NoError(t, err)
		assert.Equal(t, int64(i), link.ViewCount)
	}
}

func TestMigrationRecordLifecycle(t *testing.T) {
	s := openStore(t)
	seedQuota(t, s, "dave")
	now := time.Now().UTC()

	rec := &types.MigrationRecord{
		ID: "mig-1", Username: "dave", FromNode: "hydra", ToNode: "gpu-node-a",
		CurrentStep: types.StepInitiated, Status: types.MigrationInProgress, StartedAt: now,
		StepLog: []types.StepLogEntry{{Step: types.StepInitiated, Timestamp: now, Message: "migration initiated"}},
	}
	require.NoError(t, s.UpsertMigrationRecord(rec))

	active, err := s.GetInProgressMigration("dave")
	require.NoError(t, err)
	assert.Equal(t, "mig-1", active.ID)

	rec.Status = types.MigrationCompleted
	rec.CurrentStep = types.StepCompleted
	rec.CompletedAt = &now
	rec.StepLog = append(rec.StepLog, types.StepLogEntry{Step: types.StepCompleted, Timestamp: now, Message: "migration completed"})
	require.NoError(t, s.UpsertMigrationRecord(rec))

	_, err = s.GetInProgressMigration("dave")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetMigrationRecord("mig-1")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationCompleted, got.Status)
	require.Len(t, got.StepLog, 2)
	assert.Equal(t, "migration completed", got.StepLog[1].Message)
}

func TestActivityAggregateAndYearlyArchive(t *testing.T) {
	s := openStore(t)
	year := time.Now().UTC().Year()
	cutoff := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertActivityLogEntry(&types.ActivityLogEntry{
			Username: "carol", Timestamp: cutoff.AddDate(0, -1, i),
			Category: types.CategoryContainer, Action: "start", Success: true,
		}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, s.InsertActivityLogEntry(&types.ActivityLogEntry{
			Username: "carol", Timestamp: cutoff.AddDate(0, 1, i),
			Category: types.CategoryContainer, Action: "stop", Success: true,
		}))
	}

	entries, size, err := s.AggregateSize("carol")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entries)
	assert.Greater(t, size, int64(0))

	n, err := s.ArchiveBefore("carol", cutoff, year-1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Nothing older than the boundary remains live; the archive holds the
	// original count under the closed year.
	live, err := s.ListActivityLogEntries("carol", 0)
	require.NoError(t, err)
	require.Len(t, live, 2)
	for _, e := range live {
		assert.False(t, e.Timestamp.Before(cutoff))
	}
	archived, err := s.ListArchivedEntries("carol", year-1)
	require.NoError(t, err)
	assert.Len(t, archived, 3)

	entries, _, err = s.AggregateSize("carol")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entries)
}
