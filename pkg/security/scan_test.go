package security

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// scanBackend stubs just the calls scanWorkload makes; the embedded
// interface panics on anything unexpected.
type scanBackend struct {
	orchestrator.Backend

	stats     orchestrator.WorkloadStats
	processes []string
	pauseErr  error

	paused []string
}

func (b *scanBackend) GetWorkload(context.Context, string) (orchestrator.WorkloadStatus, error) {
	return orchestrator.WorkloadStatus{Exists: true, Running: true, Ready: true}, nil
}

func (b *scanBackend) Stats(context.Context, string) (orchestrator.WorkloadStats, error) {
	return b.stats, nil
}

func (b *scanBackend) ListProcesses(context.Context, string) ([]string, error) {
	return b.processes, nil
}

func (b *scanBackend) PauseWorkload(_ context.Context, name string) error {
	if b.pauseErr != nil {
		return b.pauseErr
	}
	b.paused = append(b.paused, name)
	return nil
}

func newScanMonitor(t *testing.T, backend orchestrator.Backend, enforcement bool) (*Monitor, *storage.Store, events.Subscriber) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "hydra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	m := New(Deps{Store: store, Backend: backend, Broker: broker, EnforcementEnabled: enforcement})
	return m, store, sub
}

func waitForEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event broadcast")
		return nil
	}
}

func TestScanDetectsMiningAndPauses(t *testing.T) {
	backend := &scanBackend{processes: []string{"bash", "xmrig"}}
	m, store, sub := newScanMonitor(t, backend, true)

	require.NoError(t, m.scanWorkload(context.Background(), "frank", "student-frank"))

	assert.Equal(t, []string{"student-frank"}, backend.paused)

	recorded, err := store.ListSecurityEvents("frank", 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	ev := recorded[0]
	assert.Equal(t, "mining_detected", ev.EventType)
	assert.Equal(t, types.SeverityCritical, ev.Severity)
	assert.Equal(t, types.ActionContainerPaused, ev.ActionTaken)
	assert.True(t, ev.ContainerPaused)
	assert.Contains(t, ev.Metrics, "detectedProcesses")
	assert.Contains(t, ev.Metrics, "xmrig")

	broadcast := waitForEvent(t, sub)
	assert.Equal(t, events.LevelError, broadcast.Level)
	assert.Equal(t, "frank", broadcast.Username)
}

func TestScanMiningWithoutEnforcementOnlyLogs(t *testing.T) {
	backend := &scanBackend{processes: []string{"xmrig"}}
	m, store, _ := newScanMonitor(t, backend, false)

	require.NoError(t, m.scanWorkload(context.Background(), "frank", "student-frank"))

	assert.Empty(t, backend.paused)
	recorded, err := store.ListSecurityEvents("frank", 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, types.ActionLogged, recorded[0].ActionTaken)
}

func TestScanSustainedHighCPUCritical(t *testing.T) {
	backend := &scanBackend{stats: orchestrator.WorkloadStats{CPUPercent: 99, MemoryPercent: 10}}
	m, store, _ := newScanMonitor(t, backend, true)

	require.NoError(t, m.scanWorkload(context.Background(), "grace", "student-grace"))

	recorded, err := store.ListSecurityEvents("grace", 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "sustained_high_cpu", recorded[0].EventType)
	assert.Equal(t, types.SeverityCritical, recorded[0].Severity)
}

func TestScanWarningThresholds(t *testing.T) {
	backend := &scanBackend{stats: orchestrator.WorkloadStats{CPUPercent: 85, MemoryPercent: 90}}
	m, store, _ := newScanMonitor(t, backend, true)

	require.NoError(t, m.scanWorkload(context.Background(), "heidi", "student-heidi"))

	recorded, err := store.ListSecurityEvents("heidi", 10)
	require.NoError(t, err)
	require.Len(t, recorded, 2)

	byType := map[string]types.Severity{}
	for _, ev := range recorded {
		byType[ev.EventType] = ev.Severity
	}
	assert.Equal(t, types.SeverityWarning, byType["high_cpu"])
	assert.Equal(t, types.SeverityWarning, byType["high_memory"])
}
