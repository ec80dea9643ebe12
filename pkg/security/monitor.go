// Package security implements the runtime behavior monitor (spec.md §4.7,
// C9): a container-event consumer plus a periodic CPU/memory/process scan,
// recording security_events and broadcasting them on pkg/events. Grounded
// on pkg/reconciler's ticker-driven run loop for the scan side and on
// clusterrt's watch-reconnect loop for the event-stream side.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/storage"
)

// DefaultScanInterval is the periodic scan cadence when configuration does
// not override it (spec.md §4.7).
const DefaultScanInterval = 5 * time.Minute

// rollingWindowSize is N, the number of samples the monitor averages over
// before comparing against the CPU/memory thresholds.
const rollingWindowSize = 5

// Threshold percentages (spec.md §4.7's defaults).
const (
	criticalCPU = 95.0
	warningCPU  = 80.0
	criticalMem = 95.0
	warningMem  = 85.0
)

// window is the bounded rolling history for one workload; both slices are
// kept in lockstep, one sample appended per scan cycle.
type window struct {
	cpu []float64
	mem []float64
}

// Monitor consumes the orchestrator's event stream and runs the periodic
// scan. Both loops share the rolling-window map, guarded by mu.
type Monitor struct {
	store        *storage.Store
	backend      orchestrator.Backend
	broker       *events.Broker
	scanInterval time.Duration
	enforcement  bool

	mu      sync.Mutex
	windows map[string]*window

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles Monitor's collaborators.
type Deps struct {
	Store              *storage.Store
	Backend            orchestrator.Backend
	Broker             *events.Broker
	ScanInterval       time.Duration
	EnforcementEnabled bool
}

// New builds a Monitor from its collaborators.
func New(d Deps) *Monitor {
	return &Monitor{
		store:        d.Store,
		backend:      d.Backend,
		broker:       d.Broker,
		scanInterval: d.ScanInterval,
		enforcement:  d.EnforcementEnabled,
		windows:      make(map[string]*window),
		stopCh:       make(chan struct{}),
	}
}

// Start launches both the event listener and the periodic scan as
// independent goroutines (spec.md §5: long-running listeners run as
// independent tasks). Either can be stopped together via Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.runEvents(ctx)

	if m.scanInterval <= 0 {
		l := log.WithComponent("security")
		l.Info().Msg("periodic scan disabled")
		return
	}
	m.wg.Add(1)
	go m.runScan(ctx)
}

// Stop signals both loops to exit and waits for them.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// wait blocks for d or until Stop is called, reporting which happened.
func (m *Monitor) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.stopCh:
		return false
	}
}

func (m *Monitor) resetWindow(name string) {
	m.mu.Lock()
	delete(m.windows, name)
	m.mu.Unlock()
}

// observe appends one sample to name's rolling window and returns the
// window's current CPU/memory averages.
func (m *Monitor) observe(name string, stats orchestrator.WorkloadStats) (avgCPU, avgMem float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[name]
	if !ok {
		w = &window{}
		m.windows[name] = w
	}
	w.cpu = appendBounded(w.cpu, stats.CPUPercent, rollingWindowSize)
	w.mem = appendBounded(w.mem, stats.MemoryPercent, rollingWindowSize)
	return average(w.cpu), average(w.mem)
}

func appendBounded(xs []float64, v float64, max int) []float64 {
	xs = append(xs, v)
	if len(xs) > max {
		xs = xs[len(xs)-max:]
	}
	return xs
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
