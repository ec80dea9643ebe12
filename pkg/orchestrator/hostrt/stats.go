package hostrt

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cgroupstats "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/typeurl/v2"

	"github.com/cuemby/hydra/pkg/orchestrator"
)

// memoryUnlimited is cgroups v1's sentinel for "no memory limit set"
// (math.MaxInt64 rounded down to a page boundary); workloads without an
// explicit limit report no meaningful memory percentage.
const memoryUnlimited = uint64(1<<63 - 4096)

// sample remembers the previous cgroup CPU reading for a workload, so
// successive Stats calls can compute a CPU percentage from the usage
// delta over the elapsed wall-clock time (the same technique cAdvisor and
// containerd's own metrics exporters use).
type sample struct {
	cpuUsageNS uint64
	memLimitGB float64
	takenAt    time.Time
}

// Stats reads the workload's cgroup CPU/memory accounting via containerd's
// task metrics and converts it into the percentages the security monitor's
// rolling window consumes (spec.md §4.7).
func (b *Backend) Stats(ctx context.Context, name string) (orchestrator.WorkloadStats, error) {
	ctx = b.ctx(ctx)

	c, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		return orchestrator.WorkloadStats{}, fmt.Errorf("hostrt: load container: %w", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return orchestrator.WorkloadStats{}, fmt.Errorf("hostrt: task: %w", err)
	}
	metric, err := task.Metrics(ctx)
	if err != nil {
		return orchestrator.WorkloadStats{}, fmt.Errorf("hostrt: read metrics: %w", err)
	}
	v, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return orchestrator.WorkloadStats{}, fmt.Errorf("hostrt: unmarshal metrics: %w", err)
	}
	m, ok := v.(*cgroupstats.Metrics)
	if !ok || m.CPU == nil || m.CPU.Usage == nil || m.Memory == nil {
		return orchestrator.WorkloadStats{}, fmt.Errorf("hostrt: unsupported metrics payload")
	}

	b.mu.Lock()
	prev, had := b.samples[name]
	now := time.Now()
	b.samples[name] = sample{cpuUsageNS: m.CPU.Usage.Total, takenAt: now}
	b.mu.Unlock()

	var cpuPct float64
	if had {
		elapsed := now.Sub(prev.takenAt).Seconds()
		if elapsed > 0 {
			deltaNS := float64(m.CPU.Usage.Total - prev.cpuUsageNS)
			cpuPct = (deltaNS / 1e9) / elapsed * 100
		}
	}

	var memPct float64
	if m.Memory.Usage != nil && m.Memory.Usage.Limit > 0 && m.Memory.Usage.Limit < memoryUnlimited {
		memPct = float64(m.Memory.Usage.Usage) / float64(m.Memory.Usage.Limit) * 100
	}

	return orchestrator.WorkloadStats{CPUPercent: cpuPct, MemoryPercent: memPct}, nil
}

// ListProcesses enumerates process command names for a task by reading
// /proc/<pid>/comm for every pid the task reports, matched against the
// mining-software blocklist in pkg/security (spec.md §4.7).
func (b *Backend) ListProcesses(ctx context.Context, name string) ([]string, error) {
	ctx = b.ctx(ctx)

	c, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("hostrt: load container: %w", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("hostrt: task: %w", err)
	}
	processes, err := task.Pids(ctx)
	if err != nil {
		return nil, fmt.Errorf("hostrt: list pids: %w", err)
	}

	var names []string
	for _, p := range processes {
		comm, err := readComm(p.Pid)
		if err != nil {
			continue
		}
		names = append(names, comm)
	}
	return names, nil
}

func readComm(pid uint32) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", scanner.Err()
}

// PauseWorkload freezes the task's cgroup, halting scheduling without
// terminating the process tree (spec.md §4.7's mining-detected enforcement
// action).
func (b *Backend) PauseWorkload(ctx context.Context, name string) error {
	ctx = b.ctx(ctx)

	c, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("hostrt: load container: %w", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("hostrt: task: %w", err)
	}
	if err := task.Pause(ctx); err != nil {
		return fmt.Errorf("hostrt: pause task: %w", err)
	}
	return nil
}
