package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/hydra/pkg/container"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/types"
)

// runScan ticks every m.scanInterval, scanning every user with a
// container config. Grounded on pkg/reconciler's run loop.
func (m *Monitor) runScan(ctx context.Context) {
	defer m.wg.Done()
	logger := log.WithComponent("security")

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.scanOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("scan cycle failed")
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// scanOnce runs one pass over every known container config. A failure
// scanning one workload is logged and does not abort the cycle (spec.md
// §4.7's resilience rule).
func (m *Monitor) scanOnce(ctx context.Context) error {
	configs, err := m.store.ListContainerConfigs()
	if err != nil {
		return fmt.Errorf("security: list container configs: %w", err)
	}

	logger := log.WithComponent("security")
	for _, cfg := range configs {
		name := container.WorkloadName(cfg.Username)
		if err := m.scanWorkload(ctx, cfg.Username, name); err != nil {
			logger.Warn().Err(err).Str("username", cfg.Username).Msg("scan workload failed")
		}
	}
	return nil
}

// scanWorkload implements spec.md §4.7's per-workload scan steps 1-4: read
// stats, check the mining blocklist (short-circuiting the rest on a match),
// then compare rolling-window averages against the CPU/memory thresholds.
func (m *Monitor) scanWorkload(ctx context.Context, username, name string) error {
	status, err := m.backend.GetWorkload(ctx, name)
	if err != nil {
		return fmt.Errorf("get workload: %w", err)
	}
	if !status.Running {
		return nil
	}

	stats, err := m.backend.Stats(ctx, name)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	procs, err := m.backend.ListProcesses(ctx, name)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	if matched := matchBlocklist(procs); len(matched) > 0 {
		m.handleMining(ctx, username, name, matched)
		return nil
	}

	avgCPU, avgMem := m.observe(name, stats)

	switch {
	case avgCPU >= criticalCPU:
		m.record(username, name, "sustained_high_cpu", types.SeverityCritical,
			fmt.Sprintf("rolling average CPU %.1f%% at or above critical threshold", avgCPU),
			map[string]any{"avg_cpu_percent": avgCPU}, types.ActionAlerted)
	case avgCPU >= warningCPU:
		m.record(username, name, "high_cpu", types.SeverityWarning,
			fmt.Sprintf("rolling average CPU %.1f%% at or above warning threshold", avgCPU),
			map[string]any{"avg_cpu_percent": avgCPU}, types.ActionLogged)
	}

	switch {
	case avgMem >= criticalMem:
		m.record(username, name, "high_memory", types.SeverityCritical,
			fmt.Sprintf("rolling average memory %.1f%% at or above critical threshold", avgMem),
			map[string]any{"avg_memory_percent": avgMem}, types.ActionAlerted)
	case avgMem >= warningMem:
		m.record(username, name, "high_memory", types.SeverityWarning,
			fmt.Sprintf("rolling average memory %.1f%% at or above warning threshold", avgMem),
			map[string]any{"avg_memory_percent": avgMem}, types.ActionLogged)
	}

	return nil
}

// handleMining pauses the workload when enforcement is enabled and records
// the outcome either way (spec.md §4.7 step 2).
func (m *Monitor) handleMining(ctx context.Context, username, name string, matched []string) {
	action := types.ActionLogged
	if m.enforcement {
		if err := m.backend.PauseWorkload(ctx, name); err != nil {
			l := log.WithComponent("security")
			l.Error().Err(err).Str("username", username).Msg("pause workload after mining detection failed")
			action = types.ActionPauseFailed
		} else {
			action = types.ActionContainerPaused
		}
	}
	m.record(username, name, "mining_detected", types.SeverityCritical,
		fmt.Sprintf("matched mining software: %s", strings.Join(matched, ", ")),
		map[string]any{"detectedProcesses": matched}, action)
}
