package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/types"
)

// studentPrefix matches container.WorkloadName's convention; duplicated
// here rather than imported to keep pkg/security's event filter free of a
// dependency edge onto pkg/container's full service surface.
const studentPrefix = "student-"

// commonExitSignals are the exit/signal codes treated as routine shutdowns
// rather than abnormal terminations, per spec.md §4.7's event table.
var commonExitSignals = map[int]bool{137: true, 143: true}

// runEvents subscribes to the backend's event stream and reconnects with a
// fixed 5 s backoff on disconnect, per spec.md §4.7's resilience rule.
func (m *Monitor) runEvents(ctx context.Context) {
	defer m.wg.Done()
	logger := log.WithComponent("security")

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		ch, err := m.backend.SubscribeEvents(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("subscribe to event stream failed, retrying")
			if !m.wait(5 * time.Second) {
				return
			}
			continue
		}

		m.consume(ch)

		logger.Warn().Msg("event stream disconnected, reconnecting")
		if !m.wait(5 * time.Second) {
			return
		}
	}
}

func (m *Monitor) consume(ch <-chan orchestrator.WorkloadEvent) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case <-m.stopCh:
			return
		}
	}
}

// handleEvent applies spec.md §4.7's event table. Events for workloads
// outside the student namespace are ignored.
func (m *Monitor) handleEvent(ev orchestrator.WorkloadEvent) {
	if !strings.HasPrefix(ev.WorkloadName, studentPrefix) {
		return
	}

	switch ev.Kind {
	case orchestrator.EventOOM:
		m.record(ev.Username, ev.WorkloadName, "container_oom", types.SeverityCritical,
			"workload exceeded its memory limit", nil, types.ActionLogged)

	case orchestrator.EventExited:
		sev := types.SeverityWarning
		if commonExitSignals[ev.ExitCode] {
			sev = types.SeverityInfo
		}
		m.record(ev.Username, ev.WorkloadName, "process_killed", sev,
			fmt.Sprintf("workload exited with code %d", ev.ExitCode),
			map[string]any{"exit_code": ev.ExitCode}, types.ActionLogged)

	case orchestrator.EventKilled:
		m.record(ev.Username, ev.WorkloadName, "process_killed", types.SeverityWarning,
			fmt.Sprintf("workload received signal %d", ev.Signal),
			map[string]any{"signal": ev.Signal}, types.ActionLogged)

	case orchestrator.EventStarted, orchestrator.EventStopped:
		m.resetWindow(ev.WorkloadName)
		m.record(ev.Username, ev.WorkloadName, string(ev.Kind), types.SeverityInfo,
			fmt.Sprintf("workload %s", ev.Kind), nil, types.ActionLogged)
	}
}

// record persists a security event and broadcasts it on the bus.
func (m *Monitor) record(username, containerName, eventType string, sev types.Severity, desc string, metrics map[string]any, action types.ActionTaken) {
	var metricsJSON string
	if metrics != nil {
		if b, err := json.Marshal(metrics); err == nil {
			metricsJSON = string(b)
		}
	}

	e := &types.SecurityEvent{
		Timestamp:       time.Now().UTC(),
		Username:        username,
		ContainerName:   containerName,
		EventType:       eventType,
		Severity:        sev,
		Description:     desc,
		Metrics:         metricsJSON,
		ActionTaken:     action,
		ContainerPaused: action == types.ActionContainerPaused,
	}
	if err := m.store.InsertSecurityEvent(e); err != nil {
		l := log.WithComponent("security")
		l.Error().Err(err).Str("username", username).Msg("insert security event failed")
	}

	level := events.LevelInfo
	switch sev {
	case types.SeverityWarning:
		level = events.LevelWarn
	case types.SeverityCritical:
		level = events.LevelError
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventSecurity,
		Level:    level,
		Username: username,
		Message:  desc,
		Metadata: map[string]string{"event_type": eventType, "container_name": containerName},
	})
}
