// Package migration implements the cross-node workload move state machine
// (spec.md §4.3, C5): steps 0 (INITIATED) through 10 (COMPLETED), or -1
// (FAILED). Each transition appends a step-log entry and publishes an
// event on pkg/events for the dashboard SSE stream. The copy-job wait is
// a single deadline-bounded backend AwaitJob call.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/container"
	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/proxyconfig"
	"github.com/cuemby/hydra/pkg/sshmux"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// Engine drives migration records to completion. It satisfies
// pkg/container.Migrator.
type Engine struct {
	store   *storage.Store
	backend orchestrator.Backend
	catalog *catalog.Catalog
	broker  *events.Broker
	sshmux  *sshmux.Writer
	proxy   *proxyconfig.Writer

	timeout time.Duration

	mu     sync.Mutex
	active map[string]activeMigration // username -> currently running migration
}

type activeMigration struct {
	id     string
	cancel context.CancelCauseFunc
}

// errSuperseded is the cancellation cause a newer Start hands to the prior
// in-flight migration, so its FAILED record reads "superseded" rather than
// a bare context error (spec.md §5).
var errSuperseded = errors.New("superseded")

// Deps bundles Engine's collaborators.
type Deps struct {
	Store   *storage.Store
	Backend orchestrator.Backend
	Catalog *catalog.Catalog
	Broker  *events.Broker
	SSHMux  *sshmux.Writer
	Proxy   *proxyconfig.Writer
	Timeout time.Duration
}

// New builds an Engine from its collaborators.
func New(d Deps) *Engine {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Engine{
		store:   d.Store,
		backend: d.Backend,
		catalog: d.Catalog,
		broker:  d.Broker,
		sshmux:  d.SSHMux,
		proxy:   d.Proxy,
		timeout: timeout,
		active:  make(map[string]activeMigration),
	}
}

// Start validates the request, supersedes any prior in-progress migration
// for the user, and runs the state machine in the background, returning
// the new record's ID immediately (spec.md §4.3's "concurrency: one
// active migration per user; a second start cancels the prior record").
func (e *Engine) Start(ctx context.Context, username, targetNode string, override *container.ConfigOverride) (string, error) {
	toNode, ok := e.catalog.Node(targetNode)
	if !ok {
		return "", hydraerr.Input("unknown_node", "migration", fmt.Sprintf("unknown node %q", targetNode))
	}

	cfg, err := e.store.GetContainerConfig(username)
	if err != nil {
		return "", hydraerr.Precondition("not_initialized", "migration", "workspace not initialized")
	}

	if override != nil {
		if err := container.ValidateOverride(e.store, e.catalog, username, override); err != nil {
			return "", err
		}
	}

	if toNode.GPUEnabled {
		quota, err := e.store.GetUserQuota(username)
		if err != nil {
			return "", hydraerr.Precondition("not_approved", "migration", "no quota record for user")
		}
		approval, ok := quota.NodeApprovals[targetNode]
		if !ok || approval.Expired(time.Now().UTC()) {
			return "", hydraerr.Precondition("gpu_not_approved", "migration", "gpu node access not approved or expired")
		}
	}

	if prior, ok := e.activeFor(username); ok {
		prior.cancel(errSuperseded)
	}
	runCtx, cancel := context.WithCancelCause(context.Background())

	rec := &types.MigrationRecord{
		ID:          uuid.NewString(),
		Username:    username,
		FromNode:    cfg.CurrentNode,
		ToNode:      targetNode,
		CurrentStep: types.StepInitiated,
		Status:      types.MigrationInProgress,
		StartedAt:   time.Now().UTC(),
	}
	e.appendStep(rec, types.StepInitiated, "migration initiated")
	if err := e.store.UpsertMigrationRecord(rec); err != nil {
		cancel(nil)
		return "", hydraerr.Operation("persist_failed", "migration", "persist migration record failed", err)
	}
	e.publish(rec, events.EventMigrationProgress, "migration initiated")

	e.mu.Lock()
	e.active[username] = activeMigration{id: rec.ID, cancel: cancel}
	e.mu.Unlock()

	go e.run(runCtx, rec, cfg, toNode, override)

	return rec.ID, nil
}

func (e *Engine) activeFor(username string) (activeMigration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.active[username]
	return m, ok
}

func (e *Engine) appendStep(rec *types.MigrationRecord, step int, message string) {
	rec.CurrentStep = step
	rec.StepLog = append(rec.StepLog, types.StepLogEntry{Step: step, Timestamp: time.Now().UTC(), Message: message})
}

func (e *Engine) publish(rec *types.MigrationRecord, kind events.EventType, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:       rec.ID,
		Type:     kind,
		Username: rec.Username,
		Message:  message,
		Metadata: map[string]string{"migration_id": rec.ID, "step": types.StepName(rec.CurrentStep)},
	})
}

// Record fetches a migration record by ID, for the dashboard's progress
// view and its SSE stream.
func (e *Engine) Record(id string) (*types.MigrationRecord, error) {
	rec, err := e.store.GetMigrationRecord(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, hydraerr.Input("not_found", "migration", "migration record not found")
		}
		return nil, hydraerr.Operation("lookup_failed", "migration", "read migration record failed", err)
	}
	return rec, nil
}

// InProgress returns the user's single active migration record, if any
// (spec.md §3: at most one in_progress record per user).
func (e *Engine) InProgress(username string) (*types.MigrationRecord, bool, error) {
	rec, err := e.store.GetInProgressMigration(username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, hydraerr.Operation("lookup_failed", "migration", "read migration record failed", err)
	}
	return rec, true, nil
}

// finishActive clears the active-migration entry for username 30 s after
// the run reaches a terminal state, but only if it is still this
// migration — a superseding Start already replaced it and owns clearing
// its own entry.
func (e *Engine) finishActive(username, migrationID string) {
	time.AfterFunc(30*time.Second, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if m, ok := e.active[username]; ok && m.id == migrationID {
			delete(e.active, username)
		}
	})
}
