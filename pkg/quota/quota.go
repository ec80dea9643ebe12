// Package quota implements the resource/approval state machine (spec.md
// §4.4, C6): auto-approval against configured thresholds, pending-request
// bookkeeping with the one-pending-per-type invariant, and a periodic
// grant-expiry sweep that resets lapsed container configs to the default
// preset.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/container"
	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/metrics"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// DefaultSweepInterval is how often Engine checks for expired grants
// (spec.md §4.4: "a periodic sweep (default hourly)").
const DefaultSweepInterval = time.Hour

// Request is a user's ask for resources, node access, Jupyter execution or
// GPU access.
type Request struct {
	Username    string
	TargetNode  string
	RequestType types.RequestType
	MemoryGB    float64
	CPUs        float64
	StorageGB   float64
	GPUCount    int
	Reason      string
	// ExpiresAt, if set, bounds how long a grant (auto- or manually
	// approved) remains valid before the sweep resets it.
	ExpiresAt *time.Time
}

// Engine implements C6 over C2's storage and drives C4/C5 on expiry.
type Engine struct {
	store     *storage.Store
	catalog   *catalog.Catalog
	broker    *events.Broker
	container *container.Service
	migrator  container.Migrator
	activity  container.ActivityRecorder

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// Deps bundles Engine's collaborators.
type Deps struct {
	Store     *storage.Store
	Catalog   *catalog.Catalog
	Broker    *events.Broker
	Container *container.Service
	// Migrator triggers a migration back to the control-plane node for
	// cluster-backend deployments when a GPU grant lapses (spec.md §4.4d).
	// Left nil on host backend, where there is only one node to be on.
	Migrator container.Migrator
	// Activity persists the account-category entry the sweep records per
	// reset user; pkg/activity.Store satisfies it.
	Activity      container.ActivityRecorder
	SweepInterval time.Duration
}

// New builds an Engine from its collaborators.
func New(d Deps) *Engine {
	interval := d.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Engine{
		store:         d.Store,
		catalog:       d.Catalog,
		broker:        d.Broker,
		container:     d.Container,
		migrator:      d.Migrator,
		activity:      d.Activity,
		sweepInterval: interval,
		stopCh:        make(chan struct{}),
	}
}

// Submit records a new request, auto-approving it synchronously when it
// qualifies (spec.md §4.4's auto-approval rule), or parking it pending a
// reviewer decision. It enforces at most one non-terminal request per
// (username, request_type).
func (e *Engine) Submit(req Request) (*types.ApprovalRequest, error) {
	if existing, err := e.store.GetPendingApprovalRequest(req.Username, req.RequestType); err == nil && existing != nil {
		return nil, hydraerr.Input("duplicate_pending_request", "quota",
			fmt.Sprintf("a pending %s request already exists for %s", req.RequestType, req.Username))
	}

	// Every per-user table references user_quotas by foreign key; a
	// first-time requester needs their row seeded before the insert.
	if err := e.ensureQuota(req.Username); err != nil {
		return nil, hydraerr.Operation("quota_write_failed", "quota", "seed quota row failed", err)
	}

	now := time.Now().UTC()
	rec := &types.ApprovalRequest{
		Username:    req.Username,
		TargetNode:  req.TargetNode,
		RequestType: req.RequestType,
		MemoryGB:    req.MemoryGB,
		CPUs:        req.CPUs,
		StorageGB:   req.StorageGB,
		GPUCount:    req.GPUCount,
		Reason:      req.Reason,
		Status:      types.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	}

	if e.autoApproves(req) {
		rec.Status = types.StatusAutoApproved
		rec.DecidedAt = &now
		if err := e.grant(req.Username, req.TargetNode, req.ExpiresAt); err != nil {
			return nil, err
		}
	}

	id, err := e.store.CreateApprovalRequest(rec)
	if err != nil {
		return nil, hydraerr.Operation("persist_failed", "quota", "persist approval request failed", err)
	}
	rec.ID = id
	metrics.ApprovalRequestsTotal.WithLabelValues(string(req.RequestType), string(rec.Status)).Inc()
	return rec, nil
}

// autoApproves implements spec.md §4.4's rule exactly: target_node is the
// control-plane node AND each requested resource is within threshold AND
// gpu_count is zero AND the selected preset is auto-approvable.
func (e *Engine) autoApproves(req Request) bool {
	if req.GPUCount != 0 {
		return false
	}
	cp, ok := e.catalog.ControlPlaneNode()
	if !ok || req.TargetNode != cp.Name {
		return false
	}
	t := e.catalog.Thresholds()
	if req.MemoryGB > t.MaxMemoryGB || req.CPUs > t.MaxCPUs || req.StorageGB > t.MaxStorage {
		return false
	}
	preset, ok := e.catalog.MatchesPreset(req.MemoryGB, req.CPUs, req.StorageGB, req.GPUCount)
	return ok && preset.AutoApprovable
}

// ensureQuota seeds a default quota row (caps at the auto-approval
// thresholds) for a user who has none yet.
func (e *Engine) ensureQuota(username string) error {
	_, err := e.store.GetUserQuota(username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	t := e.catalog.Thresholds()
	now := time.Now().UTC()
	return e.store.UpsertUserQuota(&types.UserQuota{
		Username:    username,
		Role:        types.RoleStudent,
		MaxMemoryGB: t.MaxMemoryGB,
		MaxCPUs:     t.MaxCPUs,
		MaxStorage:  t.MaxStorage,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// grant records a node approval on the user's quota, creating the quota
// row if this is the user's first grant.
func (e *Engine) grant(username, node string, expiresAt *time.Time) error {
	expiry := time.Time{}
	if expiresAt != nil {
		expiry = *expiresAt
	}
	if err := e.ensureQuota(username); err != nil {
		return hydraerr.Operation("quota_write_failed", "quota", "create quota row failed", err)
	}
	if err := e.store.SetNodeApproval(username, node, expiry); err != nil {
		return hydraerr.Operation("quota_write_failed", "quota", "persist node approval failed", err)
	}
	return nil
}

// Decide records a reviewer's approve/deny decision against a pending
// request. Approving grants the node approval; denying leaves the user's
// quota untouched.
func (e *Engine) Decide(requestID int64, username string, approve bool, reviewer, reason string) error {
	requests, err := e.store.ListApprovalRequests(username)
	if err != nil {
		return hydraerr.Operation("lookup_failed", "quota", "list approval requests failed", err)
	}
	var rec *types.ApprovalRequest
	for _, r := range requests {
		if r.ID == requestID {
			rec = r
			break
		}
	}
	if rec == nil {
		return hydraerr.Input("not_found", "quota", "approval request not found")
	}
	if rec.Status.Terminal() {
		return hydraerr.Input("already_decided", "quota", "approval request already decided")
	}

	now := time.Now().UTC()
	rec.DecidedAt = &now
	rec.Reviewer = reviewer
	rec.Reason = reason
	if approve {
		rec.Status = types.StatusApproved
		if err := e.grant(rec.Username, rec.TargetNode, rec.ExpiresAt); err != nil {
			return err
		}
	} else {
		rec.Status = types.StatusDenied
	}
	if err := e.store.UpdateApprovalRequest(rec); err != nil {
		return hydraerr.Operation("persist_failed", "quota", "persist approval decision failed", err)
	}
	metrics.ApprovalRequestsTotal.WithLabelValues(string(rec.RequestType), string(rec.Status)).Inc()
	return nil
}

// ListPending returns every request for a user, most recent first.
func (e *Engine) ListPending(username string) ([]*types.ApprovalRequest, error) {
	reqs, err := e.store.ListApprovalRequests(username)
	if err != nil {
		return nil, hydraerr.Operation("lookup_failed", "quota", "list approval requests failed", err)
	}
	return reqs, nil
}

// StartSweep launches the periodic grant-expiry sweep in the background.
func (e *Engine) StartSweep(ctx context.Context) {
	e.wg.Add(1)
	go e.runSweep(ctx)
}

// StopSweep signals the sweep loop to exit and waits for it to finish.
func (e *Engine) StopSweep() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) runSweep(ctx context.Context) {
	defer e.wg.Done()
	logger := log.WithComponent("quota")
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	logger.Info().Dur("interval", e.sweepInterval).Msg("grant expiry sweep started")

	for {
		select {
		case <-ticker.C:
			if err := e.sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("grant expiry sweep failed")
			}
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

// sweep resets every container config whose resources_expire_at has
// passed back to the default preset on the control-plane node (spec.md
// §4.4's grant-expiry rule).
func (e *Engine) sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.GrantExpirySweepsTotal.Inc()
		metrics.GrantExpirySweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := time.Now().UTC()
	expired, err := e.store.ListContainerConfigsExpiring(now)
	if err != nil {
		return fmt.Errorf("quota: list expiring container configs: %w", err)
	}

	logger := log.WithComponent("quota")
	cp, ok := e.catalog.ControlPlaneNode()
	if !ok {
		return fmt.Errorf("quota: catalog has no control-plane node")
	}
	def := e.catalog.DefaultPreset()

	for _, cfg := range expired {
		needsMigration := cfg.CurrentNode != cp.Name
		override := &container.ConfigOverride{
			PresetTier: def.Name,
			MemoryGB:   def.MemoryGB,
			CPUs:       def.CPUs,
			StorageGB:  def.StorageGB,
			GPUCount:   def.GPUCount,
		}

		if needsMigration && e.migrator != nil {
			if _, err := e.migrator.Start(ctx, cfg.Username, cp.Name, override); err != nil {
				logger.Error().Err(err).Str("username", cfg.Username).Msg("expiry migration back to control plane failed")
				continue
			}
		} else if e.container != nil {
			if _, err := e.container.Init(ctx, cfg.Username, container.InitRequest{
				PresetName: def.Name,
				Override:   override,
				TargetNode: cp.Name,
			}); err != nil {
				logger.Error().Err(err).Str("username", cfg.Username).Msg("expiry preset reset failed")
				continue
			}
			if err := e.container.Start(ctx, cfg.Username); err != nil {
				logger.Error().Err(err).Str("username", cfg.Username).Msg("expiry restart failed")
			}
		}

		if err := e.store.RemoveNodeApproval(cfg.Username, cfg.CurrentNode); err != nil {
			logger.Warn().Err(err).Str("username", cfg.Username).Msg("failed to clear lapsed node approval")
		}

		metrics.GrantsExpiredTotal.Inc()
		e.recordExpiry(cfg.Username)
		e.publish(cfg.Username, "resource grant expired, reset to default preset")
	}
	return nil
}

// recordExpiry persists the account-category activity entry spec.md
// §4.4(c) requires per reset user; the bus broadcast in publish only
// reaches live subscribers, it is not durable.
func (e *Engine) recordExpiry(username string) {
	if e.activity == nil {
		return
	}
	err := e.activity.Record(&types.ActivityLogEntry{
		Username:  username,
		Timestamp: time.Now().UTC(),
		Category:  types.CategoryAccount,
		Action:    "resource_expired",
		Target:    container.WorkloadName(username),
		Success:   true,
	})
	if err != nil {
		l := log.WithComponent("quota")
		l.Warn().Err(err).Str("username", username).Msg("record expiry activity failed")
	}
}

func (e *Engine) publish(username, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:       username,
		Type:     events.EventActivity,
		Username: username,
		Message:  message,
		Metadata: map[string]string{"category": string(types.CategoryAccount)},
	})
}
