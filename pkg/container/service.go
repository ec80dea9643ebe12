// Package container implements the business rules on top of the
// orchestrator backend (spec.md §4.2, C4): init/get_status/start/stop/
// destroy/wipe/migrate, key-pair generation, default route registration
// and reserved-endpoint/port validation. Every mutating operation is
// serialized per username through pkg/keylock (spec.md §5).
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/keylock"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/metrics"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/proxyconfig"
	"github.com/cuemby/hydra/pkg/sshmux"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// Container ports the workload image listens on for the two default
// endpoints (spec.md §4.2's P_EDITOR / P_NOTEBOOK).
const (
	EditorContainerPort   = 8080
	NotebookContainerPort = 8888
)

// DefaultWorkloadImage is used when a preset does not name one; hydra's
// student images are expected to bundle both code-server and Jupyter.
const DefaultWorkloadImage = "registry.hydra.example.edu/student-workspace:latest"

// reservedEndpoints mirrors proxyconfig's reserved names; add_route and
// remove_route refuse them (spec.md §4.2).
var reservedEndpoints = map[string]bool{
	proxyconfig.EndpointEditor:   true,
	proxyconfig.EndpointNotebook: true,
}

var reservedPorts = map[int]bool{
	EditorContainerPort:   true,
	NotebookContainerPort: true,
}

// Migrator is the handoff surface C5 exposes to C4's migrate operation.
// Defined here (not imported from pkg/migration) so pkg/migration can
// depend on pkg/container's types without a cycle; pkg/migration.Engine
// satisfies this interface.
type Migrator interface {
	Start(ctx context.Context, username, targetNode string, newConfig *ConfigOverride) (migrationID string, err error)
}

// ConfigOverride carries an optional explicit resource bundle for a
// migrate or init call that bypasses the named preset.
type ConfigOverride struct {
	PresetTier string
	MemoryGB   float64
	CPUs       float64
	StorageGB  float64
	GPUCount   int
}

// ActivityRecorder is the minimal surface C10 exposes for C4 to append
// activity log entries; pkg/activity.Store satisfies it.
type ActivityRecorder interface {
	Record(entry *types.ActivityLogEntry) error
}

// Service implements C4 over a single orchestrator backend variant.
type Service struct {
	store    *storage.Store
	backend  orchestrator.Backend
	catalog  *catalog.Catalog
	locks    *keylock.Map
	broker   *events.Broker
	sshmux   *sshmux.Writer
	proxy    *proxyconfig.Writer
	migrator Migrator
	activity ActivityRecorder

	publicBaseURL string
	readyTimeout  time.Duration
}

// Deps bundles Service's collaborators.
type Deps struct {
	Store         *storage.Store
	Backend       orchestrator.Backend
	Catalog       *catalog.Catalog
	Locks         *keylock.Map
	Broker        *events.Broker
	SSHMux        *sshmux.Writer
	Proxy         *proxyconfig.Writer
	Migrator      Migrator
	Activity      ActivityRecorder
	PublicBaseURL string
}

// New builds a Service from its collaborators.
func New(d Deps) *Service {
	return &Service{
		store:         d.Store,
		backend:       d.Backend,
		catalog:       d.Catalog,
		locks:         d.Locks,
		broker:        d.Broker,
		sshmux:        d.SSHMux,
		proxy:         d.Proxy,
		migrator:      d.Migrator,
		activity:      d.Activity,
		publicBaseURL: d.PublicBaseURL,
		readyTimeout:  30 * time.Second,
	}
}

// SetMigrator wires the migration engine after construction, breaking the
// container<->migration initialization order dependency (the migration
// engine itself needs a Store/Backend/Broker built alongside Service).
func (s *Service) SetMigrator(m Migrator) { s.migrator = m }

// WorkloadName, VolumeName, SecretName, ServiceName and RouteName are the
// stable per-username identity conventions every backend and the
// migration engine (C5) derive objects from.
func WorkloadName(username string) string  { return "student-" + username }
func VolumeName(username string) string    { return "student-" + username + "-home" }
func SecretName(username string) string    { return "student-" + username + "-ssh-key" }
func ServiceName(username string) string   { return "student-" + username + "-svc" }
func RouteName(username, ep string) string { return "student-" + username + "-" + ep }

func workloadName(username string) string  { return WorkloadName(username) }
func volumeName(username string) string    { return VolumeName(username) }
func secretName(username string) string    { return SecretName(username) }
func serviceName(username string) string   { return ServiceName(username) }
func routeName(username, ep string) string { return RouteName(username, ep) }

func (s *Service) recordActivity(username, category, action, target string, success bool, dur time.Duration, detail string) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.ContainerOperationsTotal.WithLabelValues(action, outcome).Inc()
	metrics.ContainerOperationDuration.WithLabelValues(action).Observe(dur.Seconds())

	if s.activity == nil {
		return
	}
	entry := &types.ActivityLogEntry{
		Username:   username,
		Timestamp:  time.Now().UTC(),
		Category:   types.ActivityCategory(category),
		Action:     action,
		Target:     target,
		Success:    success,
		DurationMS: dur.Milliseconds(),
		Details:    detail,
	}
	if err := s.activity.Record(entry); err != nil {
		l := log.WithComponent("container")
		l.Warn().Err(err).Str("username", username).Msg("activity record failed")
	}
}

func (s *Service) resolveResources(username string, override *ConfigOverride, presetName string) (types.Preset, error) {
	return resolvePreset(s.store, s.catalog, username, override, presetName)
}

// resolvePreset maps a request onto a preset, enforcing the write-time
// resource invariants before anything touches the backend: the bundle
// must be a catalog preset unless an approved custom grant covers it,
// and it must fit the user's effective caps.
func resolvePreset(st *storage.Store, cat *catalog.Catalog, username string, override *ConfigOverride, presetName string) (types.Preset, error) {
	var preset types.Preset
	if override != nil {
		if p, ok := cat.MatchesPreset(override.MemoryGB, override.CPUs, override.StorageGB, override.GPUCount); ok {
			preset = p
		} else {
			preset = types.Preset{
				Name:      "custom",
				MemoryGB:  override.MemoryGB,
				CPUs:      override.CPUs,
				StorageGB: override.StorageGB,
				GPUCount:  override.GPUCount,
			}
			if !hasApprovedCustomGrant(st, username, preset) {
				return types.Preset{}, hydraerr.Input("custom_not_approved", "container",
					"requested resources match no preset and no approved custom grant covers them")
			}
		}
	} else {
		p, ok := cat.Preset(presetName)
		if !ok {
			return types.Preset{}, hydraerr.Input("unknown_preset", "container", fmt.Sprintf("unknown preset %q", presetName))
		}
		preset = p
	}

	caps := effectiveCaps(st, cat, username)
	if preset.MemoryGB > caps.MaxMemoryGB || preset.CPUs > caps.MaxCPUs || preset.StorageGB > caps.MaxStorage {
		return types.Preset{}, hydraerr.Input("over_quota", "container",
			fmt.Sprintf("requested resources exceed effective caps (%.0f GB memory, %.0f cpus, %.0f GB storage)",
				caps.MaxMemoryGB, caps.MaxCPUs, caps.MaxStorage))
	}
	return preset, nil
}

// ValidateOverride checks an explicit resource bundle against the same
// invariants init enforces, for callers (the migration engine) that
// accept a new_config without resolving a named preset.
func ValidateOverride(st *storage.Store, cat *catalog.Catalog, username string, override *ConfigOverride) error {
	_, err := resolvePreset(st, cat, username, override, "")
	return err
}

// effectiveCaps is the user's write-time resource ceiling: the quota
// row's caps (the catalog auto-approval thresholds for a user with no
// row yet), raised by any approved, non-expired resources grant.
func effectiveCaps(st *storage.Store, cat *catalog.Catalog, username string) types.ApprovalThresholds {
	caps := cat.Thresholds()
	if q, err := st.GetUserQuota(username); err == nil {
		caps = types.ApprovalThresholds{MaxMemoryGB: q.MaxMemoryGB, MaxCPUs: q.MaxCPUs, MaxStorage: q.MaxStorage}
	}
	for _, r := range approvedResourceGrants(st, username) {
		if r.MemoryGB > caps.MaxMemoryGB {
			caps.MaxMemoryGB = r.MemoryGB
		}
		if r.CPUs > caps.MaxCPUs {
			caps.MaxCPUs = r.CPUs
		}
		if r.StorageGB > caps.MaxStorage {
			caps.MaxStorage = r.StorageGB
		}
	}
	return caps
}

// approvedResourceGrants returns the user's approved, non-expired
// resources requests.
func approvedResourceGrants(st *storage.Store, username string) []*types.ApprovalRequest {
	reqs, err := st.ListApprovalRequests(username)
	if err != nil {
		return nil
	}
	now := time.Now().UTC()
	var out []*types.ApprovalRequest
	for _, r := range reqs {
		if r.RequestType != types.RequestResources {
			continue
		}
		if r.Status != types.StatusApproved && r.Status != types.StatusAutoApproved {
			continue
		}
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// hasApprovedCustomGrant reports whether an approved resources grant
// covers every dimension of the requested custom bundle.
func hasApprovedCustomGrant(st *storage.Store, username string, p types.Preset) bool {
	for _, r := range approvedResourceGrants(st, username) {
		if r.MemoryGB >= p.MemoryGB && r.CPUs >= p.CPUs && r.StorageGB >= p.StorageGB && r.GPUCount >= p.GPUCount {
			return true
		}
	}
	return false
}

// ensureQuotaRow seeds a default quota for a first-time user; container
// configs (and every other per-user table) reference user_quotas by
// foreign key, so the row must exist before the first config write.
func (s *Service) ensureQuotaRow(username string) error {
	_, err := s.store.GetUserQuota(username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	t := s.catalog.Thresholds()
	now := time.Now().UTC()
	return s.store.UpsertUserQuota(&types.UserQuota{
		Username:    username,
		Role:        types.RoleStudent,
		MaxMemoryGB: t.MaxMemoryGB,
		MaxCPUs:     t.MaxCPUs,
		MaxStorage:  t.MaxStorage,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}
