// Package types holds the shared data model for the hydra control plane:
// quotas, container configs, approval requests, migration records, activity
// log entries, security events and the static catalog entities.
package types

import "time"

// Role is the principal's derived role.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

// UserQuota is keyed by username and is one-to-one with an identity principal.
type UserQuota struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`

	MaxMemoryGB float64 `json:"max_memory_gb"`
	MaxCPUs     float64 `json:"max_cpus"`
	MaxStorage  float64 `json:"max_storage_gb"`

	// NodeApprovals maps a target node name to an optional expiry. A present
	// key with a zero Expiry means an unconditional, non-expiring approval.
	NodeApprovals map[string]NodeApproval `json:"node_approvals"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeApproval grants a user access to a specific target node, optionally
// until a deadline.
type NodeApproval struct {
	ExpiresAt time.Time `json:"expires_at"` // zero value means no expiry
}

// Expired reports whether the approval has a deadline that has passed.
func (a NodeApproval) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now)
}

// ContainerConfig is keyed by username and is one-to-one with a UserQuota.
type ContainerConfig struct {
	Username          string     `json:"username"`
	CurrentNode       string     `json:"current_node"`
	PresetTier        string     `json:"preset_tier"`
	MemoryGB          float64    `json:"memory_gb"`
	CPUs              float64    `json:"cpus"`
	StorageGB         float64    `json:"storage_gb"`
	GPUCount          int        `json:"gpu_count"`
	ResourcesExpireAt *time.Time `json:"resources_expire_at,omitempty"`
	LastMigrationAt   *time.Time `json:"last_migration_at,omitempty"`
	VolumeName        string     `json:"volume_name"`
	StorageClass      string     `json:"storage_class"`

	// LastSeenReady caches the most recent positive readiness observation so
	// get_status can answer without a live backend round trip every refresh.
	LastSeenReady time.Time `json:"last_seen_ready,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestType enumerates what an ApprovalRequest is asking for.
type RequestType string

const (
	RequestResources   RequestType = "resources"
	RequestNodeAccess  RequestType = "node_access"
	RequestJupyterExec RequestType = "jupyter_execution"
	RequestGPUAccess   RequestType = "gpu_access"
)

// RequestStatus is the lifecycle state of an ApprovalRequest.
type RequestStatus string

const (
	StatusPending      RequestStatus = "pending"
	StatusApproved     RequestStatus = "approved"
	StatusDenied       RequestStatus = "denied"
	StatusAutoApproved RequestStatus = "auto_approved"
	StatusExpired      RequestStatus = "expired"
)

// Terminal reports whether the status is a terminal (non-pending) one.
func (s RequestStatus) Terminal() bool {
	return s != StatusPending
}

// ApprovalRequest records a user's ask for resources, node access, Jupyter
// execution or GPU access.
type ApprovalRequest struct {
	ID          int64       `json:"id"`
	Username    string      `json:"username"`
	TargetNode  string      `json:"target_node"`
	RequestType RequestType `json:"request_type"`

	MemoryGB  float64 `json:"memory_gb"`
	CPUs      float64 `json:"cpus"`
	StorageGB float64 `json:"storage_gb"`
	GPUCount  int     `json:"gpu_count"`

	Status   RequestStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Reviewer string        `json:"reviewer,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ShareAccess is the level of access a ShareLink grants.
type ShareAccess string

const (
	AccessReadonly ShareAccess = "readonly"
	AccessFull     ShareAccess = "full"
)

// ShareLink is an unguessable token granting time-limited access to a
// container endpoint.
type ShareLink struct {
	Token         string      `json:"token"`
	OwnerUsername string      `json:"owner_username"`
	ContainerName string      `json:"container_name"`
	Endpoint      string      `json:"endpoint"`
	Access        ShareAccess `json:"access"`
	ExpiresAt     time.Time   `json:"expires_at"`
	ViewCount     int64       `json:"view_count"`
	LastAccessed  *time.Time  `json:"last_accessed,omitempty"`
}

// Valid reports whether the link can still be redeemed at t.
func (s ShareLink) Valid(t time.Time) bool {
	return t.Before(s.ExpiresAt)
}

// MigrationStatus is the overall outcome of a MigrationRecord.
type MigrationStatus string

const (
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
)

// Migration step ordinals, per spec.md §4.3.
const (
	StepInitiated             = 0
	StepStopping              = 1
	StepStopped               = 2
	StepCreatingTargetStorage = 3
	StepStorageReady          = 4
	StepCopyingData           = 5
	StepDataCopied            = 6
	StepCreatingWorkload      = 7
	StepWorkloadReady         = 8
	StepUpdatingRoutes        = 9
	StepCompleted             = 10
	StepFailed                = -1
)

// StepName returns the human label for a step ordinal, used in step log
// messages and in user-visible failure text ("Migration failed at step X").
func StepName(step int) string {
	switch step {
	case StepInitiated:
		return "INITIATED"
	case StepStopping:
		return "STOPPING"
	case StepStopped:
		return "STOPPED"
	case StepCreatingTargetStorage:
		return "CREATING_TARGET_STORAGE"
	case StepStorageReady:
		return "STORAGE_READY"
	case StepCopyingData:
		return "COPYING_DATA"
	case StepDataCopied:
		return "DATA_COPIED"
	case StepCreatingWorkload:
		return "CREATING_POD"
	case StepWorkloadReady:
		return "POD_READY"
	case StepUpdatingRoutes:
		return "UPDATING_ROUTES"
	case StepCompleted:
		return "COMPLETED"
	default:
		return "FAILED"
	}
}

// StepLogEntry is one transition recorded against a MigrationRecord.
type StepLogEntry struct {
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// MigrationRecord tracks a single cross-node move of a user's workload.
type MigrationRecord struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	FromNode     string          `json:"from_node"`
	ToNode       string          `json:"to_node"`
	CurrentStep  int             `json:"current_step"`
	Status       MigrationStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StepLog      []StepLogEntry  `json:"step_log"`
}

// ActivityCategory groups activity log entries for filtering.
type ActivityCategory string

const (
	CategoryContainer ActivityCategory = "container"
	CategoryService   ActivityCategory = "service"
	CategoryRoute     ActivityCategory = "route"
	CategoryAuth      ActivityCategory = "auth"
	CategoryResource  ActivityCategory = "resource"
	CategoryAccount   ActivityCategory = "account"
	CategorySystem    ActivityCategory = "system"
	CategoryError     ActivityCategory = "error"
)

// ActivityLogEntry is one append-only record of user-visible activity.
type ActivityLogEntry struct {
	ID         int64            `json:"id"`
	Username   string           `json:"username"`
	Timestamp  time.Time        `json:"timestamp"`
	Category   ActivityCategory `json:"category"`
	Action     string           `json:"action"`
	Target     string           `json:"target"`
	Success    bool             `json:"success"`
	DurationMS int64            `json:"duration_ms"`
	Details    string           `json:"details,omitempty"` // JSON-encoded
	IPAddress  string           `json:"ip_address,omitempty"`
	UserAgent  string           `json:"user_agent,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	RequestID  string           `json:"request_id,omitempty"`

	// EstimatedSize is the byte estimate used by the archival sweep. It is
	// computed from the other fields plus a constant overhead by
	// storage.EstimateSize on insert and stored in the estimated_size column.
	EstimatedSize int `json:"-"`
}

// Severity is the severity of a SecurityEvent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ActionTaken records what the security monitor did in response to an event.
type ActionTaken string

const (
	ActionLogged          ActionTaken = "logged"
	ActionAlerted         ActionTaken = "alerted"
	ActionContainerPaused ActionTaken = "container_paused"
	ActionPauseFailed     ActionTaken = "pause_failed"
)

// SecurityEvent is a recorded observation from the security monitor (C9).
type SecurityEvent struct {
	ID            int64       `json:"id"`
	Timestamp     time.Time   `json:"timestamp"`
	Username      string      `json:"username"`
	ContainerName string      `json:"container_name"`
	EventType     string      `json:"event_type"`
	Severity      Severity    `json:"severity"`
	Description   string      `json:"description"`
	Metrics       string      `json:"metrics,omitempty"` // JSON-encoded
	ActionTaken   ActionTaken `json:"action_taken"`

	// ContainerPaused mirrors ActionTaken == ActionContainerPaused so
	// dashboards can filter on a boolean without string matching.
	ContainerPaused bool `json:"container_paused"`
}

// Preset is a named bundle of resources with an auto-approve flag and an
// allowed node list (C1).
type Preset struct {
	Name           string   `json:"name"`
	MemoryGB       float64  `json:"memory_gb"`
	CPUs           float64  `json:"cpus"`
	StorageGB      float64  `json:"storage_gb"`
	GPUCount       int      `json:"gpu_count"`
	AutoApprovable bool     `json:"auto_approvable"`
	AllowedNodes   []string `json:"allowed_nodes"`
}

// NodeRole classifies a node for scheduling and node-selector emission.
type NodeRole string

const (
	NodeRoleControlPlane NodeRole = "control-plane"
	NodeRoleInference    NodeRole = "inference"
	NodeRoleTraining     NodeRole = "training"
)

// NodeDescriptor is a static catalog entry describing a cluster node (C1).
type NodeDescriptor struct {
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Role         NodeRole `json:"role"`
	GPUEnabled   bool     `json:"gpu_enabled"`
	StorageClass string   `json:"storage_class"`
}

// ApprovalThresholds bounds what an ApprovalRequest may auto-approve.
type ApprovalThresholds struct {
	MaxMemoryGB float64 `json:"max_memory_gb"`
	MaxCPUs     float64 `json:"max_cpus"`
	MaxStorage  float64 `json:"max_storage_gb"`
}

// Principal is the authenticated caller, populated by the external identity
// middleware (out of scope) before a handler runs.
type Principal struct {
	Email  string   `json:"email"`
	Groups []string `json:"groups"`
	Role   Role     `json:"role"`
}
