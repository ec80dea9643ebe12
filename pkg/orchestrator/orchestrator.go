// Package orchestrator defines the single capability interface (C3) that
// both backend variants (pkg/orchestrator/hostrt, pkg/orchestrator/
// clusterrt) implement: workload, volume, secret, service and route
// lifecycle, a cluster event stream, a data-copy job, and node health.
// Nothing above this package (C4-C8) may type-switch on which variant is
// in use (spec.md §9).
package orchestrator

import (
	"context"
	"time"
)

// WorkloadSpec describes the desired state of a user's interactive
// development container.
type WorkloadSpec struct {
	Name       string // stable identity, derived from username
	Username   string
	Image      string
	Node       string
	MemoryGB   float64
	CPUs       float64
	GPUCount   int
	Env        map[string]string
	VolumeName string
	MountPath  string
	Ports      map[string]int // logical endpoint name -> container port
}

// WorkloadStatus is the observed state of a workload.
type WorkloadStatus struct {
	Exists       bool
	Running      bool
	Ready        bool
	Node         string
	RestartCount int
	StartedAt    time.Time
	RecentLogs   []string
}

// VolumeSpec describes a requested volume.
type VolumeSpec struct {
	Name         string
	SizeGB       float64
	StorageClass string
	Annotations  map[string]string
}

// SecretSpec is a workload-scoped credential.
type SecretSpec struct {
	Name string
	Data map[string][]byte
}

// ServiceSpec exposes a workload's ports under stable internal names.
type ServiceSpec struct {
	Name       string
	Username   string
	TargetName string // workload name
	Ports      map[string]int
}

// RouteSpec is a path-prefix route into a service, always composed with an
// auth middleware and (for non-notebook endpoints) a strip-prefix
// middleware (spec.md §4.1, §4.6).
type RouteSpec struct {
	Name         string
	Username     string
	PathPrefix   string
	ServiceName  string
	ServicePort  int
	StripPrefix  bool
	AuthRequired bool
}

// EventKind enumerates the lifecycle events the cluster event stream
// carries (spec.md §4.1).
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
	EventKilled  EventKind = "killed"
	EventOOM     EventKind = "oom"
	EventExited  EventKind = "exited"
)

// WorkloadEvent is one observation from the cluster event stream.
type WorkloadEvent struct {
	Kind         EventKind
	WorkloadName string
	Username     string
	ExitCode     int
	Signal       int
	Timestamp    time.Time
}

// JobSpec is a short-lived data-copy task mounting a source volume
// read-only and a target volume read-write (spec.md §4.1, §4.3).
type JobSpec struct {
	Name           string
	Node           string
	SourceVolume   string
	TargetVolume   string
	SourcePath     string
	TargetPath     string
}

// JobResult is the outcome of an awaited Job.
type JobResult struct {
	Succeeded bool
	ExitCode  int
	Message   string
}

// NodeHealth is a node's reachability/readiness/GPU snapshot (spec.md
// §4.1).
type NodeHealth struct {
	Name         string
	Reachable    bool
	Ready        bool
	GPUAvailable bool
	Labels       map[string]string
}

// WorkloadStats is a point-in-time resource usage sample, consulted by the
// security monitor's periodic scan (spec.md §4.7).
type WorkloadStats struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Backend is the single capability set C4-C9 drive, regardless of which
// variant realizes it. Every operation is idempotent on repeat with the
// same logical key (spec.md §4.1): Create is get-or-create, Delete
// tolerates a missing object.
type Backend interface {
	CreateWorkload(ctx context.Context, spec WorkloadSpec) error
	GetWorkload(ctx context.Context, name string) (WorkloadStatus, error)
	DeleteWorkload(ctx context.Context, name string) error
	WaitWorkloadReady(ctx context.Context, name string, timeout time.Duration) error
	WorkloadLogs(ctx context.Context, name string, lines int) ([]string, error)
	ListWorkloadsByUser(ctx context.Context, username string) ([]WorkloadStatus, error)

	CreateVolume(ctx context.Context, spec VolumeSpec) error
	GetVolume(ctx context.Context, name string) (VolumeSpec, bool, error)
	DeleteVolume(ctx context.Context, name string) error

	CreateSecret(ctx context.Context, spec SecretSpec) error
	GetSecret(ctx context.Context, name string) (SecretSpec, bool, error)
	DeleteSecret(ctx context.Context, name string) error

	CreateService(ctx context.Context, spec ServiceSpec) error
	GetService(ctx context.Context, name string) (ServiceSpec, bool, error)
	DeleteService(ctx context.Context, name string) error

	CreateRoute(ctx context.Context, spec RouteSpec) error
	GetRoute(ctx context.Context, name string) (RouteSpec, bool, error)
	DeleteRoute(ctx context.Context, name string) error

	SubscribeEvents(ctx context.Context) (<-chan WorkloadEvent, error)

	SubmitJob(ctx context.Context, spec JobSpec) error
	AwaitJob(ctx context.Context, name string, timeout time.Duration) (JobResult, error)

	NodeHealth(ctx context.Context, name string) (NodeHealth, error)

	// Stats samples a running workload's CPU/memory utilization, used by
	// the security monitor's rolling window (spec.md §4.7).
	Stats(ctx context.Context, name string) (WorkloadStats, error)
	// ListProcesses returns the process names running inside a workload,
	// checked against the mining-software blocklist (spec.md §4.7).
	ListProcesses(ctx context.Context, name string) ([]string, error)
	// PauseWorkload freezes a workload's execution without deleting it,
	// the enforcement action taken on mining_detected (spec.md §4.7).
	PauseWorkload(ctx context.Context, name string) error

	// Name identifies the backend variant ("host" or "cluster") for
	// logging; callers must not branch control flow on it.
	Name() string
}
