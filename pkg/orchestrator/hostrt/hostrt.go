// Package hostrt is orchestrator variant A (spec.md §4.1): a single-host
// containerd driver plus a local-directory volume driver and a
// file-per-user route writer. Grounded line-for-line on warren's
// pkg/runtime/containerd.go (namespace scoping, oci.SpecOpts resource
// limits, cio task lifecycle, SIGTERM-then-SIGKILL stop) and
// pkg/volume/local.go (directory-per-volume driver), generalized from
// Warren's generic Container/Volume vocabulary to hydra's WorkloadSpec/
// VolumeSpec.
package hostrt

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/retry"
)

// DefaultNamespace is the containerd namespace hydra's workloads run
// under, distinct from any other tenant of the same daemon.
const DefaultNamespace = "hydra"

// Backend realizes orchestrator.Backend over a single-host containerd
// daemon plus a directory-per-user volume root and a per-user route YAML
// file in a watched directory.
type Backend struct {
	client      *containerd.Client
	namespace   string
	volumesRoot string
	routesRoot  string

	mu       sync.Mutex
	services map[string]orchestrator.ServiceSpec
	secrets  map[string]orchestrator.SecretSpec
	routes   map[string]orchestrator.RouteSpec
	ports    map[string]map[string]int // workload name -> endpoint -> host port
	samples  map[string]sample          // workload name -> previous cgroup CPU reading
}

// New dials the containerd socket and prepares the local volume/routes
// directories.
func New(socketPath, volumesRoot, routesRoot string) (*Backend, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("hostrt: connect containerd: %w", err)
	}
	if err := os.MkdirAll(volumesRoot, 0o755); err != nil {
		return nil, fmt.Errorf("hostrt: create volumes root: %w", err)
	}
	return &Backend{
		client:      client,
		namespace:   DefaultNamespace,
		volumesRoot: volumesRoot,
		routesRoot:  routesRoot,
		services:    make(map[string]orchestrator.ServiceSpec),
		secrets:     make(map[string]orchestrator.SecretSpec),
		routes:      make(map[string]orchestrator.RouteSpec),
		ports:       make(map[string]map[string]int),
		samples:     make(map[string]sample),
	}, nil
}

// Close releases the containerd client connection.
func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Name identifies this backend variant for logging only.
func (b *Backend) Name() string { return "host" }

func (b *Backend) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, b.namespace)
}

// CreateWorkload is a get-or-create: an existing container with the same
// name is reconciled by deleting and recreating (spec.md §4.1's "stale
// state... reconciled by deleting before recreating on start").
func (b *Backend) CreateWorkload(ctx context.Context, spec orchestrator.WorkloadSpec) error {
	ctx = b.ctx(ctx)

	if existing, err := b.client.LoadContainer(ctx, spec.Name); err == nil {
		if task, terr := existing.Task(ctx, nil); terr == nil {
			status, serr := task.Status(ctx)
			if serr == nil && status.Status == containerd.Running {
				return nil // already running: idempotent no-op
			}
		}
		if derr := b.DeleteWorkload(ctx, spec.Name); derr != nil {
			return fmt.Errorf("hostrt: reconcile stale workload %s: %w", spec.Name, derr)
		}
	}

	image, err := b.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = b.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("hostrt: pull image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice(spec.Env)),
	}
	if spec.CPUs > 0 {
		shares := uint64(spec.CPUs * 1024)
		quota := int64(spec.CPUs * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if spec.MemoryGB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(catalog.GiBToBytes(spec.MemoryGB))))
	}

	var mounts []specs.Mount
	if spec.VolumeName != "" {
		mounts = append(mounts, specs.Mount{
			Source:      b.volumePath(spec.VolumeName),
			Destination: spec.MountPath,
			Type:        "bind",
			Options:     []string{"rbind"},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctrdContainer, err := b.client.NewContainer(ctx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("hostrt: create container: %w", err)
	}

	task, err := ctrdContainer.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("hostrt: create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("hostrt: start task: %w", err)
	}

	b.mu.Lock()
	b.ports[spec.Name] = spec.Ports
	b.mu.Unlock()

	l := log.WithComponent("hostrt")
	l.Info().Str("workload", spec.Name).Str("username", spec.Username).Msg("workload created")
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// GetWorkload reports the workload's observed state.
func (b *Backend) GetWorkload(ctx context.Context, name string) (orchestrator.WorkloadStatus, error) {
	ctx = b.ctx(ctx)

	c, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		return orchestrator.WorkloadStatus{}, nil
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return orchestrator.WorkloadStatus{Exists: true}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return orchestrator.WorkloadStatus{Exists: true}, fmt.Errorf("hostrt: task status: %w", err)
	}
	return orchestrator.WorkloadStatus{
		Exists:  true,
		Running: status.Status == containerd.Running,
		Ready:   status.Status == containerd.Running,
	}, nil
}

// DeleteWorkload tolerates a missing workload (spec.md §4.1).
func (b *Backend) DeleteWorkload(ctx context.Context, name string) error {
	ctx = b.ctx(ctx)

	c, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		return nil
	}

	if task, terr := c.Task(ctx, nil); terr == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			statusC, werr := task.Wait(stopCtx)
			if werr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		cancel()
		_, _ = task.Delete(ctx)
	}

	deleteErr := retry.Backoff(ctx, 10*time.Second, 100*time.Millisecond, 2*time.Second, func() error {
		return c.Delete(ctx, containerd.WithSnapshotCleanup)
	})
	if deleteErr != nil {
		return fmt.Errorf("hostrt: delete container: %w", deleteErr)
	}

	b.mu.Lock()
	delete(b.ports, name)
	b.mu.Unlock()
	return nil
}

// WaitWorkloadReady polls GetWorkload until ready or timeout.
func (b *Backend) WaitWorkloadReady(ctx context.Context, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := b.GetWorkload(ctx, name)
		if err == nil && st.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("hostrt: workload %s not ready: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WorkloadLogs is not yet implemented for the host backend: containerd's
// NullIO (used for process supervision simplicity) discards stdout/stderr,
// so there is nothing to tail without switching task I/O to a log file.
func (b *Backend) WorkloadLogs(ctx context.Context, name string, lines int) ([]string, error) {
	return nil, fmt.Errorf("hostrt: log retrieval not available for host backend")
}

// ListWorkloadsByUser lists containers whose name carries the username
// prefix hydra's container-service uses as the stable workload identity.
func (b *Backend) ListWorkloadsByUser(ctx context.Context, username string) ([]orchestrator.WorkloadStatus, error) {
	ctx = b.ctx(ctx)
	containers, err := b.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("hostrt: list containers: %w", err)
	}
	prefix := "student-" + username
	var out []orchestrator.WorkloadStatus
	for _, c := range containers {
		if len(c.ID()) >= len(prefix) && c.ID()[:len(prefix)] == prefix {
			st, _ := b.GetWorkload(ctx, c.ID())
			out = append(out, st)
		}
	}
	return out, nil
}
