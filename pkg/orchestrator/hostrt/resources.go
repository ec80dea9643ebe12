package hostrt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/hydra/pkg/fsatomic"
	"github.com/cuemby/hydra/pkg/orchestrator"
)

// containerdJobSpecOpts builds the OCI spec options for the transient
// data-copy task: a recursive copy of /src onto /dst plus the two bind
// mounts the caller composed.
func containerdJobSpecOpts(mounts []specs.Mount) []oci.SpecOpts {
	return []oci.SpecOpts{
		oci.WithProcessArgs("cp", "-a", "/src/.", "/dst/"),
		oci.WithMounts(mounts),
	}
}

func (b *Backend) volumePath(name string) string {
	return filepath.Join(b.volumesRoot, name)
}

// CreateVolume creates the volume's backing directory; idempotent
// (mkdir -p semantics) per spec.md §4.1.
func (b *Backend) CreateVolume(ctx context.Context, spec orchestrator.VolumeSpec) error {
	if err := os.MkdirAll(b.volumePath(spec.Name), 0o755); err != nil {
		return fmt.Errorf("hostrt: create volume dir: %w", err)
	}
	return nil
}

// GetVolume reports whether a volume directory exists.
func (b *Backend) GetVolume(ctx context.Context, name string) (orchestrator.VolumeSpec, bool, error) {
	if _, err := os.Stat(b.volumePath(name)); err != nil {
		if os.IsNotExist(err) {
			return orchestrator.VolumeSpec{}, false, nil
		}
		return orchestrator.VolumeSpec{}, false, err
	}
	return orchestrator.VolumeSpec{Name: name}, true, nil
}

// DeleteVolume removes the volume directory, tolerating a missing one.
func (b *Backend) DeleteVolume(ctx context.Context, name string) error {
	if err := os.RemoveAll(b.volumePath(name)); err != nil {
		return fmt.Errorf("hostrt: delete volume dir: %w", err)
	}
	return nil
}

// CreateSecret stores credential material in-process; the host backend
// has no dedicated secret store, so hydra's container service is the only
// reader (it never persists the plaintext itself, per spec.md §9).
func (b *Backend) CreateSecret(ctx context.Context, spec orchestrator.SecretSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.secrets[spec.Name] = spec
	return nil
}

func (b *Backend) GetSecret(ctx context.Context, name string) (orchestrator.SecretSpec, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.secrets[name]
	return s, ok, nil
}

func (b *Backend) DeleteSecret(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.secrets, name)
	return nil
}

// CreateService records the workload's endpoint-name-to-port mapping; on
// the host backend a "service" is purely bookkeeping consulted when
// generating the proxy route document (C8) and the SSH-mux upstream file
// (C7) — there is no separate load-balancer object to create.
func (b *Backend) CreateService(ctx context.Context, spec orchestrator.ServiceSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services[spec.Name] = spec
	return nil
}

func (b *Backend) GetService(ctx context.Context, name string) (orchestrator.ServiceSpec, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.services[name]
	return s, ok, nil
}

func (b *Backend) DeleteService(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.services, name)
	return nil
}

// CreateRoute records the route in memory; the actual per-user YAML
// document consumed by the external proxy is regenerated whole by
// pkg/container's RegenerateProxyDocument, which calls ListRoutesForUser
// and writes the result through pkg/proxyconfig on every add/remove
// (spec.md §4.6).
func (b *Backend) CreateRoute(ctx context.Context, spec orchestrator.RouteSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[spec.Name] = spec
	return nil
}

func (b *Backend) GetRoute(ctx context.Context, name string) (orchestrator.RouteSpec, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.routes[name]
	return r, ok, nil
}

func (b *Backend) DeleteRoute(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routes, name)
	return nil
}

// ListRoutesForUser returns all routes currently registered for a
// username, in the order pkg/proxyconfig should emit them.
func (b *Backend) ListRoutesForUser(username string) []orchestrator.RouteSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []orchestrator.RouteSpec
	for _, r := range b.routes {
		if r.Username == username {
			out = append(out, r)
		}
	}
	return out
}

// SubscribeEvents is unsupported: containerd's native task event stream
// requires wiring through the runtime's TaskService API, which the teacher
// repo never built out beyond NullIO task supervision (pkg/runtime never
// exposed task-exit subscriptions). Hydra's security monitor (C9) falls
// back to its periodic scan for the host backend exclusively; see
// DESIGN.md.
func (b *Backend) SubscribeEvents(ctx context.Context) (<-chan orchestrator.WorkloadEvent, error) {
	ch := make(chan orchestrator.WorkloadEvent)
	close(ch)
	return ch, fmt.Errorf("hostrt: event stream not available, use periodic scan")
}

// SubmitJob runs a transient "cp -a" task that bind-mounts both volumes,
// grounded on warren's CreateContainerWithMounts mount-composition style
// (spec.md §4.1's "transient helper workload that bind-mounts both").
func (b *Backend) SubmitJob(ctx context.Context, spec orchestrator.JobSpec) error {
	ctx = b.ctx(ctx)

	image, err := b.client.GetImage(ctx, "docker.io/library/busybox:latest")
	if err != nil {
		image, err = b.client.Pull(ctx, "docker.io/library/busybox:latest", containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("hostrt: pull job image: %w", err)
		}
	}

	srcDst, dstDst := "/src", "/dst"
	mounts := []specs.Mount{
		{Source: b.volumePath(spec.SourceVolume), Destination: srcDst, Type: "bind", Options: []string{"rbind", "ro"}},
		{Source: b.volumePath(spec.TargetVolume), Destination: dstDst, Type: "bind", Options: []string{"rbind"}},
	}

	c, err := b.client.NewContainer(ctx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(containerdJobSpecOpts(mounts)...),
	)
	if err != nil {
		return fmt.Errorf("hostrt: create job container: %w", err)
	}
	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("hostrt: create job task: %w", err)
	}
	return task.Start(ctx)
}

// AwaitJob polls the job's task until it exits or timeout elapses.
func (b *Backend) AwaitJob(ctx context.Context, name string, timeout time.Duration) (orchestrator.JobResult, error) {
	ctx = b.ctx(ctx)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := b.client.LoadContainer(ctx, name)
	if err != nil {
		return orchestrator.JobResult{}, fmt.Errorf("hostrt: load job: %w", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return orchestrator.JobResult{}, fmt.Errorf("hostrt: job task: %w", err)
	}
	statusC, err := task.Wait(ctx)
	if err != nil {
		return orchestrator.JobResult{}, fmt.Errorf("hostrt: wait job: %w", err)
	}
	select {
	case st := <-statusC:
		code, _, _ := st.Result()
		_, _ = task.Delete(ctx)
		_ = c.Delete(ctx, containerd.WithSnapshotCleanup)
		return orchestrator.JobResult{Succeeded: code == 0, ExitCode: int(code)}, nil
	case <-ctx.Done():
		return orchestrator.JobResult{}, fmt.Errorf("hostrt: job %s: %w", name, ctx.Err())
	}
}

// NodeHealth on the host backend only ever describes the single local
// node; reachability is the containerd connection's liveness.
func (b *Backend) NodeHealth(ctx context.Context, name string) (orchestrator.NodeHealth, error) {
	_, err := b.client.Version(ctx)
	return orchestrator.NodeHealth{
		Name:      name,
		Reachable: err == nil,
		Ready:     err == nil,
	}, nil
}

// WriteRouteDocument atomically writes the proxy's per-user route file
// under the backend's routes root. pkg/proxyconfig writes its documents
// through its own Writer and does not call this method.
func (b *Backend) WriteRouteDocument(username string, doc []byte) error {
	path := filepath.Join(b.routesRoot, fmt.Sprintf("student-%s.yaml", username))
	return fsatomic.WriteFile(path, doc, 0o644)
}

// RemoveRouteDocument deletes a user's route file (destroy/wipe).
func (b *Backend) RemoveRouteDocument(username string) error {
	path := filepath.Join(b.routesRoot, fmt.Sprintf("student-%s.yaml", username))
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
