package container

import (
	"context"
	"time"

	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/proxyconfig"
	"github.com/cuemby/hydra/pkg/types"
)

// Status is get_status's output (spec.md §4.2).
type Status struct {
	Exists       bool
	Running      bool
	Ready        bool
	Node         string
	RestartCount int
	StartedAt    time.Time
}

// GetStatus reads the workload's observed state, preferring the last
// cached readiness observation when the backend poll itself fails rather
// than reporting a false negative. It takes no lock and changes no
// workload; when the workload is ready it records that observation in the
// stored config's LastSeenReady.
func (s *Service) GetStatus(ctx context.Context, username string) (*Status, error) {
	st, err := s.backend.GetWorkload(ctx, workloadName(username))
	if err != nil {
		cfg, cerr := s.store.GetContainerConfig(username)
		if cerr != nil {
			return nil, hydraerr.Operation("status_read_failed", "container", "read workload status failed", err)
		}
		return &Status{Exists: true, Ready: !cfg.LastSeenReady.IsZero()}, nil
	}
	if st.Ready {
		if cfg, cerr := s.store.GetContainerConfig(username); cerr == nil {
			cfg.LastSeenReady = time.Now().UTC()
			_ = s.store.UpsertContainerConfig(cfg)
		}
	}
	return &Status{
		Exists:       st.Exists,
		Running:      st.Running,
		Ready:        st.Ready,
		Node:         st.Node,
		RestartCount: st.RestartCount,
		StartedAt:    st.StartedAt,
	}, nil
}

// Start recreates the workload from the stored config if stopped,
// preserving the volume; if a current workload is present but not ready
// it is deleted then recreated (spec.md §4.2).
func (s *Service) Start(ctx context.Context, username string) error {
	unlock := s.locks.Lock(username)
	defer unlock()

	start := time.Now()
	err := s.start(ctx, username)
	s.recordActivity(username, string(types.CategoryContainer), "start", workloadName(username), err == nil, time.Since(start), "")
	return err
}

func (s *Service) start(ctx context.Context, username string) error {
	cfg, err := s.store.GetContainerConfig(username)
	if err != nil {
		return hydraerr.Precondition("not_initialized", "container", "workspace not initialized")
	}

	st, err := s.backend.GetWorkload(ctx, workloadName(username))
	if err == nil && st.Exists && !st.Ready {
		if derr := s.backend.DeleteWorkload(ctx, workloadName(username)); derr != nil {
			return hydraerr.Operation("workload_delete_failed", "container", "delete stale workload failed", derr)
		}
	}

	preset := types.Preset{Name: cfg.PresetTier, MemoryGB: cfg.MemoryGB, CPUs: cfg.CPUs, StorageGB: cfg.StorageGB, GPUCount: cfg.GPUCount}
	spec := s.workloadSpec(username, cfg.CurrentNode, preset, cfg.VolumeName)
	if err := s.backend.CreateWorkload(ctx, spec); err != nil {
		return hydraerr.Operation("workload_create_failed", "container", "create workload failed", err)
	}
	if err := s.backend.WaitWorkloadReady(ctx, workloadName(username), s.readyTimeout); err != nil {
		return hydraerr.Transient("workload_not_ready", "container", "workload did not become ready", err)
	}
	return nil
}

// Stop deletes the workload; the volume is retained (spec.md §4.2).
func (s *Service) Stop(ctx context.Context, username string) error {
	unlock := s.locks.Lock(username)
	defer unlock()

	start := time.Now()
	err := s.backend.DeleteWorkload(ctx, workloadName(username))
	if err != nil {
		err = hydraerr.Operation("workload_delete_failed", "container", "delete workload failed", err)
	}
	s.recordActivity(username, string(types.CategoryContainer), "stop", workloadName(username), err == nil, time.Since(start), "")
	return err
}

// Destroy deletes the workload, service, route and middleware
// configuration; the volume is retained (spec.md §4.2).
func (s *Service) Destroy(ctx context.Context, username string) error {
	unlock := s.locks.Lock(username)
	defer unlock()

	start := time.Now()
	err := s.destroy(ctx, username)
	s.recordActivity(username, string(types.CategoryContainer), "destroy", workloadName(username), err == nil, time.Since(start), "")
	return err
}

func (s *Service) destroy(ctx context.Context, username string) error {
	if err := s.backend.DeleteWorkload(ctx, workloadName(username)); err != nil {
		return hydraerr.Operation("workload_delete_failed", "container", "delete workload failed", err)
	}
	if err := s.backend.DeleteService(ctx, serviceName(username)); err != nil {
		return hydraerr.Operation("service_delete_failed", "container", "delete service failed", err)
	}
	for _, ep := range []string{proxyconfig.EndpointEditor, proxyconfig.EndpointNotebook} {
		if err := s.backend.DeleteRoute(ctx, routeName(username, ep)); err != nil {
			return hydraerr.Operation("route_delete_failed", "container", "delete route failed", err)
		}
	}
	if err := s.proxy.Remove(username); err != nil {
		return hydraerr.Operation("proxy_remove_failed", "container", "remove proxy document failed", err)
	}
	if err := s.sshmux.Remove(username); err != nil {
		return hydraerr.Operation("sshmux_remove_failed", "container", "remove ssh-mux directory failed", err)
	}
	return nil
}

// Wipe is destroy plus waiting for workload deletion, deleting the
// volume and deleting the secret (spec.md §4.2).
func (s *Service) Wipe(ctx context.Context, username string) error {
	unlock := s.locks.Lock(username)
	defer unlock()

	start := time.Now()
	err := s.wipe(ctx, username)
	s.recordActivity(username, string(types.CategoryContainer), "wipe", workloadName(username), err == nil, time.Since(start), "")
	return err
}

func (s *Service) wipe(ctx context.Context, username string) error {
	if err := s.destroy(ctx, username); err != nil {
		return err
	}

	deadline := time.Now().Add(s.readyTimeout)
	for {
		st, err := s.backend.GetWorkload(ctx, workloadName(username))
		if err != nil || !st.Exists {
			break
		}
		if time.Now().After(deadline) {
			return hydraerr.Transient("workload_delete_timeout", "container", "workload deletion did not converge", nil)
		}
		time.Sleep(250 * time.Millisecond)
	}

	cfg, err := s.store.GetContainerConfig(username)
	volName := volumeName(username)
	if err == nil {
		volName = cfg.VolumeName
	}
	if err := s.backend.DeleteVolume(ctx, volName); err != nil {
		return hydraerr.Operation("volume_delete_failed", "container", "delete volume failed", err)
	}
	if err := s.backend.DeleteSecret(ctx, secretName(username)); err != nil {
		return hydraerr.Operation("secret_delete_failed", "container", "delete secret failed", err)
	}
	if err := s.store.DeleteContainerConfig(username); err != nil {
		return hydraerr.Operation("persist_delete_failed", "container", "delete container config failed", err)
	}
	return nil
}
