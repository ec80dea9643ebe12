// Command hydra runs the student-workspace control plane as a single
// long-lived process: one HTTP API, one orchestrator backend, and the
// background loops (quota sweep, security scan, activity rollover) that
// keep the system converging without an operator polling it. Grounded on
// warren's cmd/warren single-binary cobra entrypoint (log init before the
// command runs, persistent flags, graceful shutdown on SIGINT/SIGTERM),
// scaled down from its cluster-of-subcommands shape to the one "serve"
// command this daemon actually needs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hydra/pkg/activity"
	"github.com/cuemby/hydra/pkg/api"
	"github.com/cuemby/hydra/pkg/catalog"
	"github.com/cuemby/hydra/pkg/config"
	"github.com/cuemby/hydra/pkg/container"
	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/keylock"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/migration"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/orchestrator/clusterrt"
	"github.com/cuemby/hydra/pkg/orchestrator/hostrt"
	"github.com/cuemby/hydra/pkg/proxyconfig"
	"github.com/cuemby/hydra/pkg/quota"
	"github.com/cuemby/hydra/pkg/security"
	"github.com/cuemby/hydra/pkg/sshmux"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// Version information, set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hydra",
	Short:   "Hydra student-workspace control plane",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hydra version %s (%s)\n", Version, Commit))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	store, err := storage.Open(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	nodes := []types.NodeDescriptor{
		{Name: cfg.ControlPlaneNodeAddress, Address: cfg.ControlPlaneNodeAddress, Role: types.NodeRoleControlPlane, StorageClass: "hydra-hot"},
		{Name: cfg.GPUNodeAAddress, Address: cfg.GPUNodeAAddress, Role: types.NodeRoleTraining, GPUEnabled: true, StorageClass: "hydra-gpu"},
		{Name: cfg.GPUNodeBAddress, Address: cfg.GPUNodeBAddress, Role: types.NodeRoleInference, GPUEnabled: true, StorageClass: "hydra-gpu"},
	}
	thresholds := types.ApprovalThresholds{
		MaxMemoryGB: cfg.AutoApproveMaxMemoryGB,
		MaxCPUs:     cfg.AutoApproveMaxCPUs,
		MaxStorage:  cfg.AutoApproveMaxStorage,
	}
	cat, err := catalog.Load(cfg.ResourcePresetsCatalog, nodes, thresholds)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	backend, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("build orchestrator backend: %w", err)
	}

	sshmuxWriter := sshmux.New(cfg.SSHMuxConfigRoot)
	proxyWriter := proxyconfig.New(cfg.ProxyDynamicRoot, cfg.PublicBaseURL+"/auth/verify")
	locks := keylock.New()

	activityStore := activity.New(activity.Deps{
		Store:    store,
		Broker:   broker,
		CapBytes: cfg.LogsCapBytesPerUser,
	})

	containerSvc := container.New(container.Deps{
		Store:         store,
		Backend:       backend,
		Catalog:       cat,
		Locks:         locks,
		Broker:        broker,
		SSHMux:        sshmuxWriter,
		Proxy:         proxyWriter,
		Activity:      activityStore,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	migrationTimeout := time.Duration(cfg.MigrationTimeoutMS) * time.Millisecond
	migrationEngine := migration.New(migration.Deps{
		Store:   store,
		Backend: backend,
		Catalog: cat,
		Broker:  broker,
		SSHMux:  sshmuxWriter,
		Proxy:   proxyWriter,
		Timeout: migrationTimeout,
	})
	containerSvc.SetMigrator(migrationEngine)

	var gpuMigrator container.Migrator
	if cfg.Orchestrator == config.OrchestratorCluster {
		gpuMigrator = migrationEngine
	}
	quotaEngine := quota.New(quota.Deps{
		Store:         store,
		Catalog:       cat,
		Broker:        broker,
		Container:     containerSvc,
		Migrator:      gpuMigrator,
		Activity:      activityStore,
		SweepInterval: time.Duration(cfg.GrantExpirySweepIntervalMS) * time.Millisecond,
	})

	securityMonitor := security.New(security.Deps{
		Store:              store,
		Backend:            backend,
		Broker:             broker,
		ScanInterval:       time.Duration(cfg.SecurityStatsIntervalMS) * time.Millisecond,
		EnforcementEnabled: cfg.SecurityMiningEnforcementEnabled,
	})

	handler := api.New(api.Deps{
		Container: containerSvc,
		Migration: migrationEngine,
		Quota:     quotaEngine,
		Activity:  activityStore,
		Store:     store,
		Catalog:   cat,
		Backend:   backend,
		Broker:    broker,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	quotaEngine.StartSweep(ctx)
	defer quotaEngine.StopSweep()
	securityMonitor.Start(ctx)
	defer securityMonitor.Stop()
	activityStore.StartRollover(ctx)
	defer activityStore.StopRollover()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Str("orchestrator", string(cfg.Orchestrator)).Msg("hydra listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildBackend(cfg *config.Config) (orchestrator.Backend, error) {
	switch cfg.Orchestrator {
	case config.OrchestratorCluster:
		return clusterrt.New(clusterrt.Config{
			KubeconfigPath:    cfg.KubeconfigPath,
			StudentNamespace:  cfg.KubeNamespace,
			SystemNamespace:   cfg.KubeSystemNamespace,
			AuthMiddlewareRef: "hydra-auth",
		})
	default:
		return hostrt.New(cfg.ContainerdSocketPath, cfg.HostVolumesRoot, cfg.HostRoutesRoot)
	}
}
