// Package config parses the hydra control plane's environment-variable
// contract (spec.md §6) with struct tags, following wisbric-nightowl's
// internal/config convention of a single caarlos0/env-parsed struct.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Orchestrator selects which backend variant drives the orchestrator (C3).
type Orchestrator string

const (
	OrchestratorHost    Orchestrator = "host"
	OrchestratorCluster Orchestrator = "cluster"
)

// Config is the complete environment-variable contract from spec.md §6.
type Config struct {
	Orchestrator Orchestrator `env:"ORCHESTRATOR" envDefault:"host"`

	ControlPlaneNodeAddress string `env:"CONTROL_PLANE_NODE_ADDRESS" envDefault:"hydra"`
	GPUNodeAAddress         string `env:"GPU_NODE_A_ADDRESS" envDefault:"gpu-node-a"`
	GPUNodeBAddress         string `env:"GPU_NODE_B_ADDRESS" envDefault:"gpu-node-b"`

	ResourcePresetsCatalog string `env:"RESOURCE_PRESETS_CATALOG"`

	AutoApproveMaxMemoryGB float64 `env:"AUTO_APPROVE_MAX_MEMORY_GB" envDefault:"4"`
	AutoApproveMaxCPUs     float64 `env:"AUTO_APPROVE_MAX_CPUS" envDefault:"2"`
	AutoApproveMaxStorage  float64 `env:"AUTO_APPROVE_MAX_STORAGE_GB" envDefault:"20"`

	ApprovalAdminableRecipients []string `env:"APPROVAL_ADMINABLE_RECIPIENTS" envSeparator:","`

	SSHMuxConfigRoot string `env:"SSH_MUX_CONFIG_ROOT" envDefault:"/var/lib/hydra/sshmux"`
	ProxyDynamicRoot string `env:"PROXY_DYNAMIC_ROOT" envDefault:"/var/lib/hydra/proxy"`

	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"https://hydra.example.edu"`

	SecurityMiningEnforcementEnabled bool `env:"SECURITY_MINING_ENFORCEMENT_ENABLED" envDefault:"true"`
	SecurityStatsIntervalMS          int  `env:"SECURITY_STATS_INTERVAL_MS" envDefault:"300000"`

	LogsCapBytesPerUser int64 `env:"LOGS_CAP_BYTES_PER_USER" envDefault:"104857600"`

	MigrationTimeoutMS int `env:"MIGRATION_TIMEOUT_MS" envDefault:"300000"`

	// Ambient fields not named by spec.md §6 but required by any complete
	// daemon: listen address, storage file, log level/format.
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	StoragePath string `env:"STORAGE_PATH" envDefault:"/var/lib/hydra/hydra.db"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON     bool   `env:"LOG_JSON" envDefault:"false"`

	GrantExpirySweepIntervalMS int `env:"GRANT_EXPIRY_SWEEP_INTERVAL_MS" envDefault:"3600000"`

	KubeNamespace        string `env:"KUBE_NAMESPACE" envDefault:"students"`
	KubeSystemNamespace  string `env:"KUBE_SYSTEM_NAMESPACE" envDefault:"hydra-system"`
	KubeconfigPath       string `env:"KUBECONFIG_PATH"`
	ContainerdSocketPath string `env:"CONTAINERD_SOCKET_PATH" envDefault:"/run/containerd/containerd.sock"`
	ContainerdNamespace  string `env:"CONTAINERD_NAMESPACE" envDefault:"hydra"`

	// HostVolumesRoot/HostRoutesRoot only apply to the host orchestrator
	// variant (spec.md §4.1 variant A): a directory-per-volume root and a
	// file-per-user route directory, analogous to SSHMuxConfigRoot/
	// ProxyDynamicRoot above.
	HostVolumesRoot string `env:"HOST_VOLUMES_ROOT" envDefault:"/var/lib/hydra/volumes"`
	HostRoutesRoot  string `env:"HOST_ROUTES_ROOT" envDefault:"/var/lib/hydra/routes"`
}

// Load parses the process environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
