package container

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/proxyconfig"
	"github.com/cuemby/hydra/pkg/sshmux"
	"github.com/cuemby/hydra/pkg/types"
)

// InitRequest is init's input (spec.md §4.2).
type InitRequest struct {
	PresetName string
	Override   *ConfigOverride
	TargetNode string
}

// Credential is returned only on the first creation of a user's
// workspace; the caller must display it once and cannot retrieve it
// again (spec.md §9's "credential handling").
type Credential struct {
	PrivateKeyPEM []byte
}

// InitResult is init's output.
type InitResult struct {
	WorkloadName string
	EditorURL    string
	NotebookURL  string
	Credential   *Credential // nil unless this call created the workspace
}

// Init creates (or returns the existing identity of) a user's workspace.
func (s *Service) Init(ctx context.Context, username string, req InitRequest) (*InitResult, error) {
	unlock := s.locks.Lock(username)
	defer unlock()

	start := time.Now()
	res, err := s.init(ctx, username, req)
	s.recordActivity(username, string(types.CategoryContainer), "init", workloadName(username), err == nil, time.Since(start), "")
	return res, err
}

func (s *Service) init(ctx context.Context, username string, req InitRequest) (*InitResult, error) {
	node, ok := s.catalog.Node(req.TargetNode)
	if !ok {
		return nil, hydraerr.Input("unknown_node", "container", fmt.Sprintf("unknown node %q", req.TargetNode))
	}

	preset, err := s.resolveResources(username, req.Override, req.PresetName)
	if err != nil {
		return nil, err
	}
	if preset.GPUCount > 0 && !node.GPUEnabled {
		return nil, hydraerr.Input("gpu_node_mismatch", "container", "gpu resources requested on a non-GPU node")
	}
	if err := s.ensureQuotaRow(username); err != nil {
		return nil, hydraerr.Operation("quota_seed_failed", "container", "seed quota row failed", err)
	}

	existing, err := s.store.GetContainerConfig(username)
	firstCreation := err != nil

	volName := volumeName(username)
	if err := s.backend.CreateVolume(ctx, orchestrator.VolumeSpec{
		Name:         volName,
		SizeGB:       preset.StorageGB,
		StorageClass: node.StorageClass,
	}); err != nil {
		return nil, hydraerr.Operation("volume_create_failed", "container", "create volume failed", err)
	}

	var cred *Credential
	var publicKeyLine []byte
	if firstCreation {
		kp, err := generateKeyPair()
		if err != nil {
			return nil, hydraerr.Operation("keygen_failed", "container", "key generation failed", err)
		}
		if err := s.backend.CreateSecret(ctx, orchestrator.SecretSpec{
			Name: secretName(username),
			Data: map[string][]byte{
				"private_key": kp.PrivateKeyPEM,
				"public_key":  kp.PublicKeyLine,
			},
		}); err != nil {
			return nil, hydraerr.Operation("secret_create_failed", "container", "create secret failed", err)
		}
		if err := s.sshmux.WriteKeys(username, kp.PrivateKeyPEM, kp.PublicKeyLine); err != nil {
			return nil, hydraerr.Operation("sshmux_write_failed", "container", "write ssh-mux keys failed", err)
		}
		cred = &Credential{PrivateKeyPEM: kp.PrivateKeyPEM}
		publicKeyLine = kp.PublicKeyLine
	} else {
		sec, ok, err := s.backend.GetSecret(ctx, secretName(username))
		if err != nil {
			return nil, hydraerr.Operation("secret_read_failed", "container", "read secret failed", err)
		}
		if !ok {
			return nil, hydraerr.Operation("secret_missing", "container", "workspace secret missing on reconcile", nil)
		}
		publicKeyLine = sec.Data["public_key"]
	}

	spec := s.workloadSpec(username, node.Name, preset, volName)
	spec.Env["HYDRA_SSH_PUBLIC_KEY"] = string(publicKeyLine)
	if err := s.backend.CreateWorkload(ctx, spec); err != nil {
		return nil, hydraerr.Operation("workload_create_failed", "container", "create workload failed", err)
	}

	if err := s.backend.CreateService(ctx, orchestrator.ServiceSpec{
		Name:       serviceName(username),
		Username:   username,
		TargetName: workloadName(username),
		Ports: map[string]int{
			proxyconfig.EndpointEditor:   EditorContainerPort,
			proxyconfig.EndpointNotebook: NotebookContainerPort,
		},
	}); err != nil {
		return nil, hydraerr.Operation("service_create_failed", "container", "create service failed", err)
	}

	if err := s.registerDefaultRoutes(ctx, username); err != nil {
		return nil, err
	}

	if err := s.writeSSHUpstream(username, node.Name); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cfg := &types.ContainerConfig{
		Username:     username,
		CurrentNode:  node.Name,
		PresetTier:   preset.Name,
		MemoryGB:     preset.MemoryGB,
		CPUs:         preset.CPUs,
		StorageGB:    preset.StorageGB,
		GPUCount:     preset.GPUCount,
		VolumeName:   volName,
		StorageClass: node.StorageClass,
		UpdatedAt:    now,
	}
	if existing != nil {
		cfg.CreatedAt = existing.CreatedAt
		cfg.ResourcesExpireAt = existing.ResourcesExpireAt
		cfg.LastMigrationAt = existing.LastMigrationAt
	} else {
		cfg.CreatedAt = now
	}
	if err := s.store.UpsertContainerConfig(cfg); err != nil {
		return nil, hydraerr.Operation("persist_failed", "container", "persist container config failed", err)
	}

	if err := s.backend.WaitWorkloadReady(ctx, workloadName(username), s.readyTimeout); err != nil {
		l := log.WithComponent("container")
		l.Warn().Str("username", username).Err(err).Msg("workload not ready after init")
	}

	return &InitResult{
		WorkloadName: workloadName(username),
		EditorURL:    s.publicBaseURL + fmt.Sprintf("/students/%s/vscode/", username),
		NotebookURL:  s.publicBaseURL + fmt.Sprintf("/students/%s/jupyter/", username),
		Credential:   cred,
	}, nil
}

func (s *Service) workloadSpec(username, node string, preset types.Preset, volName string) orchestrator.WorkloadSpec {
	return BuildWorkloadSpec(username, node, preset, volName)
}

// BuildWorkloadSpec composes the orchestrator.WorkloadSpec for a user's
// workspace, exported so the migration engine (C5) can recreate the
// workload on the target node using the same conventions init uses.
func BuildWorkloadSpec(username, node string, preset types.Preset, volName string) orchestrator.WorkloadSpec {
	return orchestrator.WorkloadSpec{
		Name:     WorkloadName(username),
		Username: username,
		Image:    DefaultWorkloadImage,
		Node:     node,
		MemoryGB: preset.MemoryGB,
		CPUs:     preset.CPUs,
		GPUCount: preset.GPUCount,
		Env: map[string]string{
			"HYDRA_USERNAME": username,
		},
		VolumeName: volName,
		MountPath:  "/home/student",
		Ports: map[string]int{
			proxyconfig.EndpointEditor:   EditorContainerPort,
			proxyconfig.EndpointNotebook: NotebookContainerPort,
		},
	}
}

// registerDefaultRoutes creates the editor and notebook routes and
// regenerates the user's proxy route document (spec.md §4.2, §4.6).
func (s *Service) registerDefaultRoutes(ctx context.Context, username string) error {
	for ep, port := range map[string]int{
		proxyconfig.EndpointEditor:   EditorContainerPort,
		proxyconfig.EndpointNotebook: NotebookContainerPort,
	} {
		if err := s.backend.CreateRoute(ctx, orchestrator.RouteSpec{
			Name:         routeName(username, ep),
			Username:     username,
			PathPrefix:   fmt.Sprintf("/students/%s/%s", username, ep),
			ServiceName:  serviceName(username),
			ServicePort:  port,
			StripPrefix:  ep != proxyconfig.EndpointNotebook,
			AuthRequired: true,
		}); err != nil {
			return hydraerr.Operation("route_create_failed", "container", "create route failed", err)
		}
	}
	return s.regenerateProxyDocument(username)
}

// regenerateProxyDocument rebuilds and rewrites the user's entire route
// document from the backend's current route bookkeeping — C8's
// "recompute the whole document atomically on every add/remove".
func (s *Service) regenerateProxyDocument(username string) error {
	return RegenerateProxyDocument(s.backend, s.proxy, username)
}

// RegenerateProxyDocument rebuilds and rewrites a user's entire proxy
// route document from the backend's current route bookkeeping. Exported
// so the migration engine (C5) can reuse it after step 9
// (UPDATING_ROUTES) without duplicating the endpoint-name recovery logic.
func RegenerateProxyDocument(backend orchestrator.Backend, proxy *proxyconfig.Writer, username string) error {
	lister, ok := backend.(routeLister)
	if !ok {
		return nil
	}
	routes := lister.ListRoutesForUser(username)
	inputs := make([]proxyconfig.RouteInput, 0, len(routes))
	prefix := fmt.Sprintf("/students/%s/", username)
	for _, r := range routes {
		// Every route's path is /students/<u>/<endpoint>; the endpoint
		// name is the segment after the user prefix.
		ep := strings.TrimPrefix(r.PathPrefix, prefix)
		if ep == "" || ep == r.PathPrefix {
			ep = r.Name
		}
		inputs = append(inputs, proxyconfig.RouteInput{Endpoint: ep, Port: r.ServicePort})
	}
	doc := proxy.BuildDocument(username, ServiceName(username), inputs)
	if err := proxy.Write(doc); err != nil {
		return hydraerr.Operation("proxy_write_failed", "container", "write proxy document failed", err)
	}
	return nil
}

// routeLister is satisfied by backends that keep an enumerable route
// bookkeeping (both hostrt and clusterrt do); it lets the proxy document
// be recomputed without the orchestrator.Backend interface itself naming
// a list operation no other caller needs.
type routeLister interface {
	ListRoutesForUser(username string) []orchestrator.RouteSpec
}

// writeSSHUpstream writes the host:port the multiplexer should forward
// into: the workload's actual node address, paired with the username's
// deterministically derived forwarding port (spec.md §4.5).
func (s *Service) writeSSHUpstream(username, node string) error {
	status, err := s.backend.GetWorkload(context.Background(), workloadName(username))
	nodeName := node
	if err == nil && status.Node != "" {
		nodeName = status.Node
	}
	host := nodeName
	if nd, ok := s.catalog.Node(nodeName); ok && nd.Address != "" {
		host = nd.Address
	}
	hostport := fmt.Sprintf("%s:%d", host, sshmux.DerivePort(username))
	return s.sshmux.WriteUpstream(username, hostport)
}
