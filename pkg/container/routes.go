package container

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/proxyconfig"
	"github.com/cuemby/hydra/pkg/types"
)

// AddRoute registers an additional endpoint. The two reserved endpoint
// names and the two reserved container ports are refused (spec.md §4.2).
func (s *Service) AddRoute(ctx context.Context, username, endpoint string, containerPort int) error {
	unlock := s.locks.Lock(username)
	defer unlock()

	start := time.Now()
	err := s.addRoute(ctx, username, endpoint, containerPort)
	s.recordActivity(username, string(types.CategoryRoute), "add_route", endpoint, err == nil, time.Since(start), "")
	return err
}

func (s *Service) addRoute(ctx context.Context, username, endpoint string, containerPort int) error {
	if proxyconfig.IsReserved(endpoint) {
		return hydraerr.Input("reserved_endpoint", "container", fmt.Sprintf("endpoint %q is reserved", endpoint))
	}
	if reservedPorts[containerPort] {
		return hydraerr.Input("reserved_port", "container", fmt.Sprintf("port %d is reserved", containerPort))
	}

	svc, ok, err := s.backend.GetService(ctx, serviceName(username))
	if err != nil {
		return hydraerr.Operation("service_read_failed", "container", "read service failed", err)
	}
	if !ok {
		return hydraerr.Precondition("not_initialized", "container", "workspace not initialized")
	}
	svc.Ports[endpoint] = containerPort
	if err := s.backend.CreateService(ctx, svc); err != nil {
		return hydraerr.Operation("service_update_failed", "container", "update service failed", err)
	}

	if err := s.backend.CreateRoute(ctx, orchestrator.RouteSpec{
		Name:         routeName(username, endpoint),
		Username:     username,
		PathPrefix:   fmt.Sprintf("/students/%s/%s", username, endpoint),
		ServiceName:  serviceName(username),
		ServicePort:  containerPort,
		StripPrefix:  true,
		AuthRequired: true,
	}); err != nil {
		return hydraerr.Operation("route_create_failed", "container", "create route failed", err)
	}
	return s.regenerateProxyDocument(username)
}

// RemoveRoute deletes a previously registered additional endpoint.
func (s *Service) RemoveRoute(ctx context.Context, username, endpoint string) error {
	unlock := s.locks.Lock(username)
	defer unlock()

	start := time.Now()
	err := s.removeRoute(ctx, username, endpoint)
	s.recordActivity(username, string(types.CategoryRoute), "remove_route", endpoint, err == nil, time.Since(start), "")
	return err
}

func (s *Service) removeRoute(ctx context.Context, username, endpoint string) error {
	if proxyconfig.IsReserved(endpoint) {
		return hydraerr.Input("reserved_endpoint", "container", fmt.Sprintf("endpoint %q is reserved", endpoint))
	}
	if err := s.backend.DeleteRoute(ctx, routeName(username, endpoint)); err != nil {
		return hydraerr.Operation("route_delete_failed", "container", "delete route failed", err)
	}
	if svc, ok, err := s.backend.GetService(ctx, serviceName(username)); err == nil && ok {
		delete(svc.Ports, endpoint)
		_ = s.backend.CreateService(ctx, svc)
	}
	return s.regenerateProxyDocument(username)
}

// RegenerateKeys overwrites the user's key pair; the new public key is
// only installed inside the workload on the next restart (spec.md §4.2).
func (s *Service) RegenerateKeys(ctx context.Context, username string) (publicKeyLine []byte, err error) {
	unlock := s.locks.Lock(username)
	defer unlock()

	start := time.Now()
	publicKeyLine, err = s.regenerateKeys(ctx, username)
	s.recordActivity(username, string(types.CategoryContainer), "regenerate_keys", workloadName(username), err == nil, time.Since(start), "")
	return publicKeyLine, err
}

func (s *Service) regenerateKeys(ctx context.Context, username string) ([]byte, error) {
	kp, err := generateKeyPair()
	if err != nil {
		return nil, hydraerr.Operation("keygen_failed", "container", "key generation failed", err)
	}
	if err := s.backend.DeleteSecret(ctx, secretName(username)); err != nil {
		return nil, hydraerr.Operation("secret_delete_failed", "container", "delete old secret failed", err)
	}
	if err := s.backend.CreateSecret(ctx, orchestrator.SecretSpec{
		Name: secretName(username),
		Data: map[string][]byte{
			"private_key": kp.PrivateKeyPEM,
			"public_key":  kp.PublicKeyLine,
		},
	}); err != nil {
		return nil, hydraerr.Operation("secret_create_failed", "container", "create new secret failed", err)
	}
	if err := s.sshmux.WriteKeys(username, kp.PrivateKeyPEM, kp.PublicKeyLine); err != nil {
		return nil, hydraerr.Operation("sshmux_write_failed", "container", "write ssh-mux keys failed", err)
	}
	return kp.PublicKeyLine, nil
}
