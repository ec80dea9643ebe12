package clusterrt

import (
	"bufio"
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/cuemby/hydra/pkg/orchestrator"
)

func readLines(r io.Reader, max int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if max > 0 && len(lines) > max {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

// CreateVolume creates a PersistentVolumeClaim against the requested
// storage class (hydra-hot/hydra-gpu/hydra-nfs, per spec.md §6).
func (b *Backend) CreateVolume(ctx context.Context, spec orchestrator.VolumeSpec) error {
	pvcs := b.clientset.CoreV1().PersistentVolumeClaims(b.studentNS)
	if _, err := pvcs.Get(ctx, spec.Name, metav1.GetOptions{}); err == nil {
		return nil
	} else if !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusterrt: get pvc: %w", err)
	}

	sizeQty := resource.MustParse(fmt.Sprintf("%dGi", int64(spec.SizeGB)))
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Namespace: b.studentNS, Annotations: spec.Annotations},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: &spec.StorageClass,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: sizeQty},
			},
		},
	}
	_, err := pvcs.Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("clusterrt: create pvc: %w", err)
	}
	return nil
}

// GetVolume reports a PVC's existence and storage class.
func (b *Backend) GetVolume(ctx context.Context, name string) (orchestrator.VolumeSpec, bool, error) {
	pvc, err := b.clientset.CoreV1().PersistentVolumeClaims(b.studentNS).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return orchestrator.VolumeSpec{}, false, nil
		}
		return orchestrator.VolumeSpec{}, false, fmt.Errorf("clusterrt: get pvc: %w", err)
	}
	sc := ""
	if pvc.Spec.StorageClassName != nil {
		sc = *pvc.Spec.StorageClassName
	}
	return orchestrator.VolumeSpec{Name: name, StorageClass: sc}, true, nil
}

// DeleteVolume tolerates a missing PVC.
func (b *Backend) DeleteVolume(ctx context.Context, name string) error {
	err := b.clientset.CoreV1().PersistentVolumeClaims(b.studentNS).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusterrt: delete pvc: %w", err)
	}
	return nil
}

// CreateSecret creates (or replaces) a per-workload Kubernetes Secret.
func (b *Backend) CreateSecret(ctx context.Context, spec orchestrator.SecretSpec) error {
	secrets := b.clientset.CoreV1().Secrets(b.studentNS)
	s := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Namespace: b.studentNS},
		Data:       spec.Data,
	}
	if _, err := secrets.Create(ctx, s, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			_, uerr := secrets.Update(ctx, s, metav1.UpdateOptions{})
			if uerr != nil {
				return fmt.Errorf("clusterrt: update secret: %w", uerr)
			}
			return nil
		}
		return fmt.Errorf("clusterrt: create secret: %w", err)
	}
	return nil
}

func (b *Backend) GetSecret(ctx context.Context, name string) (orchestrator.SecretSpec, bool, error) {
	s, err := b.clientset.CoreV1().Secrets(b.studentNS).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return orchestrator.SecretSpec{}, false, nil
		}
		return orchestrator.SecretSpec{}, false, fmt.Errorf("clusterrt: get secret: %w", err)
	}
	return orchestrator.SecretSpec{Name: name, Data: s.Data}, true, nil
}

func (b *Backend) DeleteSecret(ctx context.Context, name string) error {
	err := b.clientset.CoreV1().Secrets(b.studentNS).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusterrt: delete secret: %w", err)
	}
	return nil
}

// CreateService creates a ClusterIP Service exposing the workload's named
// ports.
func (b *Backend) CreateService(ctx context.Context, spec orchestrator.ServiceSpec) error {
	services := b.clientset.CoreV1().Services(b.studentNS)
	var ports []corev1.ServicePort
	for name, port := range spec.Ports {
		ports = append(ports, corev1.ServicePort{Name: name, Port: int32(port), TargetPort: intstr.FromInt(port)})
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Namespace: b.studentNS, Labels: map[string]string{OwnerLabel: spec.Username}},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{OwnerLabel: spec.Username},
			Ports:    ports,
			Type:     corev1.ServiceTypeClusterIP,
		},
	}
	_, err := services.Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("clusterrt: create service: %w", err)
	}
	return nil
}

func (b *Backend) GetService(ctx context.Context, name string) (orchestrator.ServiceSpec, bool, error) {
	svc, err := b.clientset.CoreV1().Services(b.studentNS).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return orchestrator.ServiceSpec{}, false, nil
		}
		return orchestrator.ServiceSpec{}, false, fmt.Errorf("clusterrt: get service: %w", err)
	}
	ports := make(map[string]int, len(svc.Spec.Ports))
	for _, p := range svc.Spec.Ports {
		ports[p.Name] = int(p.Port)
	}
	return orchestrator.ServiceSpec{Name: name, Ports: ports}, true, nil
}

func (b *Backend) DeleteService(ctx context.Context, name string) error {
	err := b.clientset.CoreV1().Services(b.studentNS).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusterrt: delete service: %w", err)
	}
	return nil
}

// CreateRoute creates an Ingress object referencing the system-namespace
// auth middleware by name (spec.md §4.6's "the auth middleware lives in
// the system namespace and is referenced by name"). Hydra's cluster
// operator is assumed to run an ingress controller that understands a
// per-path auth-forward annotation; the annotation key is intentionally
// generic rather than tied to one controller's CRD vocabulary.
func (b *Backend) CreateRoute(ctx context.Context, spec orchestrator.RouteSpec) error {
	ingresses := b.clientset.NetworkingV1().Ingresses(b.studentNS)
	pathType := networkingv1.PathTypePrefix
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: b.studentNS,
			Labels:    map[string]string{OwnerLabel: spec.Username},
			Annotations: map[string]string{
				"hydra.auth-middleware": b.systemNS + "/" + b.authMiddlewareRef,
				"hydra.strip-prefix":    fmt.Sprintf("%t", spec.StripPrefix),
			},
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     spec.PathPrefix,
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: spec.ServiceName,
									Port: networkingv1.ServiceBackendPort{Number: int32(spec.ServicePort)},
								},
							},
						}},
					},
				},
			}},
		},
	}
	_, err := ingresses.Create(ctx, ing, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("clusterrt: create ingress: %w", err)
	}
	return nil
}

func (b *Backend) GetRoute(ctx context.Context, name string) (orchestrator.RouteSpec, bool, error) {
	ing, err := b.clientset.NetworkingV1().Ingresses(b.studentNS).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return orchestrator.RouteSpec{}, false, nil
		}
		return orchestrator.RouteSpec{}, false, fmt.Errorf("clusterrt: get ingress: %w", err)
	}
	spec := orchestrator.RouteSpec{Name: name, Username: ing.Labels[OwnerLabel]}
	if len(ing.Spec.Rules) > 0 && ing.Spec.Rules[0].HTTP != nil && len(ing.Spec.Rules[0].HTTP.Paths) > 0 {
		p := ing.Spec.Rules[0].HTTP.Paths[0]
		spec.PathPrefix = p.Path
		if p.Backend.Service != nil {
			spec.ServiceName = p.Backend.Service.Name
			spec.ServicePort = int(p.Backend.Service.Port.Number)
		}
	}
	return spec, true, nil
}

func (b *Backend) DeleteRoute(ctx context.Context, name string) error {
	err := b.clientset.NetworkingV1().Ingresses(b.studentNS).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusterrt: delete ingress: %w", err)
	}
	return nil
}

// ListRoutesForUser lists a user's Ingresses by owner label, mirroring
// hostrt's in-memory equivalent so pkg/container can regenerate a user's
// proxy route document without branching on backend variant.
func (b *Backend) ListRoutesForUser(username string) []orchestrator.RouteSpec {
	ctx := context.Background()
	list, err := b.clientset.NetworkingV1().Ingresses(b.studentNS).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", OwnerLabel, username),
	})
	if err != nil {
		return nil
	}
	out := make([]orchestrator.RouteSpec, 0, len(list.Items))
	for _, ing := range list.Items {
		spec := orchestrator.RouteSpec{Name: ing.Name, Username: username}
		if len(ing.Spec.Rules) > 0 && ing.Spec.Rules[0].HTTP != nil && len(ing.Spec.Rules[0].HTTP.Paths) > 0 {
			p := ing.Spec.Rules[0].HTTP.Paths[0]
			spec.PathPrefix = p.Path
			if p.Backend.Service != nil {
				spec.ServiceName = p.Backend.Service.Name
				spec.ServicePort = int(p.Backend.Service.Port.Number)
			}
		}
		out = append(out, spec)
	}
	return out
}

// SubscribeEvents watches student-namespace pod events filtered to the
// lifecycle kinds spec.md §4.1 names, re-opening the watch immediately
// when its channel closes (grounded on prometheus-engine's secretWatcher
// restart loop).
func (b *Backend) SubscribeEvents(ctx context.Context) (<-chan orchestrator.WorkloadEvent, error) {
	out := make(chan orchestrator.WorkloadEvent, 64)
	w, err := b.clientset.CoreV1().Pods(b.studentNS).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("clusterrt: watch pods: %w", err)
	}

	go func() {
		defer close(out)
		ch := w.ResultChan()
		for {
			select {
			case <-ctx.Done():
				w.Stop()
				return
			case ev, ok := <-ch:
				if !ok {
					w, err = b.clientset.CoreV1().Pods(b.studentNS).Watch(ctx, metav1.ListOptions{})
					if err != nil {
						return
					}
					ch = w.ResultChan()
					continue
				}
				if we, ok := translatePodEvent(ev); ok {
					select {
					case out <- we:
					default:
					}
				}
			}
		}
	}()
	return out, nil
}

func translatePodEvent(ev watch.Event) (orchestrator.WorkloadEvent, bool) {
	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		return orchestrator.WorkloadEvent{}, false
	}
	username := pod.Labels[OwnerLabel]
	base := orchestrator.WorkloadEvent{WorkloadName: pod.Name, Username: username}

	switch ev.Type {
	case watch.Added:
		base.Kind = orchestrator.EventStarted
		return base, true
	case watch.Deleted:
		base.Kind = orchestrator.EventStopped
		return base, true
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			t := cs.State.Terminated
			base.ExitCode = int(t.ExitCode)
			switch {
			case t.Reason == "OOMKilled":
				base.Kind = orchestrator.EventOOM
			case t.Signal == 9:
				base.Kind = orchestrator.EventKilled
				base.Signal = int(t.Signal)
			default:
				base.Kind = orchestrator.EventExited
			}
			return base, true
		}
	}
	return orchestrator.WorkloadEvent{}, false
}
