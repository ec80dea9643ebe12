// Package clusterrt is orchestrator variant B (spec.md §4.1, §6): pods,
// PVCs, services and ingress routes as cluster objects over
// k8s.io/client-go's typed clientset, grounded on
// GoogleCloudPlatform-prometheus-engine's pkg/secrets/watch.go (client
// construction, apierrors.IsNotFound idempotency checks, a watch-based
// reconnect loop) and spec.md §6's node-label/storage-class contract
// (hydra.node-role, hydra.gpu-enabled, storage classes hydra-hot/
// hydra-gpu/hydra-nfs, nvidia.com/gpu capacity).
package clusterrt

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/orchestrator"
)

// OwnerLabel labels every cluster object hydra creates with the owning
// username, per spec.md §6 ("hydra.owner=<username>").
const OwnerLabel = "hydra.owner"

// Backend realizes orchestrator.Backend over a Kubernetes cluster.
type Backend struct {
	clientset         kubernetes.Interface
	restConfig        *rest.Config
	studentNS         string
	systemNS          string
	authMiddlewareRef string
}

// Config parameterizes the cluster backend's namespaces and the name of
// the system-namespace auth middleware routes reference (spec.md §4.6).
type Config struct {
	KubeconfigPath    string
	StudentNamespace  string
	SystemNamespace   string
	AuthMiddlewareRef string
}

// New builds a clientset from an in-cluster config, falling back to the
// supplied kubeconfig path for out-of-cluster operation (the control
// plane itself typically runs outside the cluster it manages).
func New(cfg Config) (*Backend, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("clusterrt: build kubeconfig: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("clusterrt: new clientset: %w", err)
	}
	return &Backend{
		clientset:         clientset,
		restConfig:        restCfg,
		studentNS:         cfg.StudentNamespace,
		systemNS:          cfg.SystemNamespace,
		authMiddlewareRef: cfg.AuthMiddlewareRef,
	}, nil
}

func (b *Backend) Name() string { return "cluster" }

// CreateWorkload creates (or reconciles) a per-user pod. A pre-existing
// pod that is not Running is deleted and recreated, matching the host
// backend's reconcile-on-stale-state contract.
func (b *Backend) CreateWorkload(ctx context.Context, spec orchestrator.WorkloadSpec) error {
	pods := b.clientset.CoreV1().Pods(b.studentNS)

	existing, err := pods.Get(ctx, spec.Name, metav1.GetOptions{})
	if err == nil {
		if existing.Status.Phase == corev1.PodRunning {
			return nil
		}
		if derr := b.DeleteWorkload(ctx, spec.Name); derr != nil {
			return fmt.Errorf("clusterrt: reconcile stale pod: %w", derr)
		}
	} else if !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusterrt: get pod: %w", err)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: b.studentNS,
			Labels:    map[string]string{OwnerLabel: spec.Username},
		},
		Spec: podSpecFor(spec),
	}

	_, err = pods.Create(ctx, pod, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("clusterrt: create pod: %w", err)
	}

	l := log.WithComponent("clusterrt")
	l.Info().Str("workload", spec.Name).Str("username", spec.Username).Msg("pod created")
	return nil
}

func podSpecFor(spec orchestrator.WorkloadSpec) corev1.PodSpec {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	if spec.MemoryGB > 0 {
		q := resource.MustParse(fmt.Sprintf("%dMi", int64(spec.MemoryGB*1024)))
		resources.Limits[corev1.ResourceMemory] = q
		resources.Requests[corev1.ResourceMemory] = q
	}
	if spec.CPUs > 0 {
		q := resource.MustParse(fmt.Sprintf("%dm", int64(spec.CPUs*1000)))
		resources.Limits[corev1.ResourceCPU] = q
		resources.Requests[corev1.ResourceCPU] = q
	}
	if spec.GPUCount > 0 {
		q := resource.MustParse(fmt.Sprintf("%d", spec.GPUCount))
		resources.Limits["nvidia.com/gpu"] = q
		resources.Requests["nvidia.com/gpu"] = q
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	if spec.VolumeName != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "workspace",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: spec.VolumeName},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "workspace", MountPath: spec.MountPath})
	}

	ps := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyAlways,
		Containers: []corev1.Container{{
			Name:         "workspace",
			Image:        spec.Image,
			Env:          env,
			Resources:    resources,
			VolumeMounts: mounts,
		}},
		Volumes: volumes,
	}

	if spec.Node != "" {
		ps.NodeSelector = map[string]string{"hydra.node-role": nodeRoleFor(spec.Node)}
	}
	if spec.GPUCount > 0 {
		ps.NodeSelector["hydra.gpu-enabled"] = "true"
		ps.Tolerations = []corev1.Toleration{{
			Key:      "nvidia.com/gpu",
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		}}
	}
	return ps
}

// nodeRoleFor maps a configured node address/name to the hydra.node-role
// label value the cluster operator is expected to have applied (spec.md
// §6). Addresses containing "gpu" select a training/inference role;
// anything else is the control-plane role.
func nodeRoleFor(node string) string {
	if node == "hydra" || node == "" {
		return "control-plane"
	}
	return "training"
}

// GetWorkload reports the pod's observed readiness.
func (b *Backend) GetWorkload(ctx context.Context, name string) (orchestrator.WorkloadStatus, error) {
	pod, err := b.clientset.CoreV1().Pods(b.studentNS).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return orchestrator.WorkloadStatus{}, nil
		}
		return orchestrator.WorkloadStatus{}, fmt.Errorf("clusterrt: get pod: %w", err)
	}

	ready := false
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			ready = true
		}
	}
	var restarts int
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += int(cs.RestartCount)
	}

	return orchestrator.WorkloadStatus{
		Exists:       true,
		Running:      pod.Status.Phase == corev1.PodRunning,
		Ready:        ready,
		Node:         pod.Spec.NodeName,
		RestartCount: restarts,
		StartedAt:    pod.CreationTimestamp.Time,
	}, nil
}

// DeleteWorkload tolerates a missing pod.
func (b *Backend) DeleteWorkload(ctx context.Context, name string) error {
	err := b.clientset.CoreV1().Pods(b.studentNS).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusterrt: delete pod: %w", err)
	}
	return nil
}

// WaitWorkloadReady polls the pod until ready or timeout.
func (b *Backend) WaitWorkloadReady(ctx context.Context, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := b.GetWorkload(ctx, name)
		if err == nil && st.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("clusterrt: pod %s not ready: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WorkloadLogs fetches the most recent lines from the pod's log stream.
func (b *Backend) WorkloadLogs(ctx context.Context, name string, lines int) ([]string, error) {
	tail := int64(lines)
	req := b.clientset.CoreV1().Pods(b.studentNS).GetLogs(name, &corev1.PodLogOptions{TailLines: &tail})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("clusterrt: stream logs: %w", err)
	}
	defer stream.Close()

	return readLines(stream, lines)
}

// ListWorkloadsByUser lists pods labeled with the given owner.
func (b *Backend) ListWorkloadsByUser(ctx context.Context, username string) ([]orchestrator.WorkloadStatus, error) {
	list, err := b.clientset.CoreV1().Pods(b.studentNS).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", OwnerLabel, username),
	})
	if err != nil {
		return nil, fmt.Errorf("clusterrt: list pods: %w", err)
	}
	out := make([]orchestrator.WorkloadStatus, 0, len(list.Items))
	for _, pod := range list.Items {
		st, _ := b.GetWorkload(ctx, pod.Name)
		out = append(out, st)
	}
	return out, nil
}

// SubmitJob schedules a batchv1.Job mounting both the source (read-only)
// and target PVCs (spec.md §4.1, §4.3).
func (b *Backend) SubmitJob(ctx context.Context, spec orchestrator.JobSpec) error {
	srcDst, dstDst := "/src", "/dst"
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Namespace: b.studentNS},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Name: spec.Name},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					NodeSelector:  map[string]string{"hydra.node-role": nodeRoleFor(spec.Node)},
					Containers: []corev1.Container{{
						Name:    "copy",
						Image:   "docker.io/library/busybox:latest",
						Command: []string{"cp", "-a", srcDst + "/.", dstDst + "/"},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "source", MountPath: srcDst, ReadOnly: true},
							{Name: "target", MountPath: dstDst},
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "source", VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: spec.SourceVolume, ReadOnly: true}}},
						{Name: "target", VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: spec.TargetVolume}}},
					},
				},
			},
		},
	}
	_, err := b.clientset.BatchV1().Jobs(b.studentNS).Create(ctx, job, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("clusterrt: create job: %w", err)
	}
	return nil
}

// AwaitJob polls the Job status until it completes, fails, or timeout
// elapses.
func (b *Backend) AwaitJob(ctx context.Context, name string, timeout time.Duration) (orchestrator.JobResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		job, err := b.clientset.BatchV1().Jobs(b.studentNS).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return orchestrator.JobResult{}, fmt.Errorf("clusterrt: get job: %w", err)
		}
		if job.Status.Succeeded > 0 {
			return orchestrator.JobResult{Succeeded: true}, nil
		}
		if job.Status.Failed > 0 {
			return orchestrator.JobResult{Succeeded: false, Message: "copy job failed"}, nil
		}
		select {
		case <-ctx.Done():
			return orchestrator.JobResult{}, fmt.Errorf("clusterrt: job %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// NodeHealth reports a node's reachability/readiness/GPU capability from
// its hydra.gpu-enabled label and Ready condition.
func (b *Backend) NodeHealth(ctx context.Context, name string) (orchestrator.NodeHealth, error) {
	node, err := b.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return orchestrator.NodeHealth{Name: name}, nil
		}
		return orchestrator.NodeHealth{}, fmt.Errorf("clusterrt: get node: %w", err)
	}
	ready := false
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			ready = true
		}
	}
	return orchestrator.NodeHealth{
		Name:         name,
		Reachable:    true,
		Ready:        ready,
		GPUAvailable: node.Labels["hydra.gpu-enabled"] == "true",
		Labels:       node.Labels,
	}, nil
}
