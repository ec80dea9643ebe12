package clusterrt

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/cuemby/hydra/pkg/orchestrator"
)

// workloadContainer is the single container name every hydra pod spec
// declares (see podSpecFor), the exec target for in-pod inspection.
const workloadContainer = "workspace"

// exec runs command inside the pod's workspace container and returns its
// combined stdout, grounded on client-go's SPDY exec pattern used by
// `kubectl exec`.
func (b *Backend) exec(ctx context.Context, podName string, command []string) (string, error) {
	req := b.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(b.studentNS).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: workloadContainer,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(b.restConfig, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("clusterrt: build executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}); err != nil {
		return "", fmt.Errorf("clusterrt: exec %v: %w", command, err)
	}
	return stdout.String(), nil
}

// Stats reads cgroup v2 accounting files directly from the pod's
// filesystem via exec, since the optional metrics-server API is not a
// guaranteed cluster dependency (spec.md §4.7 leaves the stats source
// unspecified beyond "via runtime stats").
func (b *Backend) Stats(ctx context.Context, name string) (orchestrator.WorkloadStats, error) {
	cpuOut, err := b.exec(ctx, name, []string{"sh", "-c", "cat /sys/fs/cgroup/cpu.stat 2>/dev/null | grep usage_usec | awk '{print $2}'"})
	if err != nil {
		return orchestrator.WorkloadStats{}, err
	}
	memOut, err := b.exec(ctx, name, []string{"sh", "-c", "echo $(cat /sys/fs/cgroup/memory.current 2>/dev/null) $(cat /sys/fs/cgroup/memory.max 2>/dev/null)"})
	if err != nil {
		return orchestrator.WorkloadStats{}, err
	}

	pod, err := b.clientset.CoreV1().Pods(b.studentNS).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return orchestrator.WorkloadStats{}, fmt.Errorf("clusterrt: get pod for limits: %w", err)
	}

	var cpuLimitCores float64
	for _, c := range pod.Spec.Containers {
		if q, ok := c.Resources.Limits[corev1.ResourceCPU]; ok {
			cpuLimitCores += float64(q.MilliValue()) / 1000
		}
	}

	cpuUsageUsec, _ := strconv.ParseFloat(strings.TrimSpace(cpuOut), 64)
	var cpuPct float64
	if cpuLimitCores > 0 {
		// Single-sample approximation: usage_usec is cumulative since
		// container start, so this column is only meaningful relative to
		// the scan interval the caller applies it over.
		cpuPct = cpuUsageUsec / 1e6 / cpuLimitCores
	}

	fields := strings.Fields(memOut)
	var memPct float64
	if len(fields) == 2 {
		used, _ := strconv.ParseFloat(fields[0], 64)
		limit, _ := strconv.ParseFloat(fields[1], 64)
		if limit > 0 {
			memPct = used / limit * 100
		}
	}

	return orchestrator.WorkloadStats{CPUPercent: cpuPct, MemoryPercent: memPct}, nil
}

// ListProcesses execs `ps` inside the pod to enumerate process command
// names, checked against the mining-software blocklist (spec.md §4.7).
func (b *Backend) ListProcesses(ctx context.Context, name string) ([]string, error) {
	out, err := b.exec(ctx, name, []string{"sh", "-c", "ps -eo comm --no-headers 2>/dev/null || ps -o comm 2>/dev/null"})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			names = append(names, t)
		}
	}
	return names, nil
}

// PauseWorkload sends SIGSTOP to the container's init process. Kubernetes
// has no native pod-level pause primitive; freezing the cgroup from
// outside the pod (as the host backend does via containerd) is not
// available here, so hydra approximates it the same way `kubectl debug`
// style tooling does.
func (b *Backend) PauseWorkload(ctx context.Context, name string) error {
	_, err := b.exec(ctx, name, []string{"sh", "-c", "kill -STOP 1"})
	if err != nil {
		return fmt.Errorf("clusterrt: pause workload: %w", err)
	}
	return nil
}
