package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/splax/autodeploy/internal/domain"
)

const defaultCommandTimeout = 30 * time.Second

// CommandFunc executes a binary and returns its captured output.
type CommandFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// KubectlConfig configures the kubectl runner.
type KubectlConfig struct {
	Path       string
	Kubeconfig string
	Context    string
	Timeout    time.Duration
}

// Kubectl implements Runner by shelling out to kubectl.
type Kubectl struct {
	path    string
	global  []string
	timeout time.Duration
	run     CommandFunc
	log     *slog.Logger
}

// NewKubectl builds a runner. A nil run executes the real binary.
func NewKubectl(cfg KubectlConfig, run CommandFunc, logger *slog.Logger) *Kubectl {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "kubectl"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if run == nil {
		run = execCommand
	}
	var global []string
	if cfg.Kubeconfig != "" {
		global = append(global, "--kubeconfig", cfg.Kubeconfig)
	}
	if cfg.Context != "" {
		global = append(global, "--context", cfg.Context)
	}
	return &Kubectl{path: path, global: global, timeout: timeout, run: run, log: logger}
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (k *Kubectl) exec(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	if timeout <= 0 {
		timeout = k.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	full := append(append([]string{}, k.global...), args...)
	start := time.Now()
	stdout, stderr, err := k.run(ctx, k.path, full...)
	k.log.Debug("kubectl", "args", strings.Join(args, " "), "duration", time.Since(start), "error", err)
	if err == nil {
		return stdout, nil
	}
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: kubectl %s timed out after %s", ErrCommandFailed, args[0], timeout)
	case strings.Contains(msg, "NotFound") || strings.Contains(msg, "not found"):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return nil, fmt.Errorf("%w: kubectl %s: %s", ErrCommandFailed, args[0], msg)
	}
}

// SetImage updates the workload's container image, creating the deployment if needed.
func (k *Kubectl) SetImage(ctx context.Context, req SetImageRequest) error {
	ns := namespaceOrDefault(req.Namespace)
	names, err := k.exec(ctx, 0, "get", "deployment", req.Workload, "-n", ns,
		"-o", "jsonpath={.spec.template.spec.containers[*].name}")
	switch {
	case errors.Is(err, ErrNotFound):
		replicas := req.Replicas
		if replicas <= 0 {
			replicas = 1
		}
		_, err = k.exec(ctx, 0, "create", "deployment", req.Workload,
			"--image="+req.Image, "--replicas="+strconv.Itoa(replicas), "-n", ns)
		return err
	case err != nil:
		return err
	}
	container := pickContainer(strings.Fields(string(names)), req.Workload)
	if _, err := k.exec(ctx, 0, "set", "image", "deployment/"+req.Workload, container+"="+req.Image, "-n", ns); err != nil {
		return err
	}
	if req.Replicas > 0 {
		if _, err := k.exec(ctx, 0, "scale", "deployment/"+req.Workload, "--replicas="+strconv.Itoa(req.Replicas), "-n", ns); err != nil {
			return err
		}
	}
	return nil
}

// pickContainer prefers the container named after the workload, else the first.
// Deployments made by kubectl create name the container after the image.
func pickContainer(names []string, workload string) string {
	for _, n := range names {
		if n == workload {
			return n
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return "*"
}

// Pods lists pods in namespace matching selector.
func (k *Kubectl) Pods(ctx context.Context, namespace, selector string) ([]domain.Pod, error) {
	args := []string{"get", "pods", "-n", namespaceOrDefault(namespace), "-o", "json"}
	if selector != "" {
		args = append(args, "-l", selector)
	}
	out, err := k.exec(ctx, 0, args...)
	if err != nil {
		return nil, err
	}
	var list corev1.PodList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("%w: decode pods: %v", ErrCommandFailed, err)
	}
	pods := make([]domain.Pod, 0, len(list.Items))
	for _, p := range list.Items {
		pods = append(pods, PodFromObject(p))
	}
	return pods, nil
}

// WorkloadStatus reads the deployment.
func (k *Kubectl) WorkloadStatus(ctx context.Context, workload, namespace string) (domain.WorkloadStatus, error) {
	out, err := k.exec(ctx, 0, "get", "deployment", workload, "-n", namespaceOrDefault(namespace), "-o", "json")
	if err != nil {
		return domain.WorkloadStatus{}, err
	}
	var d appsv1.Deployment
	if err := json.Unmarshal(out, &d); err != nil {
		return domain.WorkloadStatus{}, fmt.Errorf("%w: decode deployment: %v", ErrCommandFailed, err)
	}
	return WorkloadFromDeployment(d), nil
}

// RolloutHistory lists the workload's ReplicaSets, newest revision first.
func (k *Kubectl) RolloutHistory(ctx context.Context, workload, namespace string) ([]domain.Revision, error) {
	out, err := k.exec(ctx, 0, "get", "replicaset", "-n", namespaceOrDefault(namespace), "-o", "json")
	if err != nil {
		return nil, err
	}
	var list appsv1.ReplicaSetList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("%w: decode replicasets: %v", ErrCommandFailed, err)
	}
	return RevisionsFromReplicaSets(workload, list.Items), nil
}

// RollbackToPrevious runs rollout undo.
func (k *Kubectl) RollbackToPrevious(ctx context.Context, workload, namespace string) error {
	_, err := k.exec(ctx, 0, "rollout", "undo", "deployment/"+workload, "-n", namespaceOrDefault(namespace))
	if err != nil && strings.Contains(err.Error(), "no rollout history") {
		return fmt.Errorf("%w: %s", ErrNoPreviousRevision, workload)
	}
	return err
}

// WaitForRollout blocks on rollout status until the workload settles or timeout passes.
func (k *Kubectl) WaitForRollout(ctx context.Context, workload, namespace string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	_, err := k.exec(ctx, timeout+5*time.Second, "rollout", "status", "deployment/"+workload,
		"-n", namespaceOrDefault(namespace), "--timeout="+timeout.String())
	if err != nil && strings.Contains(err.Error(), "exceeded its progress deadline") {
		return fmt.Errorf("%w: %v", ErrRolloutTimeout, err)
	}
	if err != nil && strings.Contains(err.Error(), "timed out") {
		return fmt.Errorf("%w: %v", ErrRolloutTimeout, err)
	}
	return err
}

// PodLogs returns the last tail lines of a pod with timestamps.
func (k *Kubectl) PodLogs(ctx context.Context, pod, namespace string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	out, err := k.exec(ctx, 0, "logs", pod, "-n", namespaceOrDefault(namespace), "--tail="+strconv.Itoa(tail), "--timestamps")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func namespaceOrDefault(ns string) string {
	if strings.TrimSpace(ns) == "" {
		return "default"
	}
	return ns
}
