// Package kubernetes implements cluster.Runner with client-go.
package kubernetes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/splax/autodeploy/internal/cluster"
	"github.com/splax/autodeploy/internal/domain"
)

const (
	managedByLabel     = "app.kubernetes.io/managed-by"
	managedByValue     = "autodeploy"
	defaultPollEvery   = 2 * time.Second
	defaultWaitTimeout = 5 * time.Minute
)

// Runner talks to the API server directly.
type Runner struct {
	client    kubernetes.Interface
	logger    *slog.Logger
	pollEvery time.Duration
}

// New prefers in-cluster configuration and falls back to kubeconfig (argument,
// then KUBECONFIG) when running locally.
func New(kubeconfig string, log *slog.Logger) (*Runner, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		path := strings.TrimSpace(kubeconfig)
		if path == "" {
			path = strings.TrimSpace(os.Getenv("KUBECONFIG"))
		}
		if path == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, log), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, log *slog.Logger) *Runner {
	return &Runner{client: client, logger: log, pollEvery: defaultPollEvery}
}

// SetImage updates the workload container image or creates the deployment.
func (r *Runner) SetImage(ctx context.Context, req cluster.SetImageRequest) error {
	ns := namespaceOrDefault(req.Namespace)
	deployments := r.client.AppsV1().Deployments(ns)
	existing, err := deployments.Get(ctx, req.Workload, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := deployments.Create(ctx, newDeployment(req, ns), metav1.CreateOptions{}); err != nil {
			return wrap("create deployment", err)
		}
		r.logger.Info("deployment created", "workload", req.Workload, "namespace", ns, "image", req.Image)
		return nil
	}
	if err != nil {
		return wrap("get deployment", err)
	}
	updated := existing.DeepCopy()
	containers := updated.Spec.Template.Spec.Containers
	idx := 0
	for i := range containers {
		if containers[i].Name == req.Workload {
			idx = i
			break
		}
	}
	if len(containers) == 0 {
		updated.Spec.Template.Spec.Containers = []corev1.Container{{Name: req.Workload, Image: req.Image}}
	} else {
		containers[idx].Image = req.Image
	}
	if req.Replicas > 0 {
		replicas := int32(req.Replicas)
		updated.Spec.Replicas = &replicas
	}
	if _, err := deployments.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return wrap("update deployment", err)
	}
	r.logger.Info("deployment image updated", "workload", req.Workload, "namespace", ns, "image", req.Image)
	return nil
}

func newDeployment(req cluster.SetImageRequest, ns string) *appsv1.Deployment {
	replicas := int32(req.Replicas)
	if replicas <= 0 {
		replicas = 1
	}
	labels := map[string]string{"app": req.Workload}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.Workload,
			Namespace: ns,
			Labels:    map[string]string{"app": req.Workload, managedByLabel: managedByValue},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: req.Workload, Image: req.Image}},
				},
			},
		},
	}
}

// Pods lists pods matching selector.
func (r *Runner) Pods(ctx context.Context, namespace, selector string) ([]domain.Pod, error) {
	list, err := r.client.CoreV1().Pods(namespaceOrDefault(namespace)).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, wrap("list pods", err)
	}
	pods := make([]domain.Pod, 0, len(list.Items))
	for _, p := range list.Items {
		pods = append(pods, cluster.PodFromObject(p))
	}
	return pods, nil
}

// WorkloadStatus reads the deployment.
func (r *Runner) WorkloadStatus(ctx context.Context, workload, namespace string) (domain.WorkloadStatus, error) {
	d, err := r.client.AppsV1().Deployments(namespaceOrDefault(namespace)).Get(ctx, workload, metav1.GetOptions{})
	if err != nil {
		return domain.WorkloadStatus{}, wrap("get deployment", err)
	}
	return cluster.WorkloadFromDeployment(*d), nil
}

func (r *Runner) replicaSets(ctx context.Context, workload, ns string) ([]appsv1.ReplicaSet, error) {
	list, err := r.client.AppsV1().ReplicaSets(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("list replicasets", err)
	}
	var owned []appsv1.ReplicaSet
	for _, rs := range list.Items {
		if cluster.OwnedBy(rs, workload) {
			owned = append(owned, rs)
		}
	}
	return owned, nil
}

// RolloutHistory returns the owned ReplicaSets newest revision first.
func (r *Runner) RolloutHistory(ctx context.Context, workload, namespace string) ([]domain.Revision, error) {
	sets, err := r.replicaSets(ctx, workload, namespaceOrDefault(namespace))
	if err != nil {
		return nil, err
	}
	return cluster.RevisionsFromReplicaSets(workload, sets), nil
}

// RollbackToPrevious copies the pod template of the previous revision back onto
// the deployment, which is what rollout undo does.
func (r *Runner) RollbackToPrevious(ctx context.Context, workload, namespace string) error {
	ns := namespaceOrDefault(namespace)
	deployments := r.client.AppsV1().Deployments(ns)
	d, err := deployments.Get(ctx, workload, metav1.GetOptions{})
	if err != nil {
		return wrap("get deployment", err)
	}
	sets, err := r.replicaSets(ctx, workload, ns)
	if err != nil {
		return err
	}
	current := cluster.ReplicaSetRevision(appsv1.ReplicaSet{ObjectMeta: metav1.ObjectMeta{Annotations: d.Annotations}})
	var previous *appsv1.ReplicaSet
	for i := range sets {
		rev := cluster.ReplicaSetRevision(sets[i])
		if current > 0 && rev >= current {
			continue
		}
		if previous == nil || rev > cluster.ReplicaSetRevision(*previous) {
			previous = &sets[i]
		}
	}
	if previous == nil {
		return fmt.Errorf("%w: %s/%s", cluster.ErrNoPreviousRevision, ns, workload)
	}
	updated := d.DeepCopy()
	template := previous.Spec.Template.DeepCopy()
	delete(template.Labels, appsv1.DefaultDeploymentUniqueLabelKey)
	updated.Spec.Template = *template
	if _, err := deployments.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return wrap("rollback deployment", err)
	}
	r.logger.Info("deployment rolled back", "workload", workload, "namespace", ns, "revision", cluster.ReplicaSetRevision(*previous))
	return nil
}

// WaitForRollout polls the deployment until it settles or timeout passes.
func (r *Runner) WaitForRollout(ctx context.Context, workload, namespace string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	deployments := r.client.AppsV1().Deployments(namespaceOrDefault(namespace))
	err := wait.PollUntilContextTimeout(ctx, r.pollEvery, timeout, true, func(ctx context.Context) (bool, error) {
		d, err := deployments.Get(ctx, workload, metav1.GetOptions{})
		if err != nil {
			return false, wrap("get deployment", err)
		}
		for _, c := range d.Status.Conditions {
			if c.Type == appsv1.DeploymentProgressing && c.Reason == "ProgressDeadlineExceeded" {
				return false, fmt.Errorf("%w: %s", cluster.ErrRolloutTimeout, c.Message)
			}
		}
		return cluster.DeploymentSettled(*d), nil
	})
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) {
		return fmt.Errorf("%w: %s after %s", cluster.ErrRolloutTimeout, workload, timeout)
	}
	return err
}

// PodLogs streams the last tail lines of a pod.
func (r *Runner) PodLogs(ctx context.Context, pod, namespace string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	lines := int64(tail)
	stream, err := r.client.CoreV1().Pods(namespaceOrDefault(namespace)).GetLogs(pod, &corev1.PodLogOptions{TailLines: &lines, Timestamps: true}).Stream(ctx)
	if err != nil {
		return "", wrap("stream pod logs", err)
	}
	defer stream.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stream); err != nil {
		return "", wrap("read pod logs", err)
	}
	return buf.String(), nil
}

func wrap(op string, err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s: %v", cluster.ErrNotFound, op, err)
	}
	if errors.Is(err, cluster.ErrRolloutTimeout) || errors.Is(err, cluster.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", cluster.ErrCommandFailed, op, err)
}

func namespaceOrDefault(ns string) string {
	if strings.TrimSpace(ns) == "" {
		return "default"
	}
	return ns
}
