package kubernetes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/splax/autodeploy/internal/cluster"
)

func newTestRunner(objects ...runtime.Object) (*Runner, *fake.Clientset) {
	client := fake.NewSimpleClientset(objects...)
	r := NewWithClient(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.pollEvery = 5 * time.Millisecond
	return r, client
}

func deployment(name, image string, revision string, settled bool) *appsv1.Deployment {
	replicas := int32(2)
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Generation: 1,
			Annotations: map[string]string{cluster.RevisionAnnotation: revision}},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: name, Image: image}}}},
		},
	}
	if settled {
		d.Status = appsv1.DeploymentStatus{ObservedGeneration: 1, Replicas: 2, ReadyReplicas: 2, UpdatedReplicas: 2, AvailableReplicas: 2}
	}
	return d
}

func replicaSet(name, owner, image, revision string) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name: name, Namespace: "default",
			Annotations:     map[string]string{cluster.RevisionAnnotation: revision},
			OwnerReferences: []metav1.OwnerReference{{Kind: "Deployment", Name: owner}},
		},
		Spec: appsv1.ReplicaSetSpec{Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": owner, appsv1.DefaultDeploymentUniqueLabelKey: name}},
			Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: owner, Image: image}}},
		}},
	}
}

func TestSetImageCreatesThenUpdates(t *testing.T) {
	r, client := newTestRunner()
	ctx := context.Background()
	if err := r.SetImage(ctx, cluster.SetImageRequest{Workload: "app", Image: "acme/app:v1", Replicas: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	d, err := client.AppsV1().Deployments("default").Get(ctx, "app", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *d.Spec.Replicas != 3 || d.Spec.Template.Spec.Containers[0].Image != "acme/app:v1" || d.Spec.Selector.MatchLabels["app"] != "app" {
		t.Fatalf("unexpected created deployment %+v", d.Spec)
	}

	if err := r.SetImage(ctx, cluster.SetImageRequest{Workload: "app", Image: "acme/app:v2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	d, _ = client.AppsV1().Deployments("default").Get(ctx, "app", metav1.GetOptions{})
	if d.Spec.Template.Spec.Containers[0].Image != "acme/app:v2" || *d.Spec.Replicas != 3 {
		t.Fatalf("unexpected updated deployment %+v", d.Spec)
	}
}

func TestPodsAndStatus(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "app-1", Namespace: "default", Labels: map[string]string{"app": "app"}},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}},
	}
	other := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "db-1", Namespace: "default", Labels: map[string]string{"app": "db"}}}
	r, _ := newTestRunner(pod, other, deployment("app", "acme/app:v2", "2", true))

	pods, err := r.Pods(context.Background(), "default", cluster.AppSelector("app"))
	if err != nil {
		t.Fatalf("pods: %v", err)
	}
	if len(pods) != 1 || pods[0].Name != "app-1" || !pods[0].Ready {
		t.Fatalf("unexpected pods %+v", pods)
	}
	status, err := r.WorkloadStatus(context.Background(), "app", "default")
	if err != nil || !status.RolledOut() || status.Image != "acme/app:v2" {
		t.Fatalf("unexpected status %+v %v", status, err)
	}
	if _, err := r.WorkloadStatus(context.Background(), "missing", "default"); !errors.Is(err, cluster.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRollbackToPrevious(t *testing.T) {
	r, client := newTestRunner(
		deployment("app", "acme/app:v2", "2", true),
		replicaSet("app-a", "app", "acme/app:v1", "1"),
		replicaSet("app-b", "app", "acme/app:v2", "2"),
		replicaSet("other-a", "other", "acme/other:v1", "1"),
	)
	ctx := context.Background()
	history, err := r.RolloutHistory(ctx, "app", "default")
	if err != nil || len(history) != 2 || history[0].Revision != 2 {
		t.Fatalf("unexpected history %+v %v", history, err)
	}
	if err := r.RollbackToPrevious(ctx, "app", "default"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	d, _ := client.AppsV1().Deployments("default").Get(ctx, "app", metav1.GetOptions{})
	if got := d.Spec.Template.Spec.Containers[0].Image; got != "acme/app:v1" {
		t.Fatalf("expected rollback to v1, got %s", got)
	}
	if _, ok := d.Spec.Template.Labels[appsv1.DefaultDeploymentUniqueLabelKey]; ok {
		t.Fatalf("pod-template-hash label must not be copied")
	}
}

func TestRollbackWithoutHistory(t *testing.T) {
	r, _ := newTestRunner(deployment("app", "acme/app:v1", "1", true), replicaSet("app-a", "app", "acme/app:v1", "1"))
	if err := r.RollbackToPrevious(context.Background(), "app", "default"); !errors.Is(err, cluster.ErrNoPreviousRevision) {
		t.Fatalf("expected no previous revision, got %v", err)
	}
}

func TestWaitForRollout(t *testing.T) {
	r, _ := newTestRunner(deployment("ready", "img", "1", true), deployment("stuck", "img", "1", false))
	if err := r.WaitForRollout(context.Background(), "ready", "default", time.Second); err != nil {
		t.Fatalf("settled deployment: %v", err)
	}
	if err := r.WaitForRollout(context.Background(), "stuck", "default", 30*time.Millisecond); !errors.Is(err, cluster.ErrRolloutTimeout) {
		t.Fatalf("expected rollout timeout, got %v", err)
	}
}

func TestPodLogs(t *testing.T) {
	r, _ := newTestRunner(&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "app-1", Namespace: "default"}})
	logs, err := r.PodLogs(context.Background(), "app-1", "default", 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if logs == "" {
		t.Fatalf("expected log output")
	}
}
