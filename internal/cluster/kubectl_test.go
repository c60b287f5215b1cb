package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeKubectl struct {
	calls     []string
	responses map[string]string
	failures  map[string]string
}

func (f *fakeKubectl) run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	line := strings.Join(args, " ")
	f.calls = append(f.calls, line)
	for prefix, stderr := range f.failures {
		if strings.HasPrefix(line, prefix) {
			return nil, []byte(stderr), errors.New("exit status 1")
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(line, prefix) {
			return []byte(out), nil, nil
		}
	}
	return nil, nil, nil
}

func newFakeRunner(f *fakeKubectl) *Kubectl {
	return NewKubectl(KubectlConfig{Kubeconfig: ""}, f.run, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSetImageCreatesMissingDeployment(t *testing.T) {
	f := &fakeKubectl{failures: map[string]string{
		"get deployment app": `Error from server (NotFound): deployments.apps "app" not found`,
	}}
	if err := newFakeRunner(f).SetImage(context.Background(), SetImageRequest{Workload: "app", Image: "acme/app:v1", Replicas: 3}); err != nil {
		t.Fatalf("set image: %v", err)
	}
	want := "create deployment app --image=acme/app:v1 --replicas=3 -n default"
	if len(f.calls) != 2 || f.calls[1] != want {
		t.Fatalf("unexpected calls %v", f.calls)
	}
}

func TestSetImageUpdatesExistingDeployment(t *testing.T) {
	f := &fakeKubectl{responses: map[string]string{"get deployment app": "app"}}
	if err := newFakeRunner(f).SetImage(context.Background(), SetImageRequest{Workload: "app", Namespace: "prod", Image: "acme/app:v2", Replicas: 2}); err != nil {
		t.Fatalf("set image: %v", err)
	}
	if len(f.calls) != 3 || f.calls[1] != "set image deployment/app app=acme/app:v2 -n prod" || f.calls[2] != "scale deployment/app --replicas=2 -n prod" {
		t.Fatalf("unexpected calls %v", f.calls)
	}
}

func TestSetImageTargetsCreatedContainer(t *testing.T) {
	// kubectl create deployment app --image=acme/app:v1 names the container "app" after the image.
	f := &fakeKubectl{responses: map[string]string{"get deployment web": "app"}}
	if err := newFakeRunner(f).SetImage(context.Background(), SetImageRequest{Workload: "web", Image: "acme/app:v2"}); err != nil {
		t.Fatalf("set image: %v", err)
	}
	if len(f.calls) != 2 || f.calls[1] != "set image deployment/web app=acme/app:v2 -n default" {
		t.Fatalf("unexpected calls %v", f.calls)
	}
}

func TestPickContainer(t *testing.T) {
	cases := []struct {
		names []string
		want  string
	}{
		{[]string{"sidecar", "web"}, "web"},
		{[]string{"nginx", "sidecar"}, "nginx"},
		{nil, "*"},
	}
	for _, tc := range cases {
		if got := pickContainer(tc.names, "web"); got != tc.want {
			t.Fatalf("pickContainer(%v) = %q, want %q", tc.names, got, tc.want)
		}
	}
}

func TestCommandFailurePreservesStderr(t *testing.T) {
	f := &fakeKubectl{failures: map[string]string{"rollout undo": "error: unable to connect to the server"}}
	err := newFakeRunner(f).RollbackToPrevious(context.Background(), "app", "default")
	if !errors.Is(err, ErrCommandFailed) || !strings.Contains(err.Error(), "unable to connect") {
		t.Fatalf("expected wrapped command failure, got %v", err)
	}
	f = &fakeKubectl{failures: map[string]string{"rollout undo": `error: no rollout history found for deployment "app"`}}
	if err := newFakeRunner(f).RollbackToPrevious(context.Background(), "app", "default"); !errors.Is(err, ErrNoPreviousRevision) {
		t.Fatalf("expected no previous revision, got %v", err)
	}
}

const podsJSON = `{"items":[{
  "metadata":{"name":"app-1","creationTimestamp":"2024-05-01T10:00:00Z"},
  "spec":{"nodeName":"node-a","containers":[{"name":"app","image":"acme/app:v1"}]},
  "status":{"phase":"Running","startTime":"2024-05-01T10:00:05Z",
    "conditions":[{"type":"Ready","status":"True"}],
    "containerStatuses":[{"name":"app","image":"acme/app:v1","restartCount":2,"ready":true,"state":{"running":{}}}]}
},{
  "metadata":{"name":"app-2"},
  "spec":{"containers":[{"name":"app","image":"acme/app:v2"}]},
  "status":{"phase":"Pending","containerStatuses":[{"name":"app","state":{"waiting":{"reason":"ImagePullBackOff"}}}]}
}]}`

func TestPodsDecodesKubectlJSON(t *testing.T) {
	f := &fakeKubectl{responses: map[string]string{"get pods": podsJSON}}
	pods, err := newFakeRunner(f).Pods(context.Background(), "", AppSelector("app"))
	if err != nil {
		t.Fatalf("pods: %v", err)
	}
	if f.calls[0] != "get pods -n default -o json -l app=app" {
		t.Fatalf("unexpected call %q", f.calls[0])
	}
	if len(pods) != 2 {
		t.Fatalf("expected 2 pods, got %d", len(pods))
	}
	if !pods[0].Ready || pods[0].Restarts != 2 || pods[0].Node != "node-a" || !pods[0].StartedAt.Equal(time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)) {
		t.Fatalf("unexpected first pod %+v", pods[0])
	}
	if pods[1].Status != "ImagePullBackOff" || pods[1].Image != "acme/app:v2" {
		t.Fatalf("unexpected second pod %+v", pods[1])
	}
}

const replicaSetsJSON = `{"items":[
 {"metadata":{"name":"app-a","annotations":{"deployment.kubernetes.io/revision":"1"},"ownerReferences":[{"kind":"Deployment","name":"app"}]},
  "spec":{"template":{"spec":{"containers":[{"name":"app","image":"acme/app:v1"}]}}},"status":{"replicas":0}},
 {"metadata":{"name":"app-b","annotations":{"deployment.kubernetes.io/revision":"2"},"ownerReferences":[{"kind":"Deployment","name":"app"}]},
  "spec":{"template":{"spec":{"containers":[{"name":"app","image":"acme/app:v2"}]}}},"status":{"replicas":2,"readyReplicas":2}},
 {"metadata":{"name":"other-a","annotations":{"deployment.kubernetes.io/revision":"9"},"ownerReferences":[{"kind":"Deployment","name":"other"}]},
  "spec":{"template":{"spec":{"containers":[{"name":"other","image":"acme/other:v9"}]}}},"status":{}}
]}`

func TestRolloutHistoryFiltersOwner(t *testing.T) {
	f := &fakeKubectl{responses: map[string]string{"get replicaset": replicaSetsJSON}}
	history, err := newFakeRunner(f).RolloutHistory(context.Background(), "app", "default")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Revision != 2 || history[0].Image != "acme/app:v2" || history[0].Ready != 2 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestWorkloadStatusAndWait(t *testing.T) {
	f := &fakeKubectl{responses: map[string]string{
		"get deployment app": `{"metadata":{"name":"app","namespace":"default","generation":3},
		  "spec":{"replicas":2,"template":{"spec":{"containers":[{"name":"app","image":"acme/app:v2"}]}}},
		  "status":{"observedGeneration":3,"replicas":2,"readyReplicas":2,"updatedReplicas":2,"availableReplicas":2}}`,
	}, failures: map[string]string{"rollout status": "error: timed out waiting for the condition"}}
	r := newFakeRunner(f)
	status, err := r.WorkloadStatus(context.Background(), "app", "default")
	if err != nil {
		t.Fatalf("workload status: %v", err)
	}
	if status.Image != "acme/app:v2" || !status.RolledOut() {
		t.Fatalf("unexpected status %+v", status)
	}
	if err := r.WaitForRollout(context.Background(), "app", "default", time.Second); !errors.Is(err, ErrRolloutTimeout) {
		t.Fatalf("expected rollout timeout, got %v", err)
	}
	if last := f.calls[len(f.calls)-1]; last != "rollout status deployment/app -n default --timeout=1s" {
		t.Fatalf("unexpected call %q", last)
	}
}

func TestGlobalFlagsPrefixEveryCall(t *testing.T) {
	f := &fakeKubectl{}
	r := NewKubectl(KubectlConfig{Kubeconfig: "/tmp/kc", Context: "minikube"}, f.run, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := r.PodLogs(context.Background(), "app-1", "default", 0); err != nil {
		t.Fatalf("logs: %v", err)
	}
	if f.calls[0] != "--kubeconfig /tmp/kc --context minikube logs app-1 -n default --tail=100 --timestamps" {
		t.Fatalf("unexpected call %q", f.calls[0])
	}
}
