package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/store"
)

func TestStatusChangeEmitsStatusThenLog(t *testing.T) {
	s := store.New(store.Options{})
	p, _, _ := s.Create(store.CreateInput{Name: "svc"})
	n := 42
	_, change, err := s.SetStatus(p.ID, store.StatusUpdate{Status: domain.StatusRunning, BuildNumber: &n})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	envs := FromChange(change, "")
	if len(envs) != 2 || envs[0].Type != domain.EventPipelineStatus || envs[1].Type != domain.EventLogEntry {
		t.Fatalf("unexpected envelopes %+v", envs)
	}
	status := envs[0].Data.(PipelineStatus)
	if *status.BuildNumber != 42 || status.Status != domain.StatusRunning || status.PreviousStatus != domain.StatusPending {
		t.Fatalf("unexpected payload %+v", status)
	}
	if status.Message != "Build #42 started" {
		t.Fatalf("unexpected message %q", status.Message)
	}
}

func TestStageChangeUsesStageTimestamp(t *testing.T) {
	s := store.New(store.Options{})
	p, _, _ := s.Create(store.CreateInput{Name: "svc"})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, change, _ := s.UpsertStage(p.ID, "Build", domain.StageRunning, &at)
	envs := FromChange(change, "compiling")
	if len(envs) != 1 {
		t.Fatalf("expected one envelope, got %d", len(envs))
	}
	payload := envs[0].Data.(StageUpdate)
	if payload.StageName != "Build" || !payload.Timestamp.Equal(at) || payload.Message != "compiling" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestDeploymentEventFlattensEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := domain.DeploymentEvent{EventType: "deploy", Status: "success", Timestamp: at}
	env := DeploymentEventEnvelope(ev, &domain.ClusterState{Workload: "app", CurrentVersion: "v3"})
	if env.Type != domain.EventDeployment || !env.Timestamp.Equal(at) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	kube, _ := decoded["kubernetes"].(map[string]any)
	if decoded["eventType"] != "deploy" || kube["currentVersion"] != "v3" {
		t.Fatalf("unexpected wire payload %s", raw)
	}

	s := store.New(store.Options{})
	_, change := s.RecordEvent(ev)
	envs := FromChange(change, "")
	if len(envs) != 1 {
		t.Fatalf("expected one envelope, got %d", len(envs))
	}
	if payload := envs[0].Data.(DeploymentEvent); payload.Kubernetes != nil || payload.EventType != "deploy" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

type collector struct{ got []domain.Envelope }

func (c *collector) Broadcast(env domain.Envelope) { c.got = append(c.got, env) }

func TestPublishKeepsOrder(t *testing.T) {
	c := &collector{}
	Publish(c, PodsUpdate("app", "default", nil), domain.NewEnvelope(domain.EventRollback, nil))
	Publish(nil, PodsUpdate("app", "default", nil))
	if len(c.got) != 2 || c.got[0].Type != domain.EventPodsUpdate || c.got[1].Type != domain.EventRollback {
		t.Fatalf("unexpected order %+v", c.got)
	}
	if pods := c.got[0].Data.(Pods); pods.Pods == nil {
		t.Fatalf("pods should render as an empty list")
	}
}
