package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/executor"
	"github.com/splax/autodeploy/internal/queue"
	"github.com/splax/autodeploy/internal/service/events"
	"github.com/splax/autodeploy/internal/store"
)

func TestTriggerResolvesBuildAndCompletes(t *testing.T) {
	builds := &fakeBuilds{ticket: "7", polls: []pollResult{{ready: false}, {number: 42, ready: true}}}
	svc, st, hub := newTestService(t, builds)

	p, err := svc.Trigger(context.Background(), TriggerInput{Name: "svc", Branch: "main", DeployTag: "v1.2.0"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if p.Status != domain.StatusPending || len(p.Stages) != len(domain.DefaultStages) {
		t.Fatalf("unexpected initial pipeline %+v", p)
	}
	for _, stage := range p.Stages {
		if stage.Status != domain.StagePending {
			t.Fatalf("stage %s should start pending", stage.Name)
		}
	}

	running := waitFor(t, st, p.ID, func(p domain.Pipeline) bool { return p.Status == domain.StatusRunning })
	if running.BuildNumber == nil || *running.BuildNumber != 42 {
		t.Fatalf("expected build 42, got %+v", running.BuildNumber)
	}
	if running.QueueID != "7" {
		t.Fatalf("expected queue id 7, got %q", running.QueueID)
	}
	if calls := builds.pollCalls(); calls != 2 {
		t.Fatalf("expected 2 polls, got %d", calls)
	}
	params := builds.triggered()
	if params.PipelineID != p.ID || params.DeployTag != "v1.2.0" || params.Environment != "dev" {
		t.Fatalf("unexpected trigger params %+v", params)
	}

	got := hub.types()
	if len(got) == 0 || got[0] != domain.EventPipelineTriggered {
		t.Fatalf("expected pipeline_triggered first, got %v", got)
	}
	announced := hub.first(domain.EventPipelineTriggered)
	if announced == nil || len(announced.Stages) != len(domain.DefaultStages) {
		t.Fatalf("pipeline_triggered should carry the full pipeline, got %+v", announced)
	}
	for i, stage := range announced.Stages {
		if stage.Name != domain.DefaultStages[i] || stage.Status != domain.StagePending {
			t.Fatalf("announced stage %d = %+v", i, stage)
		}
	}
	status, ok := hub.waitStatus(domain.StatusRunning)
	if !ok || status.Status != domain.StatusRunning || status.BuildNumber == nil || *status.BuildNumber != 42 {
		t.Fatalf("expected running status broadcast, got %+v", status)
	}

	done, err := svc.UpdateStatus(context.Background(), StatusCallback{PipelineID: p.ID, Status: "SUCCESS"})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if done.Status != domain.StatusSuccess || done.CompletedAt == nil {
		t.Fatalf("expected completed success, got %+v", done)
	}
	last := done.Logs[len(done.Logs)-1]
	if last.Level != domain.LevelSuccess {
		t.Fatalf("expected success log, got %+v", last)
	}
}

func TestLateQueueResolutionDoesNotReopenFinishedPipeline(t *testing.T) {
	gate := make(chan struct{})
	builds := &fakeBuilds{ticket: "7", polls: []pollResult{{number: 42, ready: true}}, gate: gate}
	svc, st, hub, exec := newTestServiceWithExecutor(t, builds)

	p, err := svc.Trigger(context.Background(), TriggerInput{Name: "svc"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitFor(t, st, p.ID, func(p domain.Pipeline) bool { return p.Status == domain.StatusQueued })

	if _, err := svc.UpdateStatus(context.Background(), StatusCallback{PipelineID: p.ID, BuildNumber: 42, Status: "success"}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	close(gate)
	waitIdle(t, exec)

	got, _ := st.Get(p.ID)
	if got.Status != domain.StatusSuccess || got.CompletedAt == nil {
		t.Fatalf("expected pipeline to stay successful, got status=%s completedAt=%v", got.Status, got.CompletedAt)
	}
	if n := hub.count(domain.EventPipelineStatus, domain.StatusRunning); n != 0 {
		t.Fatalf("declined transition should not be broadcast, saw %d running updates", n)
	}
}

func TestQueueTimeoutDoesNotFailRunningPipeline(t *testing.T) {
	gate := make(chan struct{})
	builds := &fakeBuilds{ticket: "9", gate: gate}
	svc, st, hub, exec := newTestServiceWithExecutor(t, builds, func(cfg *Config) { cfg.TimeoutFails = true })

	p, _ := svc.Trigger(context.Background(), TriggerInput{Name: "svc"})
	waitFor(t, st, p.ID, func(p domain.Pipeline) bool { return p.Status == domain.StatusQueued })

	if _, err := svc.UpdateStatus(context.Background(), StatusCallback{PipelineID: p.ID, BuildNumber: 5, Status: "running"}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	close(gate)
	waitIdle(t, exec)

	got, _ := st.Get(p.ID)
	if got.Status != domain.StatusRunning {
		t.Fatalf("timeout must not override a running pipeline, got %s", got.Status)
	}
	if n := hub.count(domain.EventPipelineStatus, domain.StatusFailure); n != 0 {
		t.Fatalf("unexpected failure broadcast")
	}
	for _, entry := range got.Logs {
		if entry.Level == domain.LevelWarning {
			t.Fatalf("no timeout warning expected once running, got %+v", entry)
		}
	}
}

func TestTriggerFailureMarksPipelineFailed(t *testing.T) {
	builds := &fakeBuilds{triggerErr: errors.New("connection refused")}
	svc, st, _ := newTestService(t, builds)

	p, err := svc.Trigger(context.Background(), TriggerInput{Name: "svc"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	failed := waitFor(t, st, p.ID, func(p domain.Pipeline) bool { return p.Status == domain.StatusFailure })
	if failed.CompletedAt == nil {
		t.Fatalf("failed pipeline should be completed")
	}
	if !strings.Contains(failed.Logs[len(failed.Logs)-1].Message, "Jenkins error") {
		t.Fatalf("expected build system error in log, got %+v", failed.Logs)
	}
}

func TestQueueTimeoutLeavesPipelineQueued(t *testing.T) {
	builds := &fakeBuilds{ticket: "9"}
	svc, st, _ := newTestService(t, builds)

	p, err := svc.Trigger(context.Background(), TriggerInput{Name: "svc"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	queued := waitFor(t, st, p.ID, func(p domain.Pipeline) bool {
		return len(p.Logs) > 0 && p.Logs[len(p.Logs)-1].Level == domain.LevelWarning
	})
	if queued.Status != domain.StatusQueued {
		t.Fatalf("expected queued after timeout, got %s", queued.Status)
	}
	if calls := builds.pollCalls(); calls != 3 {
		t.Fatalf("expected 3 polls, got %d", calls)
	}
}

func TestQueueTimeoutFailsWhenConfigured(t *testing.T) {
	builds := &fakeBuilds{ticket: "9"}
	svc, st, _ := newTestService(t, builds, func(cfg *Config) { cfg.TimeoutFails = true })

	p, _ := svc.Trigger(context.Background(), TriggerInput{Name: "svc"})
	failed := waitFor(t, st, p.ID, func(p domain.Pipeline) bool { return p.Status == domain.StatusFailure })
	if !strings.Contains(failed.Logs[len(failed.Logs)-1].Message, "queue item 9") {
		t.Fatalf("unexpected failure log %+v", failed.Logs)
	}
}

func TestCancelledQueueItemAbortsPipeline(t *testing.T) {
	builds := &fakeBuilds{ticket: "3", polls: []pollResult{{err: queue.ErrCancelled}}}
	svc, st, _ := newTestService(t, builds)

	p, _ := svc.Trigger(context.Background(), TriggerInput{Name: "svc"})
	waitFor(t, st, p.ID, func(p domain.Pipeline) bool { return p.Status == domain.StatusAborted })
	if calls := builds.pollCalls(); calls != 1 {
		t.Fatalf("expected a single poll, got %d", calls)
	}
}

func TestTriggerWithoutRunningExecutor(t *testing.T) {
	st := store.New(store.Options{})
	exec := executor.New(discardLogger())
	svc := New(st, &recordingHub{}, &fakeBuilds{}, exec, Config{}, discardLogger())

	if _, err := svc.Trigger(context.Background(), TriggerInput{Name: "svc"}); !errors.Is(err, executor.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	list := st.List(0)
	if len(list) != 1 || list[0].Status != domain.StatusFailure {
		t.Fatalf("expected the pipeline to be marked failed, got %+v", list)
	}
}

func TestTriggerRejectsEmptyName(t *testing.T) {
	svc, _, hub := newTestService(t, &fakeBuilds{})
	if _, err := svc.Trigger(context.Background(), TriggerInput{Name: "  "}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(hub.types()) != 0 {
		t.Fatalf("nothing should be broadcast")
	}
}

func TestUpdateStatusLocatesByBuildNumber(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeBuilds{})
	p, _, _ := st.Create(store.CreateInput{Name: "svc"})
	n := 17
	st.SetStatus(p.ID, store.StatusUpdate{Status: domain.StatusRunning, BuildNumber: &n})

	got, err := svc.UpdateStatus(context.Background(), StatusCallback{BuildNumber: 17, Status: "failed", Message: "tests broke"})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if got.ID != p.ID || got.Status != domain.StatusFailure {
		t.Fatalf("unexpected pipeline %+v", got)
	}
	last := got.Logs[len(got.Logs)-1]
	if last.Message != "tests broke" || last.Level != domain.LevelError {
		t.Fatalf("unexpected log %+v", last)
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeBuilds{})
	p, _, _ := st.Create(store.CreateInput{Name: "svc"})

	if _, err := svc.UpdateStatus(context.Background(), StatusCallback{PipelineID: p.ID, Status: "exploded"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), StatusCallback{PipelineID: "missing", Status: "success"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), StatusCallback{Status: "success"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found without a target, got %v", err)
	}
}

func TestUpdateStageFallsBackToActivePipeline(t *testing.T) {
	svc, st, hub := newTestService(t, &fakeBuilds{})
	if _, err := svc.UpdateStage(context.Background(), StageCallback{StageName: "Build", Status: "running"}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}

	p, _, _ := st.Create(store.CreateInput{Name: "svc"})
	st.SetStatus(p.ID, store.StatusUpdate{Status: domain.StatusRunning})

	stage, err := svc.UpdateStage(context.Background(), StageCallback{StageName: "Test", Status: "SUCCESS"})
	if err != nil {
		t.Fatalf("update stage: %v", err)
	}
	if stage.Status != domain.StageSuccess {
		t.Fatalf("unexpected stage %+v", stage)
	}
	got, _ := st.Get(p.ID)
	if got.CurrentStage != "Test" {
		t.Fatalf("expected current stage Test, got %q", got.CurrentStage)
	}
	last := got.Logs[len(got.Logs)-1]
	if last.Stage != "Test" || last.Level != domain.LevelSuccess || last.Message != "Stage Test: success" {
		t.Fatalf("unexpected stage log %+v", last)
	}
	types := hub.types()
	if types[len(types)-2] != domain.EventStageUpdate || types[len(types)-1] != domain.EventLogEntry {
		t.Fatalf("expected stage_update then log_entry, got %v", types)
	}
}

func TestAppendLogDefaultsLevel(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeBuilds{})
	p, _, _ := st.Create(store.CreateInput{Name: "svc"})

	entry, err := svc.AppendLog(context.Background(), LogInput{PipelineID: p.ID, Level: "loud", Message: "hello"})
	if err != nil {
		t.Fatalf("append log: %v", err)
	}
	if entry.Level != domain.LevelInfo {
		t.Fatalf("expected info, got %s", entry.Level)
	}
	if _, err := svc.AppendLog(context.Background(), LogInput{PipelineID: "nope", Message: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func newTestService(t *testing.T, builds *fakeBuilds, opts ...func(*Config)) (Service, *store.Store, *recordingHub) {
	t.Helper()
	svc, st, hub, _ := newTestServiceWithExecutor(t, builds, opts...)
	return svc, st, hub
}

func newTestServiceWithExecutor(t *testing.T, builds *fakeBuilds, opts ...func(*Config)) (Service, *store.Store, *recordingHub, *executor.Executor) {
	t.Helper()
	st := store.New(store.Options{})
	hub := &recordingHub{}
	exec := executor.New(discardLogger())
	exec.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = exec.Stop(ctx)
	})
	cfg := Config{Queue: queue.Policy{MaxAttempts: 3, Interval: time.Millisecond}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(st, hub, builds, exec, cfg, discardLogger()), st, hub, exec
}

func waitIdle(t *testing.T, exec *executor.Executor) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if exec.Status().Active == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("background tasks still running: %+v", exec.Status())
}

func waitFor(t *testing.T, st *store.Store, id string, cond func(domain.Pipeline) bool) domain.Pipeline {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := st.Get(id)
		if err == nil && cond(p) {
			return p
		}
		time.Sleep(2 * time.Millisecond)
	}
	p, _ := st.Get(id)
	t.Fatalf("condition not met for pipeline %s: %+v", id, p)
	return domain.Pipeline{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pollResult struct {
	number int
	ready  bool
	err    error
}

type fakeBuilds struct {
	mu         sync.Mutex
	ticket     string
	triggerErr error
	polls      []pollResult
	polled     int
	params     domain.TriggerParams
	// gate, when set, holds every poll until it is closed.
	gate chan struct{}
}

func (f *fakeBuilds) Trigger(ctx context.Context, params domain.TriggerParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = params
	return f.ticket, f.triggerErr
}

func (f *fakeBuilds) PollTicket(ctx context.Context, ticket string) (int, bool, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled++
	if len(f.polls) == 0 {
		return 0, false, nil
	}
	next := f.polls[0]
	if len(f.polls) > 1 {
		f.polls = f.polls[1:]
	}
	return next.number, next.ready, next.err
}

func (f *fakeBuilds) BuildStatus(ctx context.Context, number int) (domain.BuildInfo, error) {
	return domain.BuildInfo{Number: number, Building: true}, nil
}

func (f *fakeBuilds) pollCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polled
}

func (f *fakeBuilds) triggered() domain.TriggerParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

type recordingHub struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (h *recordingHub) Broadcast(env domain.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envs = append(h.envs, env)
}

func (h *recordingHub) types() []domain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.EventType, len(h.envs))
	for i, env := range h.envs {
		out[i] = env.Type
	}
	return out
}

// first returns the pipeline carried by the first envelope of type t.
func (h *recordingHub) first(t domain.EventType) *domain.Pipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, env := range h.envs {
		if env.Type != t {
			continue
		}
		data, _ := env.Data.(map[string]any)
		p, _ := data["pipeline"].(*domain.Pipeline)
		return p
	}
	return nil
}

func (h *recordingHub) count(t domain.EventType, status domain.PipelineStatus) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, env := range h.envs {
		if payload, ok := env.Data.(events.PipelineStatus); ok && env.Type == t && payload.Status == status {
			n++
		}
	}
	return n
}

// waitStatus returns the first pipeline_status broadcast carrying want.
func (h *recordingHub) waitStatus(want domain.PipelineStatus) (events.PipelineStatus, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, env := range h.envs {
			if payload, ok := env.Data.(events.PipelineStatus); ok && payload.Status == want {
				h.mu.Unlock()
				return payload, true
			}
		}
		h.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return events.PipelineStatus{}, false
}
