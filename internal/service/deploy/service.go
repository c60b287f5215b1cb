package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/autodeploy/internal/cluster"
	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/executor"
	"github.com/splax/autodeploy/internal/registry"
	"github.com/splax/autodeploy/internal/service/events"
	"github.com/splax/autodeploy/internal/store"
)

var (
	// ErrClusterDisabled is returned for live cluster queries when no runner is configured.
	ErrClusterDisabled = errors.New("deploy: cluster access disabled")
	// ErrRegistryDisabled is returned when no image lister is configured.
	ErrRegistryDisabled = errors.New("deploy: image registry disabled")
	// ErrTagRequired is returned by ManualDeploy when no tag is given.
	ErrTagRequired = fmt.Errorf("%w: tag is required", store.ErrInvalidInput)
)

// Submitter runs background work.
type Submitter interface {
	Submit(taskID string, task executor.Task) error
}

// Config names the default deployment target.
type Config struct {
	Cluster   string
	Namespace string
	Workload  string
	Image     string
	Replicas  int
	LogTail   int
}

// Service records deployments and pushes them through a Strategy.
type Service struct {
	store    *store.Store
	hub      events.Broadcaster
	tasks    Submitter
	strategy Strategy
	runner   cluster.Runner
	images   registry.Lister
	cfg      Config
	logger   *slog.Logger
}

// New returns a deployment service. runner and images may be nil.
func New(st *store.Store, hub events.Broadcaster, tasks Submitter, strategy Strategy, runner cluster.Runner, images registry.Lister, cfg Config, logger *slog.Logger) Service {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = 100
	}
	return Service{
		store:    st,
		hub:      hub,
		tasks:    tasks,
		strategy: strategy,
		runner:   runner,
		images:   images,
		cfg:      cfg,
		logger:   logger,
	}
}

// Target identifies a workload. Empty fields take the configured defaults.
type Target struct {
	Workload  string `json:"workload,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

func (s Service) target(t Target) Target {
	if strings.TrimSpace(t.Workload) == "" {
		t.Workload = s.cfg.Workload
	}
	if strings.TrimSpace(t.Namespace) == "" {
		t.Namespace = s.cfg.Namespace
	}
	return t
}

// ManualDeployInput requests a rollout of an image tag.
type ManualDeployInput struct {
	Target
	PipelineID string `json:"pipelineId,omitempty"`
	Image      string `json:"image,omitempty"`
	Tag        string `json:"tag"`
	Replicas   int    `json:"replicas,omitempty"`
}

// ManualDeploy records a rolling revision, announces it and rolls it out in the background.
func (s Service) ManualDeploy(ctx context.Context, in ManualDeployInput) (domain.DeploymentRecord, error) {
	tag := strings.TrimSpace(in.Tag)
	if tag == "" {
		return domain.DeploymentRecord{}, ErrTagRequired
	}
	target := s.target(in.Target)
	image := strings.TrimSpace(in.Image)
	if image == "" {
		image = s.cfg.Image
	}
	replicas := in.Replicas
	if replicas <= 0 {
		replicas = s.cfg.Replicas
	}
	rec, _, err := s.store.RecordDeployment(store.DeploymentInput{
		PipelineID: in.PipelineID,
		Workload:   target.Workload,
		Namespace:  target.Namespace,
		Image:      image,
		Tag:        tag,
		Replicas:   replicas,
		Status:     domain.RolloutRolling,
	})
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	s.logger.Info("manual deployment requested", "workload", rec.Workload, "namespace", rec.Namespace, "image", rec.ImageRef(), "revision", rec.Revision)
	events.Publish(s.hub, events.DeploymentEnvelope(domain.EventManualDeployment, events.Deployment{
		Deployment: rec,
		Message:    fmt.Sprintf("Deploying %s", rec.ImageRef()),
		Strategy:   s.strategy.Name(),
		Kubernetes: s.ClusterState(target),
	}))
	if err := s.submitRollout(rec, s.strategy.Rollout); err != nil {
		return rec, err
	}
	return rec, nil
}

type rolloutFunc func(ctx context.Context, rec domain.DeploymentRecord) ([]domain.Pod, error)

func (s Service) submitRollout(rec domain.DeploymentRecord, apply rolloutFunc) error {
	taskID := fmt.Sprintf("deploy:%s/%s:%d", rec.Namespace, rec.Workload, rec.Revision)
	err := s.tasks.Submit(taskID, func(ctx context.Context) error {
		return s.runRollout(ctx, rec, apply)
	})
	if err != nil {
		s.finish(rec, nil, err)
	}
	return err
}

func (s Service) runRollout(ctx context.Context, rec domain.DeploymentRecord, apply rolloutFunc) error {
	pods, err := apply(ctx, rec)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	s.finish(rec, pods, err)
	return err
}

// finish stores the rollout outcome and tells observers about it.
func (s Service) finish(rec domain.DeploymentRecord, pods []domain.Pod, rolloutErr error) {
	status := domain.RolloutSuccess
	message := fmt.Sprintf("Deployed %s", rec.ImageRef())
	if rolloutErr != nil {
		status = domain.RolloutFailed
		message = fmt.Sprintf("Deployment of %s failed", rec.ImageRef())
		s.logger.Error("rollout failed", "workload", rec.Workload, "namespace", rec.Namespace, "revision", rec.Revision, "error", rolloutErr)
	} else {
		s.logger.Info("rollout complete", "workload", rec.Workload, "namespace", rec.Namespace, "revision", rec.Revision, "pods", len(pods))
	}
	updated, _, err := s.store.SetRolloutStatus(rec.Workload, rec.Namespace, rec.Revision, status)
	if err != nil {
		// The revision was trimmed from history; report against the original record.
		updated = rec
		updated.Status = status
	}
	target := Target{Workload: rec.Workload, Namespace: rec.Namespace}
	if rolloutErr == nil {
		s.store.SetPods(rec.Workload, rec.Namespace, pods)
	}
	payload := events.Deployment{
		Deployment: updated,
		Status:     status,
		Message:    message,
		Strategy:   s.strategy.Name(),
		Pods:       pods,
		Kubernetes: s.ClusterState(target),
	}
	if rolloutErr != nil {
		payload.Error = rolloutErr.Error()
	}
	envs := []domain.Envelope{events.DeploymentEnvelope(domain.EventDeploymentComplete, payload)}
	if rolloutErr == nil {
		envs = append(envs, events.PodsUpdate(rec.Workload, rec.Namespace, pods))
	}
	events.Publish(s.hub, envs...)
	if rec.PipelineID != "" {
		s.pipelineLog(rec.PipelineID, domain.LevelForStatus(string(status)), message)
	}
}

func (s Service) pipelineLog(pipelineID string, level domain.LogLevel, message string) {
	_, change, err := s.store.AppendLog(pipelineID, level, message, "Deploy")
	if err != nil {
		s.logger.Debug("pipeline log skipped", "pipeline_id", pipelineID, "error", err)
		return
	}
	events.Publish(s.hub, events.FromChange(change, "")...)
}

// EventInput is a deployment event reported by the build system.
type EventInput struct {
	PipelineID string         `json:"pipelineId"`
	EventType  string         `json:"eventType"`
	Status     string         `json:"status"`
	Details    map[string]any `json:"details"`
}

// RecordEvent stores and broadcasts a deployment event. A successful deploy event
// carrying a version also records a revision for the default workload.
func (s Service) RecordEvent(ctx context.Context, in EventInput) (domain.DeploymentEvent, error) {
	eventType := strings.TrimSpace(in.EventType)
	if eventType == "" {
		return domain.DeploymentEvent{}, fmt.Errorf("%w: eventType is required", store.ErrInvalidInput)
	}
	ev, _ := s.store.RecordEvent(domain.DeploymentEvent{
		PipelineID: in.PipelineID,
		EventType:  eventType,
		Status:     strings.TrimSpace(in.Status),
		Details:    in.Details,
	})

	var state *domain.ClusterState
	var recorded *domain.DeploymentRecord
	version := detailString(in.Details, "version", "image_tag", "tag")
	if strings.EqualFold(eventType, "deploy") && domain.LevelForStatus(ev.Status) == domain.LevelSuccess && version != "" {
		rec, err := s.recordRevision(in, version)
		if err != nil {
			return ev, err
		}
		current := s.ClusterState(Target{Workload: rec.Workload, Namespace: rec.Namespace})
		state, recorded = &current, &rec
	}

	events.Publish(s.hub, events.DeploymentEventEnvelope(ev, state))
	if in.PipelineID != "" {
		s.pipelineLog(in.PipelineID, domain.LevelForStatus(ev.Status), fmt.Sprintf("Deployment %s: %s", ev.EventType, ev.Status))
	}
	if recorded != nil {
		s.refreshPods(Target{Workload: recorded.Workload, Namespace: recorded.Namespace})
	}
	return ev, nil
}

// recordRevision stores the revision a successful deploy event announces. An
// unknown pipeline id is dropped rather than failing the event.
func (s Service) recordRevision(in EventInput, version string) (domain.DeploymentRecord, error) {
	target := s.target(Target{
		Workload:  detailString(in.Details, "workload", "deployment"),
		Namespace: detailString(in.Details, "namespace"),
	})
	image := detailString(in.Details, "image")
	if image == "" {
		image = s.cfg.Image
	}
	input := store.DeploymentInput{
		PipelineID: in.PipelineID,
		Workload:   target.Workload,
		Namespace:  target.Namespace,
		Image:      image,
		Tag:        version,
		Replicas:   s.cfg.Replicas,
		Status:     domain.RolloutSuccess,
	}
	rec, _, err := s.store.RecordDeployment(input)
	if errors.Is(err, store.ErrNotFound) {
		input.PipelineID = ""
		rec, _, err = s.store.RecordDeployment(input)
	}
	return rec, err
}

func detailString(details map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := details[k]; ok {
			switch val := v.(type) {
			case string:
				if strings.TrimSpace(val) != "" {
					return strings.TrimSpace(val)
				}
			case fmt.Stringer:
				return val.String()
			case float64, int:
				return fmt.Sprint(val)
			}
		}
	}
	return ""
}

func (s Service) refreshPods(target Target) {
	err := s.tasks.Submit("pods:"+target.Namespace+"/"+target.Workload, func(ctx context.Context) error {
		pods, err := s.strategy.Pods(ctx, target.Workload, target.Namespace)
		if err != nil {
			return err
		}
		s.store.SetPods(target.Workload, target.Namespace, pods)
		events.Publish(s.hub, events.PodsUpdate(target.Workload, target.Namespace, pods))
		return nil
	})
	if err != nil {
		s.logger.Debug("pod refresh skipped", "workload", target.Workload, "error", err)
	}
}

// Rollback records a new revision pointing at the previous image and reverts the
// workload in the background.
func (s Service) Rollback(ctx context.Context, t Target) (domain.DeploymentRecord, error) {
	target := s.target(t)
	history := s.store.History(target.Workload, target.Namespace, 2)
	var previous domain.DeploymentRecord
	switch {
	case len(history) >= 2:
		previous = history[1]
	case s.strategy.Live():
		// The orchestrator may know revisions this process never saw.
		previous = domain.DeploymentRecord{Image: s.cfg.Image, Tag: "previous", Replicas: s.cfg.Replicas}
		if len(history) == 1 {
			previous.Replicas = history[0].Replicas
		}
	default:
		return domain.DeploymentRecord{}, fmt.Errorf("%w: %s/%s", cluster.ErrNoPreviousRevision, target.Namespace, target.Workload)
	}
	rec, _, err := s.store.RecordDeployment(store.DeploymentInput{
		Workload:  target.Workload,
		Namespace: target.Namespace,
		Image:     previous.Image,
		Tag:       previous.Tag,
		Replicas:  previous.Replicas,
		Status:    domain.RolloutRolling,
	})
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	s.logger.Info("rollback requested", "workload", rec.Workload, "namespace", rec.Namespace, "image", rec.ImageRef(), "revision", rec.Revision)
	events.Publish(s.hub, events.DeploymentEnvelope(domain.EventRollback, events.Deployment{
		Deployment: rec,
		Message:    fmt.Sprintf("Rolling back to %s", rec.ImageRef()),
		Strategy:   s.strategy.Name(),
		Kubernetes: s.ClusterState(target),
	}))
	if err := s.submitRollout(rec, s.strategy.Rollback); err != nil {
		return rec, err
	}
	return rec, nil
}

// PodsReport is a pod snapshot pushed by an external agent.
type PodsReport struct {
	Target
	Pods []domain.Pod `json:"pods"`
}

// ReportPods replaces the stored pod snapshot and broadcasts it.
func (s Service) ReportPods(ctx context.Context, in PodsReport) []domain.Pod {
	target := s.target(in.Target)
	change := s.store.SetPods(target.Workload, target.Namespace, in.Pods)
	events.Publish(s.hub, events.PodsUpdate(target.Workload, target.Namespace, change.Pods))
	return change.Pods
}

// PodsView is a pod listing with its provenance.
type PodsView struct {
	Workload  string       `json:"workload"`
	Namespace string       `json:"namespace"`
	Source    string       `json:"source"`
	Pods      []domain.Pod `json:"pods"`
	Error     string       `json:"error,omitempty"`
}

// Pods lists pods through the strategy. When the cluster is unreachable the last
// known snapshot is returned with the failure noted.
func (s Service) Pods(ctx context.Context, t Target) PodsView {
	target := s.target(t)
	view := PodsView{Workload: target.Workload, Namespace: target.Namespace, Source: s.strategy.Name()}
	pods, err := s.strategy.Pods(ctx, target.Workload, target.Namespace)
	if err != nil {
		s.logger.Warn("list pods", "workload", target.Workload, "namespace", target.Namespace, "error", err)
		view.Source = "cache"
		view.Error = err.Error()
		pods = s.store.Pods(target.Workload, target.Namespace)
	} else {
		s.store.SetPods(target.Workload, target.Namespace, pods)
	}
	if pods == nil {
		pods = []domain.Pod{}
	}
	view.Pods = pods
	return view
}

// ClusterState assembles the last known picture of target from the store.
func (s Service) ClusterState(t Target) domain.ClusterState {
	target := s.target(t)
	history := s.store.History(target.Workload, target.Namespace, 0)
	state := domain.ClusterState{
		Cluster:        s.cfg.Cluster,
		Namespace:      target.Namespace,
		Workload:       target.Workload,
		Pods:           s.store.Pods(target.Workload, target.Namespace),
		RolloutHistory: history,
		UpdatedAt:      time.Now().UTC(),
	}
	for _, rec := range history {
		if rec.Status == domain.RolloutSuccess {
			state.CurrentVersion = rec.Tag
			break
		}
	}
	return state
}

// History returns recorded revisions, newest first.
func (s Service) History(ctx context.Context, t Target, limit int) []domain.DeploymentRecord {
	target := s.target(t)
	return s.store.History(target.Workload, target.Namespace, limit)
}

// Events returns retained deployment events, newest last.
func (s Service) Events(ctx context.Context, limit int) []domain.DeploymentEvent {
	return s.store.Events(limit)
}

// Images lists tags for repo, or the configured image when repo is empty.
func (s Service) Images(ctx context.Context, repo string) ([]domain.ImageTag, error) {
	if s.images == nil {
		return nil, ErrRegistryDisabled
	}
	repo = strings.TrimSpace(repo)
	if repo == "" {
		repo = s.cfg.Image
	}
	return s.images.ListTags(ctx, repo)
}

// WorkloadStatus reads the live workload from the orchestrator.
func (s Service) WorkloadStatus(ctx context.Context, t Target) (domain.WorkloadStatus, error) {
	if s.runner == nil {
		return domain.WorkloadStatus{}, ErrClusterDisabled
	}
	target := s.target(t)
	return s.runner.WorkloadStatus(ctx, target.Workload, target.Namespace)
}

// ClusterHistory reads revisions from the orchestrator.
func (s Service) ClusterHistory(ctx context.Context, t Target) ([]domain.Revision, error) {
	if s.runner == nil {
		return nil, ErrClusterDisabled
	}
	target := s.target(t)
	return s.runner.RolloutHistory(ctx, target.Workload, target.Namespace)
}

// PodLogs returns the last tail lines of pod. tail <= 0 uses the configured default.
func (s Service) PodLogs(ctx context.Context, pod, namespace string, tail int) (string, error) {
	if s.runner == nil {
		return "", ErrClusterDisabled
	}
	if strings.TrimSpace(pod) == "" {
		return "", fmt.Errorf("%w: pod is required", store.ErrInvalidInput)
	}
	if namespace == "" {
		namespace = s.cfg.Namespace
	}
	if tail <= 0 {
		tail = s.cfg.LogTail
	}
	return s.runner.PodLogs(ctx, pod, namespace, tail)
}

// StrategyName reports the active strategy.
func (s Service) StrategyName() string {
	return s.strategy.Name()
}
