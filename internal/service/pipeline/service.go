package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/executor"
	"github.com/splax/autodeploy/internal/queue"
	"github.com/splax/autodeploy/internal/service/events"
	"github.com/splax/autodeploy/internal/store"
)

var (
	// ErrInvalidStatus is returned when a callback carries an unknown status.
	ErrInvalidStatus = fmt.Errorf("%w: unknown status", store.ErrInvalidInput)
	// ErrNoTarget is returned when a callback names no pipeline and none is active.
	ErrNoTarget = fmt.Errorf("%w: no matching pipeline", store.ErrNotFound)
)

// BuildSystem is the external CI server.
type BuildSystem interface {
	Trigger(ctx context.Context, params domain.TriggerParams) (ticket string, err error)
	PollTicket(ctx context.Context, ticket string) (buildNumber int, ready bool, err error)
	BuildStatus(ctx context.Context, number int) (domain.BuildInfo, error)
}

// Submitter runs background work.
type Submitter interface {
	Submit(taskID string, task executor.Task) error
}

// Config tunes orchestration.
type Config struct {
	Environment    string
	BackendURL     string
	Queue          queue.Policy
	TimeoutFails   bool
	TriggerTimeout time.Duration
}

// Service coordinates pipeline runs between the build system, the store and observers.
type Service struct {
	store    *store.Store
	hub      events.Broadcaster
	builds   BuildSystem
	tasks    Submitter
	resolver queue.Resolver
	cfg      Config
	logger   *slog.Logger
}

// New returns a pipeline service.
func New(st *store.Store, hub events.Broadcaster, builds BuildSystem, tasks Submitter, cfg Config, logger *slog.Logger) Service {
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue = queue.DefaultPolicy()
	}
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = 10 * time.Second
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	return Service{
		store:    st,
		hub:      hub,
		builds:   builds,
		tasks:    tasks,
		resolver: queue.NewResolver(builds, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// TriggerInput is a request to start a pipeline run.
type TriggerInput struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	Branch           string `json:"branch"`
	Environment      string `json:"environment,omitempty"`
	SkipTests        bool   `json:"skipTests,omitempty"`
	SkipSecurityScan bool   `json:"skipSecurityScan,omitempty"`
	DeployTag        string `json:"deployTag,omitempty"`
}

// Trigger records a pending pipeline, announces it and starts orchestration in the
// background. The returned pipeline is the freshly created record.
func (s Service) Trigger(ctx context.Context, in TriggerInput) (domain.Pipeline, error) {
	env := strings.TrimSpace(in.Environment)
	if env == "" {
		env = s.cfg.Environment
	}
	p, change, err := s.store.Create(store.CreateInput{
		ID:     in.ID,
		Name:   in.Name,
		Branch: in.Branch,
		Params: domain.TriggerParams{
			Environment:      env,
			SkipTests:        in.SkipTests,
			SkipSecurityScan: in.SkipSecurityScan,
			DeployTag:        in.DeployTag,
			BackendURL:       s.cfg.BackendURL,
		},
	})
	if err != nil {
		return domain.Pipeline{}, err
	}
	s.publish(change, "Pipeline triggered")
	s.logger.Info("pipeline triggered", "pipeline_id", p.ID, "name", p.Name, "branch", p.Branch)

	params := p.Params
	params.PipelineID = p.ID
	id := p.ID
	if err := s.tasks.Submit("pipeline:"+id, func(ctx context.Context) error {
		return s.orchestrate(ctx, id, params)
	}); err != nil {
		s.fail(id, fmt.Sprintf("Could not schedule pipeline: %v", err), domain.StatusPending)
		return domain.Pipeline{}, err
	}
	return p, nil
}

// orchestrate drives one run from trigger through build-number resolution.
func (s Service) orchestrate(ctx context.Context, id string, params domain.TriggerParams) error {
	triggerCtx, cancel := context.WithTimeout(ctx, s.cfg.TriggerTimeout)
	ticket, err := s.builds.Trigger(triggerCtx, params)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fail(id, fmt.Sprintf("Jenkins error: %v", err), domain.StatusPending)
		return err
	}

	ok, err := s.advance(id, store.StatusUpdate{
		Status:   domain.StatusQueued,
		QueueID:  ticket,
		OnlyFrom: []domain.PipelineStatus{domain.StatusPending},
	})
	if err != nil || !ok {
		return err
	}

	resolved, err := s.resolver.Resolve(ctx, ticket, id, s.cfg.Queue)
	switch {
	case err == nil:
		_, err := s.advance(id, store.StatusUpdate{
			Status:      domain.StatusRunning,
			BuildNumber: resolved.BuildNumber,
			OnlyFrom:    []domain.PipelineStatus{domain.StatusPending, domain.StatusQueued},
		})
		return err
	case errors.Is(err, queue.ErrCancelled):
		_, err := s.advance(id, store.StatusUpdate{
			Status:   domain.StatusAborted,
			Message:  fmt.Sprintf("Queue item %s was cancelled", ticket),
			OnlyFrom: []domain.PipelineStatus{domain.StatusPending, domain.StatusQueued},
		})
		return err
	case errors.Is(err, queue.ErrTimedOut):
		message := fmt.Sprintf("Could not resolve build number for queue item %s after %d attempts", ticket, resolved.Attempts)
		if s.cfg.TimeoutFails {
			s.fail(id, message, domain.StatusQueued)
			return nil
		}
		if current, gerr := s.store.Get(id); gerr != nil || current.Status != domain.StatusQueued {
			return gerr
		}
		entry, change, lerr := s.store.AppendLog(id, domain.LevelWarning, message, "")
		if lerr != nil {
			return lerr
		}
		s.publish(change, "")
		s.logger.Warn("pipeline left queued", "pipeline_id", id, "queue_id", ticket, "message", entry.Message)
		return nil
	default:
		return err
	}
}

// advance applies a conditional status update and publishes it. It reports false
// without error when a callback has already moved the pipeline on.
func (s Service) advance(id string, u store.StatusUpdate) (bool, error) {
	p, change, err := s.store.SetStatus(id, u)
	if errors.Is(err, store.ErrStaleTransition) {
		s.logger.Debug("status update superseded", "pipeline_id", id, "status", p.Status, "wanted", u.Status)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.publish(change, "")
	return true, nil
}

// fail marks the pipeline failed, but only while it is still in one of from.
func (s Service) fail(id, message string, from ...domain.PipelineStatus) {
	_, err := s.advance(id, store.StatusUpdate{Status: domain.StatusFailure, Message: message, OnlyFrom: from})
	if err != nil {
		s.logger.Error("mark pipeline failed", "pipeline_id", id, "error", err)
	}
}

func (s Service) publish(change store.Change, message string) {
	events.Publish(s.hub, events.FromChange(change, message)...)
}

// StatusCallback is the build system reporting overall progress.
type StatusCallback struct {
	PipelineID  string `json:"pipelineId"`
	BuildNumber int    `json:"buildNumber"`
	Status      string `json:"status"`
	Stage       string `json:"stage"`
	Message     string `json:"message"`
}

// UpdateStatus applies a status callback. The pipeline is located by id, else by
// build number.
func (s Service) UpdateStatus(ctx context.Context, cb StatusCallback) (domain.Pipeline, error) {
	status, ok := domain.ParsePipelineStatus(cb.Status)
	if !ok {
		return domain.Pipeline{}, fmt.Errorf("%w %q", ErrInvalidStatus, cb.Status)
	}
	target, err := s.locate(cb.PipelineID, cb.BuildNumber, false)
	if err != nil {
		return domain.Pipeline{}, err
	}
	update := store.StatusUpdate{Status: status, Stage: cb.Stage, Message: strings.TrimSpace(cb.Message)}
	if cb.BuildNumber > 0 {
		n := cb.BuildNumber
		update.BuildNumber = &n
	}
	p, change, err := s.store.SetStatus(target.ID, update)
	if err != nil {
		return domain.Pipeline{}, err
	}
	s.publish(change, "")
	if status.Terminal() && p.BuildNumber != nil && s.builds != nil {
		s.summarize(p.ID, *p.BuildNumber)
	}
	return p, nil
}

// summarize appends the build duration once the build system reports it.
func (s Service) summarize(id string, number int) {
	err := s.tasks.Submit("build-summary:"+id, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.TriggerTimeout)
		defer cancel()
		info, err := s.builds.BuildStatus(callCtx, number)
		if err != nil {
			s.logger.Warn("fetch build summary", "pipeline_id", id, "build_number", number, "error", err)
			return nil
		}
		if info.Building {
			return nil
		}
		message := fmt.Sprintf("Build #%d result %s in %s", number, info.Result, info.Duration.Round(time.Second))
		_, change, err := s.store.AppendLog(id, domain.LevelForStatus(info.Result), message, "")
		if err != nil {
			return err
		}
		s.publish(change, "")
		return nil
	})
	if err != nil {
		s.logger.Debug("build summary skipped", "pipeline_id", id, "error", err)
	}
}

// StageCallback is the build system reporting one stage.
type StageCallback struct {
	PipelineID  string     `json:"pipelineId"`
	BuildNumber int        `json:"buildNumber"`
	StageName   string     `json:"stageName"`
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// UpdateStage applies a stage callback. Without an id or build number the most
// recent active pipeline receives it.
func (s Service) UpdateStage(ctx context.Context, cb StageCallback) (domain.Stage, error) {
	status, ok := domain.ParseStageStatus(cb.Status)
	if !ok {
		return domain.Stage{}, fmt.Errorf("%w %q", ErrInvalidStatus, cb.Status)
	}
	target, err := s.locate(cb.PipelineID, cb.BuildNumber, true)
	if err != nil {
		return domain.Stage{}, err
	}
	stage, change, err := s.store.UpsertStage(target.ID, cb.StageName, status, cb.Timestamp)
	if err != nil {
		return domain.Stage{}, err
	}
	message := strings.TrimSpace(cb.Message)
	s.publish(change, message)
	if message == "" {
		message = fmt.Sprintf("Stage %s: %s", stage.Name, stage.Status)
	}
	_, logChange, err := s.store.AppendLog(target.ID, domain.LevelForStatus(string(status)), message, stage.Name)
	if err != nil {
		return stage, err
	}
	s.publish(logChange, "")
	return stage, nil
}

// LogInput is a free-form log line for a pipeline.
type LogInput struct {
	PipelineID string `json:"pipelineId"`
	Level      string `json:"level"`
	Message    string `json:"message"`
	Stage      string `json:"stage"`
}

// AppendLog stores and broadcasts one log line.
func (s Service) AppendLog(ctx context.Context, in LogInput) (domain.LogEntry, error) {
	entry, change, err := s.store.AppendLog(in.PipelineID, domain.ParseLogLevel(in.Level), in.Message, in.Stage)
	if err != nil {
		return domain.LogEntry{}, err
	}
	s.publish(change, "")
	return entry, nil
}

func (s Service) locate(id string, buildNumber int, fallbackActive bool) (domain.Pipeline, error) {
	id = strings.TrimSpace(id)
	if id != "" {
		return s.store.Get(id)
	}
	if buildNumber > 0 {
		p, err := s.store.FindByBuildNumber(buildNumber)
		if err == nil || !fallbackActive {
			return p, err
		}
	}
	if fallbackActive {
		p, err := s.store.LatestActive()
		if err != nil {
			return domain.Pipeline{}, ErrNoTarget
		}
		return p, nil
	}
	return domain.Pipeline{}, ErrNoTarget
}

// Get returns one pipeline.
func (s Service) Get(ctx context.Context, id string) (domain.Pipeline, error) {
	return s.store.Get(id)
}

// List returns recent pipelines, newest first.
func (s Service) List(ctx context.Context, limit int) []domain.Pipeline {
	return s.store.List(limit)
}

// Stats summarizes pipeline outcomes.
func (s Service) Stats(ctx context.Context) domain.Stats {
	return s.store.Stats()
}

// BuildStatus proxies a build lookup to the build system.
func (s Service) BuildStatus(ctx context.Context, number int) (domain.BuildInfo, error) {
	return s.builds.BuildStatus(ctx, number)
}
