// Package store keeps the in-memory pipeline, stage and deployment records.
//
// All mutation goes through Store methods. Each pipeline has its own mutex so
// read-modify-write sequences on one pipeline are serialized while different
// pipelines proceed in parallel.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/autodeploy/internal/domain"
)

const (
	defaultMaxLogs      = 500
	defaultMaxPipelines = 200
	defaultMaxHistory   = 10
	defaultMaxEvents    = 100
)

// Options configures retention and injectable clocks.
type Options struct {
	MaxLogs      int
	MaxPipelines int
	MaxHistory   int
	MaxEvents    int
	Now          func() time.Time
	NewID        func() string
}

// Store is the canonical in-memory state for pipelines and deployments.
type Store struct {
	opts Options

	mu        sync.RWMutex
	pipelines map[string]*entry
	seq       uint64

	deployMu    sync.Mutex
	deployments map[workloadKey][]domain.DeploymentRecord
	revisions   map[workloadKey]int
	pods        map[workloadKey][]domain.Pod
	events      []domain.DeploymentEvent
}

type entry struct {
	mu  sync.Mutex
	seq uint64
	p   domain.Pipeline
}

type workloadKey struct {
	namespace string
	workload  string
}

func (k workloadKey) String() string {
	return k.namespace + "/" + k.workload
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = defaultMaxLogs
	}
	if opts.MaxPipelines <= 0 {
		opts.MaxPipelines = defaultMaxPipelines
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultMaxEvents
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString()[:12] }
	}
	return &Store{
		opts:        opts,
		pipelines:   make(map[string]*entry),
		deployments: make(map[workloadKey][]domain.DeploymentRecord),
		revisions:   make(map[workloadKey]int),
		pods:        make(map[workloadKey][]domain.Pod),
	}
}

// CreateInput describes a new pipeline execution. ID is optional.
type CreateInput struct {
	ID     string
	Name   string
	Branch string
	Params domain.TriggerParams
}

// Create allocates a pending pipeline with the default stage template.
func (s *Store) Create(in CreateInput) (domain.Pipeline, Change, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Pipeline{}, Change{}, fmt.Errorf("%w: pipeline name is required", ErrInvalidInput)
	}
	branch := strings.TrimSpace(in.Branch)
	if branch == "" {
		branch = "main"
	}
	now := s.opts.Now()

	s.mu.Lock()
	id := strings.TrimSpace(in.ID)
	if id != "" {
		if _, exists := s.pipelines[id]; exists {
			s.mu.Unlock()
			return domain.Pipeline{}, Change{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
	} else {
		for id == "" || s.pipelines[id] != nil {
			id = s.opts.NewID()
		}
	}
	params := in.Params
	params.PipelineID = id
	stages := make([]domain.Stage, len(domain.DefaultStages))
	for i, n := range domain.DefaultStages {
		stages[i] = domain.Stage{Name: n, Status: domain.StagePending}
	}
	s.seq++
	e := &entry{seq: s.seq, p: domain.Pipeline{
		ID:          id,
		Name:        name,
		Branch:      branch,
		Environment: params.Environment,
		Params:      params,
		Status:      domain.StatusPending,
		Stages:      stages,
		Logs:        []domain.LogEntry{},
		StartedAt:   now,
		UpdatedAt:   now,
	}}
	s.pipelines[id] = e
	s.evictLocked()
	snapshot := e.p.Clone()
	s.mu.Unlock()

	return snapshot, Change{Kind: ChangeCreated, PipelineID: id, At: now, Pipeline: ptr(snapshot.Clone())}, nil
}

// evictLocked drops the oldest pipelines beyond MaxPipelines. Caller holds s.mu.
func (s *Store) evictLocked() {
	excess := len(s.pipelines) - s.opts.MaxPipelines
	if excess <= 0 {
		return
	}
	entries := make([]*entry, 0, len(s.pipelines))
	for _, e := range s.pipelines {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries[:excess] {
		delete(s.pipelines, e.p.ID)
	}
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.pipelines[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, id)
	}
	return e, nil
}

// StatusUpdate carries a lifecycle transition and its optional attributes.
type StatusUpdate struct {
	Status      domain.PipelineStatus
	BuildNumber *int
	QueueID     string
	Stage       string
	Message     string
	// OnlyFrom, when set, limits the update to pipelines currently in one of
	// these statuses. Otherwise ErrStaleTransition is returned and nothing changes.
	OnlyFrom []domain.PipelineStatus
}

func (u StatusUpdate) allowedFrom(current domain.PipelineStatus) bool {
	if len(u.OnlyFrom) == 0 {
		return true
	}
	for _, st := range u.OnlyFrom {
		if st == current {
			return true
		}
	}
	return false
}

// SetStatus applies a status transition. Unconditional updates are not enforced
// to be monotonic; the last write wins. CompletedAt tracks whether the new status is terminal.
func (s *Store) SetStatus(id string, u StatusUpdate) (domain.Pipeline, Change, error) {
	if u.Status == "" {
		return domain.Pipeline{}, Change{}, fmt.Errorf("%w: status is required", ErrInvalidInput)
	}
	e, err := s.lookup(id)
	if err != nil {
		return domain.Pipeline{}, Change{}, err
	}
	now := s.opts.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	previous := e.p.Status
	if !u.allowedFrom(previous) {
		return e.p.Clone(), Change{}, fmt.Errorf("%w: %s is %s, not moving to %s", ErrStaleTransition, id, previous, u.Status)
	}
	e.p.Status = u.Status
	if u.BuildNumber != nil && *u.BuildNumber > 0 {
		n := *u.BuildNumber
		e.p.BuildNumber = &n
	}
	if u.QueueID != "" {
		e.p.QueueID = u.QueueID
	}
	if u.Stage != "" {
		e.p.CurrentStage = u.Stage
	}
	if u.Status.Terminal() {
		completed := now
		e.p.CompletedAt = &completed
	} else {
		e.p.CompletedAt = nil
	}
	e.p.UpdatedAt = now

	message := u.Message
	if message == "" {
		message = transitionMessage(e.p, previous)
	}
	log := domain.LogEntry{Timestamp: now, Level: domain.LevelForStatus(string(u.Status)), Message: message, Stage: u.Stage}
	s.appendLogLocked(e, log)

	snapshot := e.p.Clone()
	return snapshot, Change{
		Kind:       ChangeStatus,
		PipelineID: id,
		At:         now,
		Pipeline:   ptr(snapshot.Clone()),
		Previous:   previous,
		Log:        &log,
	}, nil
}

func transitionMessage(p domain.Pipeline, previous domain.PipelineStatus) string {
	switch {
	case p.Status == domain.StatusRunning && p.BuildNumber != nil:
		return fmt.Sprintf("Build #%d started", *p.BuildNumber)
	case p.Status == domain.StatusQueued:
		return "Waiting in build queue"
	case p.Status.Terminal() && p.BuildNumber != nil:
		return fmt.Sprintf("Pipeline %s build #%d finished: %s", p.Name, *p.BuildNumber, p.Status)
	case previous == "" || previous == p.Status:
		return fmt.Sprintf("Pipeline %s is %s", p.Name, p.Status)
	default:
		return fmt.Sprintf("Pipeline %s: %s -> %s", p.Name, previous, p.Status)
	}
}

// UpsertStage updates the named stage or appends it, and points CurrentStage at it.
func (s *Store) UpsertStage(id, name string, status domain.StageStatus, at *time.Time) (domain.Stage, Change, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Stage{}, Change{}, fmt.Errorf("%w: stage name is required", ErrInvalidInput)
	}
	e, err := s.lookup(id)
	if err != nil {
		return domain.Stage{}, Change{}, err
	}
	ts := s.opts.Now()
	if at != nil && !at.IsZero() {
		ts = at.UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	stage := domain.Stage{Name: name, Status: status, UpdatedAt: &ts}
	replaced := false
	for i := range e.p.Stages {
		if e.p.Stages[i].Name == name {
			e.p.Stages[i] = stage
			replaced = true
			break
		}
	}
	if !replaced {
		e.p.Stages = append(e.p.Stages, stage)
	}
	e.p.CurrentStage = name
	e.p.UpdatedAt = s.opts.Now()

	out := stage
	updated := ts
	out.UpdatedAt = &updated
	snapshot := e.p.Clone()
	return out, Change{Kind: ChangeStage, PipelineID: id, At: ts, Pipeline: &snapshot, Stage: &stage}, nil
}

// AppendLog attaches a log line, dropping the oldest beyond MaxLogs.
func (s *Store) AppendLog(id string, level domain.LogLevel, message, stage string) (domain.LogEntry, Change, error) {
	if strings.TrimSpace(message) == "" {
		return domain.LogEntry{}, Change{}, fmt.Errorf("%w: log message is required", ErrInvalidInput)
	}
	e, err := s.lookup(id)
	if err != nil {
		return domain.LogEntry{}, Change{}, err
	}
	if level == "" {
		level = domain.LevelInfo
	}
	now := s.opts.Now()
	log := domain.LogEntry{Timestamp: now, Level: level, Message: message, Stage: stage}

	e.mu.Lock()
	s.appendLogLocked(e, log)
	e.p.UpdatedAt = now
	e.mu.Unlock()

	l := log
	return log, Change{Kind: ChangeLog, PipelineID: id, At: now, Log: &l}, nil
}

func (s *Store) appendLogLocked(e *entry, log domain.LogEntry) {
	e.p.Logs = append(e.p.Logs, log)
	if over := len(e.p.Logs) - s.opts.MaxLogs; over > 0 {
		e.p.Logs = append([]domain.LogEntry(nil), e.p.Logs[over:]...)
	}
}

// Get returns a copy of one pipeline.
func (s *Store) Get(id string) (domain.Pipeline, error) {
	e, err := s.lookup(id)
	if err != nil {
		return domain.Pipeline{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone(), nil
}

// List returns up to limit pipelines, most recently started first. limit <= 0 returns all.
func (s *Store) List(limit int) []domain.Pipeline {
	entries := s.sortedEntries()
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]domain.Pipeline, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.p.Clone())
		e.mu.Unlock()
	}
	return out
}

func (s *Store) sortedEntries() []*entry {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.pipelines))
	for _, e := range s.pipelines {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	// StartedAt never changes after creation, so reading it without e.mu is safe.
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.p.StartedAt.Equal(b.p.StartedAt) {
			return a.p.StartedAt.After(b.p.StartedAt)
		}
		return a.seq > b.seq
	})
	return entries
}

// FindByBuildNumber returns the most recent pipeline resolved to build n.
func (s *Store) FindByBuildNumber(n int) (domain.Pipeline, error) {
	for _, e := range s.sortedEntries() {
		e.mu.Lock()
		match := e.p.BuildNumber != nil && *e.p.BuildNumber == n
		var p domain.Pipeline
		if match {
			p = e.p.Clone()
		}
		e.mu.Unlock()
		if match {
			return p, nil
		}
	}
	return domain.Pipeline{}, fmt.Errorf("%w: build #%d", ErrNotFound, n)
}

// LatestActive returns the most recently started pipeline that is queued or running.
func (s *Store) LatestActive() (domain.Pipeline, error) {
	for _, e := range s.sortedEntries() {
		e.mu.Lock()
		status := e.p.Status
		var p domain.Pipeline
		if status == domain.StatusRunning || status == domain.StatusQueued {
			p = e.p.Clone()
		}
		e.mu.Unlock()
		if p.ID != "" {
			return p, nil
		}
	}
	return domain.Pipeline{}, fmt.Errorf("%w: no active pipeline", ErrNotFound)
}

// Stats summarises pipeline outcomes across retained pipelines.
func (s *Store) Stats() domain.Stats {
	var st domain.Stats
	var lastSuccess *domain.Pipeline
	for _, p := range s.List(0) {
		st.Total++
		switch p.Status {
		case domain.StatusSuccess:
			st.Success++
			if p.CompletedAt != nil && (lastSuccess == nil || p.CompletedAt.After(*lastSuccess.CompletedAt)) {
				cp := p
				lastSuccess = &cp
			}
		case domain.StatusFailure:
			st.Failed++
		case domain.StatusPending, domain.StatusQueued, domain.StatusRunning:
			st.Active++
		}
	}
	st.SuccessRate = 100
	if finished := st.Success + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Success) * 100 / float64(finished)
	}
	if lastSuccess != nil {
		at := *lastSuccess.CompletedAt
		st.LastSuccessAt = &at
		if lastSuccess.BuildNumber != nil {
			st.LastVersion = fmt.Sprintf("v%d", *lastSuccess.BuildNumber)
		}
	}
	return st
}

func ptr[T any](v T) *T {
	return &v
}
