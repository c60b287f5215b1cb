package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/splax/autodeploy/internal/domain"
)

// DeploymentInput describes an image rollout to record.
type DeploymentInput struct {
	PipelineID string
	Workload   string
	Namespace  string
	Image      string
	Tag        string
	Replicas   int
	Status     domain.RolloutStatus
}

// RecordDeployment stores a new revision for (workload, namespace) at the head of
// its history and, when PipelineID is set, attaches it to that pipeline.
func (s *Store) RecordDeployment(in DeploymentInput) (domain.DeploymentRecord, Change, error) {
	if strings.TrimSpace(in.Workload) == "" || strings.TrimSpace(in.Image) == "" {
		return domain.DeploymentRecord{}, Change{}, fmt.Errorf("%w: workload and image are required", ErrInvalidInput)
	}
	if in.Namespace == "" {
		in.Namespace = "default"
	}
	if in.Replicas <= 0 {
		in.Replicas = 1
	}
	if in.Status == "" {
		in.Status = domain.RolloutRolling
	}
	var pipeline *entry
	if in.PipelineID != "" {
		e, err := s.lookup(in.PipelineID)
		if err != nil {
			return domain.DeploymentRecord{}, Change{}, err
		}
		pipeline = e
	}
	now := s.opts.Now()
	key := workloadKey{namespace: in.Namespace, workload: in.Workload}

	s.deployMu.Lock()
	s.revisions[key]++
	rec := domain.DeploymentRecord{
		ID:         uuid.NewString(),
		PipelineID: in.PipelineID,
		Workload:   in.Workload,
		Namespace:  in.Namespace,
		Image:      in.Image,
		Tag:        in.Tag,
		Replicas:   in.Replicas,
		Status:     in.Status,
		Revision:   s.revisions[key],
		DeployedAt: now,
		UpdatedAt:  now,
	}
	history := append([]domain.DeploymentRecord{rec}, s.deployments[key]...)
	if len(history) > s.opts.MaxHistory {
		history = history[:s.opts.MaxHistory]
	}
	s.deployments[key] = history
	s.deployMu.Unlock()

	if pipeline != nil {
		pipeline.mu.Lock()
		attached := rec
		pipeline.p.Deployment = &attached
		pipeline.p.UpdatedAt = now
		pipeline.mu.Unlock()
	}
	out := rec
	return rec, Change{Kind: ChangeDeployment, PipelineID: in.PipelineID, At: now, Deployment: &out}, nil
}

// SetRolloutStatus updates the status of an existing revision in place.
func (s *Store) SetRolloutStatus(workload, namespace string, revision int, status domain.RolloutStatus) (domain.DeploymentRecord, Change, error) {
	key := workloadKey{namespace: namespace, workload: workload}
	now := s.opts.Now()

	s.deployMu.Lock()
	var rec domain.DeploymentRecord
	found := false
	for i := range s.deployments[key] {
		if s.deployments[key][i].Revision == revision {
			s.deployments[key][i].Status = status
			s.deployments[key][i].UpdatedAt = now
			rec = s.deployments[key][i]
			found = true
			break
		}
	}
	s.deployMu.Unlock()
	if !found {
		return domain.DeploymentRecord{}, Change{}, fmt.Errorf("%w: %s revision %d", ErrNotFound, key, revision)
	}

	if rec.PipelineID != "" {
		if e, err := s.lookup(rec.PipelineID); err == nil {
			e.mu.Lock()
			if e.p.Deployment != nil && e.p.Deployment.ID == rec.ID {
				attached := rec
				e.p.Deployment = &attached
			}
			e.mu.Unlock()
		}
	}
	out := rec
	return rec, Change{Kind: ChangeRollout, PipelineID: rec.PipelineID, At: now, Deployment: &out}, nil
}

// History returns revisions for (workload, namespace), newest first.
func (s *Store) History(workload, namespace string, limit int) []domain.DeploymentRecord {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()
	history := s.deployments[workloadKey{namespace: namespace, workload: workload}]
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return append([]domain.DeploymentRecord{}, history...)
}

// Latest returns the head revision for (workload, namespace).
func (s *Store) Latest(workload, namespace string) (domain.DeploymentRecord, error) {
	history := s.History(workload, namespace, 1)
	if len(history) == 0 {
		return domain.DeploymentRecord{}, fmt.Errorf("%w: no deployments for %s/%s", ErrNotFound, namespace, workload)
	}
	return history[0], nil
}

// RecordEvent retains a deployment event, dropping the oldest beyond MaxEvents.
func (s *Store) RecordEvent(ev domain.DeploymentEvent) (domain.DeploymentEvent, Change) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.opts.Now()
	}
	s.deployMu.Lock()
	s.events = append(s.events, ev)
	if over := len(s.events) - s.opts.MaxEvents; over > 0 {
		s.events = append([]domain.DeploymentEvent(nil), s.events[over:]...)
	}
	s.deployMu.Unlock()
	out := ev
	return ev, Change{Kind: ChangeEvent, PipelineID: ev.PipelineID, At: ev.Timestamp, Event: &out}
}

// Events returns up to limit retained events, newest last.
func (s *Store) Events(limit int) []domain.DeploymentEvent {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()
	events := s.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]domain.DeploymentEvent{}, events...)
}

// SetPods replaces the known pod snapshot for (workload, namespace).
func (s *Store) SetPods(workload, namespace string, pods []domain.Pod) Change {
	copied := append([]domain.Pod{}, pods...)
	s.deployMu.Lock()
	s.pods[workloadKey{namespace: namespace, workload: workload}] = copied
	s.deployMu.Unlock()
	return Change{Kind: ChangePods, At: s.opts.Now(), Pods: append([]domain.Pod{}, copied...)}
}

// Pods returns the last pod snapshot for (workload, namespace).
func (s *Store) Pods(workload, namespace string) []domain.Pod {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()
	return append([]domain.Pod{}, s.pods[workloadKey{namespace: namespace, workload: workload}]...)
}
