package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/splax/autodeploy/internal/domain"
)

// WorkloadSnapshot is the persisted state of one (namespace, workload) pair.
type WorkloadSnapshot struct {
	Namespace string                    `json:"namespace"`
	Workload  string                    `json:"workload"`
	Revision  int                       `json:"revision"`
	History   []domain.DeploymentRecord `json:"history"`
	Pods      []domain.Pod              `json:"pods,omitempty"`
}

// Snapshot is a point-in-time copy of the whole store.
type Snapshot struct {
	TakenAt   time.Time                `json:"takenAt"`
	Pipelines []domain.Pipeline        `json:"pipelines"`
	Workloads []WorkloadSnapshot       `json:"workloads"`
	Events    []domain.DeploymentEvent `json:"events"`
}

// Snapshot copies every record. Pipelines are ordered oldest first so Restore
// reproduces the original insertion order.
func (s *Store) Snapshot() Snapshot {
	pipelines := s.List(0)
	for i, j := 0, len(pipelines)-1; i < j; i, j = i+1, j-1 {
		pipelines[i], pipelines[j] = pipelines[j], pipelines[i]
	}

	s.deployMu.Lock()
	keys := make(map[workloadKey]struct{})
	for k := range s.revisions {
		keys[k] = struct{}{}
	}
	for k := range s.pods {
		keys[k] = struct{}{}
	}
	workloads := make([]WorkloadSnapshot, 0, len(keys))
	for k := range keys {
		workloads = append(workloads, WorkloadSnapshot{
			Namespace: k.namespace,
			Workload:  k.workload,
			Revision:  s.revisions[k],
			History:   append([]domain.DeploymentRecord{}, s.deployments[k]...),
			Pods:      append([]domain.Pod(nil), s.pods[k]...),
		})
	}
	events := append([]domain.DeploymentEvent{}, s.events...)
	s.deployMu.Unlock()

	sort.Slice(workloads, func(i, j int) bool {
		return workloads[i].Namespace+"/"+workloads[i].Workload < workloads[j].Namespace+"/"+workloads[j].Workload
	})
	return Snapshot{TakenAt: s.opts.Now(), Pipelines: pipelines, Workloads: workloads, Events: events}
}

// Restore replaces the store content with snap. It is meant for boot time,
// before any request is served.
func (s *Store) Restore(snap Snapshot) error {
	pipelines := make(map[string]*entry, len(snap.Pipelines))
	var seq uint64
	for _, p := range snap.Pipelines {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%w: snapshot pipeline without id", ErrInvalidInput)
		}
		if _, dup := pipelines[p.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
		}
		seq++
		pipelines[p.ID] = &entry{seq: seq, p: p.Clone()}
	}
	deployments := make(map[workloadKey][]domain.DeploymentRecord)
	revisions := make(map[workloadKey]int)
	pods := make(map[workloadKey][]domain.Pod)
	for _, w := range snap.Workloads {
		k := workloadKey{namespace: w.Namespace, workload: w.Workload}
		revisions[k] = w.Revision
		for _, rec := range w.History {
			if rec.Revision > revisions[k] {
				revisions[k] = rec.Revision
			}
		}
		deployments[k] = append([]domain.DeploymentRecord{}, w.History...)
		if len(w.Pods) > 0 {
			pods[k] = append([]domain.Pod{}, w.Pods...)
		}
	}

	s.mu.Lock()
	s.pipelines = pipelines
	s.seq = seq
	s.evictLocked()
	s.mu.Unlock()

	s.deployMu.Lock()
	s.deployments = deployments
	s.revisions = revisions
	s.pods = pods
	s.events = append([]domain.DeploymentEvent{}, snap.Events...)
	s.deployMu.Unlock()
	return nil
}
