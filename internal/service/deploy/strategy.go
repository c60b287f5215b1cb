package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/autodeploy/internal/cluster"
	"github.com/splax/autodeploy/internal/domain"
)

// Strategy applies rollouts to a cluster or pretends to.
type Strategy interface {
	Name() string
	// Live reports whether the strategy talks to a real orchestrator.
	Live() bool
	Rollout(ctx context.Context, rec domain.DeploymentRecord) ([]domain.Pod, error)
	Rollback(ctx context.Context, rec domain.DeploymentRecord) ([]domain.Pod, error)
	Pods(ctx context.Context, workload, namespace string) ([]domain.Pod, error)
}

// RealClusterStrategy drives an orchestrator through a cluster.Runner.
type RealClusterStrategy struct {
	runner  cluster.Runner
	timeout time.Duration
}

// NewRealCluster wraps runner. timeout bounds each rollout wait.
func NewRealCluster(runner cluster.Runner, timeout time.Duration) *RealClusterStrategy {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RealClusterStrategy{runner: runner, timeout: timeout}
}

func (r *RealClusterStrategy) Name() string { return "cluster" }

func (r *RealClusterStrategy) Live() bool { return true }

// Rollout sets the image, waits for the rollout and returns the resulting pods.
func (r *RealClusterStrategy) Rollout(ctx context.Context, rec domain.DeploymentRecord) ([]domain.Pod, error) {
	if err := r.runner.SetImage(ctx, cluster.SetImageRequest{
		Workload:  rec.Workload,
		Namespace: rec.Namespace,
		Image:     rec.ImageRef(),
		Replicas:  rec.Replicas,
	}); err != nil {
		return nil, err
	}
	if err := r.runner.WaitForRollout(ctx, rec.Workload, rec.Namespace, r.timeout); err != nil {
		return nil, err
	}
	return r.Pods(ctx, rec.Workload, rec.Namespace)
}

// Rollback reverts the workload to its previous revision.
func (r *RealClusterStrategy) Rollback(ctx context.Context, rec domain.DeploymentRecord) ([]domain.Pod, error) {
	if err := r.runner.RollbackToPrevious(ctx, rec.Workload, rec.Namespace); err != nil {
		return nil, err
	}
	if err := r.runner.WaitForRollout(ctx, rec.Workload, rec.Namespace, r.timeout); err != nil {
		return nil, err
	}
	return r.Pods(ctx, rec.Workload, rec.Namespace)
}

func (r *RealClusterStrategy) Pods(ctx context.Context, workload, namespace string) ([]domain.Pod, error) {
	return r.runner.Pods(ctx, namespace, cluster.AppSelector(workload))
}

// SimulatedStrategy fabricates healthy pods after a fixed delay.
type SimulatedStrategy struct {
	delay time.Duration
	now   func() time.Time

	mu   sync.Mutex
	pods map[string][]domain.Pod
}

// NewSimulated returns a strategy whose rollouts take delay.
func NewSimulated(delay time.Duration) *SimulatedStrategy {
	return &SimulatedStrategy{
		delay: delay,
		now:   func() time.Time { return time.Now().UTC() },
		pods:  make(map[string][]domain.Pod),
	}
}

func (s *SimulatedStrategy) Name() string { return "simulated" }

func (s *SimulatedStrategy) Live() bool { return false }

// Rollout waits for the configured delay and replaces the workload's pods.
func (s *SimulatedStrategy) Rollout(ctx context.Context, rec domain.DeploymentRecord) ([]domain.Pod, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	replicas := rec.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	started := s.now()
	pods := make([]domain.Pod, replicas)
	for i := range pods {
		pods[i] = domain.Pod{
			Name:      fmt.Sprintf("%s-%s", rec.Workload, strings.ReplaceAll(uuid.NewString()[:10], "-", "")),
			Status:    "Running",
			Ready:     true,
			Image:     rec.ImageRef(),
			Node:      "simulated",
			StartedAt: started,
		}
	}
	s.mu.Lock()
	s.pods[rec.Namespace+"/"+rec.Workload] = pods
	s.mu.Unlock()
	return append([]domain.Pod{}, pods...), nil
}

// Rollback behaves like a rollout of the record's image.
func (s *SimulatedStrategy) Rollback(ctx context.Context, rec domain.DeploymentRecord) ([]domain.Pod, error) {
	return s.Rollout(ctx, rec)
}

func (s *SimulatedStrategy) Pods(ctx context.Context, workload, namespace string) ([]domain.Pod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Pod{}, s.pods[namespace+"/"+workload]...), nil
}

func (s *SimulatedStrategy) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
