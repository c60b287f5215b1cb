// Package cluster defines how deployments reach the orchestrator and ships a
// kubectl-backed implementation. A client-go implementation lives in the
// kubernetes subpackage.
package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/splax/autodeploy/internal/domain"
)

var (
	// ErrCommandFailed wraps a failed orchestrator call; the message carries upstream output.
	ErrCommandFailed = errors.New("cluster command failed")
	// ErrNotFound indicates the workload or pod does not exist.
	ErrNotFound = errors.New("cluster resource not found")
	// ErrNoPreviousRevision is returned by rollback when there is nothing to roll back to.
	ErrNoPreviousRevision = errors.New("cluster: no previous revision")
	// ErrRolloutTimeout is returned when a rollout does not finish in time.
	ErrRolloutTimeout = errors.New("cluster: rollout timed out")
)

// SetImageRequest points a workload at a new image, creating it when absent.
type SetImageRequest struct {
	Workload  string
	Namespace string
	Image     string
	// Replicas is applied on create and, when positive, on update.
	Replicas int
}

// Runner is the orchestrator surface used by deployment strategies.
type Runner interface {
	SetImage(ctx context.Context, req SetImageRequest) error
	Pods(ctx context.Context, namespace, selector string) ([]domain.Pod, error)
	WorkloadStatus(ctx context.Context, workload, namespace string) (domain.WorkloadStatus, error)
	RolloutHistory(ctx context.Context, workload, namespace string) ([]domain.Revision, error)
	RollbackToPrevious(ctx context.Context, workload, namespace string) error
	WaitForRollout(ctx context.Context, workload, namespace string, timeout time.Duration) error
	PodLogs(ctx context.Context, pod, namespace string, tail int) (string, error)
}

// AppSelector is the label selector used for a workload's pods.
func AppSelector(workload string) string {
	return "app=" + workload
}
