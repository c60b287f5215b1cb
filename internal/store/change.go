package store

import (
	"time"

	"github.com/splax/autodeploy/internal/domain"
)

// ChangeKind names what a mutation touched.
type ChangeKind string

const (
	ChangeCreated    ChangeKind = "pipeline_created"
	ChangeStatus     ChangeKind = "pipeline_status"
	ChangeStage      ChangeKind = "stage_update"
	ChangeLog        ChangeKind = "log_entry"
	ChangeDeployment ChangeKind = "deployment_recorded"
	ChangeRollout    ChangeKind = "rollout_status"
	ChangePods       ChangeKind = "pods_update"
	ChangeEvent      ChangeKind = "deployment_event"
)

// Change describes one successful mutation. Callers forward it to observers.
// Every pointer field is a private copy.
type Change struct {
	Kind       ChangeKind
	PipelineID string
	At         time.Time
	Pipeline   *domain.Pipeline
	Previous   domain.PipelineStatus
	Stage      *domain.Stage
	Log        *domain.LogEntry
	Deployment *domain.DeploymentRecord
	Event      *domain.DeploymentEvent
	Pods       []domain.Pod
}
