// Package events turns store changes into the envelopes observers receive.
package events

import (
	"time"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/store"
)

// Broadcaster delivers envelopes to every observer.
type Broadcaster interface {
	Broadcast(env domain.Envelope)
}

// PipelineStatus is the payload of pipeline_status.
type PipelineStatus struct {
	PipelineID     string                `json:"pipelineId"`
	Name           string                `json:"name"`
	Status         domain.PipelineStatus `json:"status"`
	PreviousStatus domain.PipelineStatus `json:"previousStatus,omitempty"`
	BuildNumber    *int                  `json:"buildNumber"`
	QueueID        string                `json:"queueId,omitempty"`
	Stage          string                `json:"stage,omitempty"`
	Message        string                `json:"message,omitempty"`
	CompletedAt    *time.Time            `json:"completedAt"`
}

// StageUpdate is the payload of stage_update.
type StageUpdate struct {
	PipelineID string             `json:"pipelineId"`
	StageName  string             `json:"stageName"`
	Status     domain.StageStatus `json:"status"`
	Message    string             `json:"message,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// LogEntry is the payload of log_entry.
type LogEntry struct {
	PipelineID string          `json:"pipelineId"`
	Timestamp  time.Time       `json:"timestamp"`
	Level      domain.LogLevel `json:"level"`
	Message    string          `json:"message"`
	Stage      string          `json:"stage,omitempty"`
}

// Deployment is the payload of manual_deployment, deployment_complete and rollback.
type Deployment struct {
	Deployment domain.DeploymentRecord `json:"deployment"`
	Status     domain.RolloutStatus    `json:"status"`
	Message    string                  `json:"message,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Strategy   string                  `json:"strategy,omitempty"`
	Pods       []domain.Pod            `json:"pods,omitempty"`
	Kubernetes domain.ClusterState     `json:"kubernetes"`
}

// DeploymentEvent is the payload of deployment_event. Kubernetes is set when the
// event recorded a new revision.
type DeploymentEvent struct {
	domain.DeploymentEvent
	Kubernetes *domain.ClusterState `json:"kubernetes,omitempty"`
}

// Pods is the payload of pods_update.
type Pods struct {
	Workload  string       `json:"workload"`
	Namespace string       `json:"namespace"`
	Pods      []domain.Pod `json:"pods"`
}

// FromChange renders the envelopes a store change produces, in delivery order.
func FromChange(c store.Change, message string) []domain.Envelope {
	var out []domain.Envelope
	switch c.Kind {
	case store.ChangeCreated:
		if c.Pipeline != nil {
			out = append(out, stamp(domain.EventPipelineTriggered, c.At, map[string]any{
				"pipelineId": c.PipelineID,
				"pipeline":   c.Pipeline,
				"status":     c.Pipeline.Status,
				"message":    message,
			}))
		}
	case store.ChangeStatus:
		if c.Pipeline != nil {
			msg := message
			if msg == "" && c.Log != nil {
				msg = c.Log.Message
			}
			out = append(out, stamp(domain.EventPipelineStatus, c.At, PipelineStatus{
				PipelineID:     c.PipelineID,
				Name:           c.Pipeline.Name,
				Status:         c.Pipeline.Status,
				PreviousStatus: c.Previous,
				BuildNumber:    c.Pipeline.BuildNumber,
				QueueID:        c.Pipeline.QueueID,
				Stage:          c.Pipeline.CurrentStage,
				Message:        msg,
				CompletedAt:    c.Pipeline.CompletedAt,
			}))
		}
		if c.Log != nil {
			out = append(out, Log(c.PipelineID, *c.Log))
		}
	case store.ChangeStage:
		if c.Stage != nil {
			ts := c.At
			if c.Stage.UpdatedAt != nil {
				ts = *c.Stage.UpdatedAt
			}
			out = append(out, stamp(domain.EventStageUpdate, c.At, StageUpdate{
				PipelineID: c.PipelineID,
				StageName:  c.Stage.Name,
				Status:     c.Stage.Status,
				Message:    message,
				Timestamp:  ts,
			}))
		}
	case store.ChangeLog:
		if c.Log != nil {
			out = append(out, Log(c.PipelineID, *c.Log))
		}
	case store.ChangeEvent:
		if c.Event != nil {
			out = append(out, DeploymentEventEnvelope(*c.Event, nil))
		}
	case store.ChangePods:
		// pods_update needs workload coordinates the change does not carry; see PodsUpdate.
	}
	return out
}

// Log renders a log_entry envelope.
func Log(pipelineID string, entry domain.LogEntry) domain.Envelope {
	return stamp(domain.EventLogEntry, entry.Timestamp, LogEntry{
		PipelineID: pipelineID,
		Timestamp:  entry.Timestamp,
		Level:      entry.Level,
		Message:    entry.Message,
		Stage:      entry.Stage,
	})
}

// PodsUpdate renders a pods_update envelope.
func PodsUpdate(workload, namespace string, pods []domain.Pod) domain.Envelope {
	if pods == nil {
		pods = []domain.Pod{}
	}
	return domain.NewEnvelope(domain.EventPodsUpdate, Pods{Workload: workload, Namespace: namespace, Pods: pods})
}

// DeploymentEnvelope renders one of the deployment lifecycle envelopes.
func DeploymentEnvelope(t domain.EventType, payload Deployment) domain.Envelope {
	if payload.Status == "" {
		payload.Status = payload.Deployment.Status
	}
	return domain.NewEnvelope(t, payload)
}

// DeploymentEventEnvelope renders a deployment_event envelope.
func DeploymentEventEnvelope(ev domain.DeploymentEvent, state *domain.ClusterState) domain.Envelope {
	return stamp(domain.EventDeployment, ev.Timestamp, DeploymentEvent{DeploymentEvent: ev, Kubernetes: state})
}

// Publish broadcasts every envelope in order. A nil broadcaster drops them.
func Publish(b Broadcaster, envs ...domain.Envelope) {
	if b == nil {
		return
	}
	for _, env := range envs {
		b.Broadcast(env)
	}
}

func stamp(t domain.EventType, at time.Time, data any) domain.Envelope {
	if at.IsZero() {
		return domain.NewEnvelope(t, data)
	}
	return domain.Envelope{Type: t, Timestamp: at.UTC(), Data: data}
}
