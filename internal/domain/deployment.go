package domain

import "time"

// RolloutStatus is the state of a deployment rollout.
type RolloutStatus string

const (
	RolloutRolling RolloutStatus = "rolling"
	RolloutSuccess RolloutStatus = "success"
	RolloutFailed  RolloutStatus = "failed"
)

// DeploymentRecord is the result of applying image:tag to a workload.
type DeploymentRecord struct {
	ID         string        `json:"id"`
	PipelineID string        `json:"pipelineId,omitempty"`
	Workload   string        `json:"workload"`
	Namespace  string        `json:"namespace"`
	Image      string        `json:"image"`
	Tag        string        `json:"tag"`
	Replicas   int           `json:"replicas"`
	Status     RolloutStatus `json:"status"`
	Revision   int           `json:"revision"`
	DeployedAt time.Time     `json:"deployedAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// ImageRef renders image:tag.
func (d DeploymentRecord) ImageRef() string {
	if d.Tag == "" {
		return d.Image
	}
	return d.Image + ":" + d.Tag
}

// DeploymentEvent is a free-form report from the pipeline about deployment progress.
type DeploymentEvent struct {
	PipelineID string         `json:"pipelineId,omitempty"`
	EventType  string         `json:"eventType"`
	Status     string         `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Pod is a running workload instance.
type Pod struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Ready     bool      `json:"ready"`
	Restarts  int       `json:"restarts"`
	Image     string    `json:"image,omitempty"`
	Node      string    `json:"node,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// WorkloadCondition mirrors a cluster condition on a workload.
type WorkloadCondition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// WorkloadStatus is the cluster's view of a workload.
type WorkloadStatus struct {
	Name            string              `json:"name"`
	Namespace       string              `json:"namespace"`
	Image           string              `json:"image"`
	DesiredReplicas int                 `json:"desiredReplicas"`
	ReadyReplicas   int                 `json:"readyReplicas"`
	UpdatedReplicas int                 `json:"updatedReplicas"`
	Available       int                 `json:"availableReplicas"`
	Generation      int64               `json:"generation"`
	Conditions      []WorkloadCondition `json:"conditions,omitempty"`
}

// RolledOut reports whether every desired replica is updated and ready.
func (w WorkloadStatus) RolledOut() bool {
	return w.UpdatedReplicas >= w.DesiredReplicas && w.ReadyReplicas >= w.DesiredReplicas && w.Available >= w.DesiredReplicas
}

// Revision is one entry of a workload's cluster rollout history.
type Revision struct {
	Revision  int64     `json:"revision"`
	Image     string    `json:"image"`
	Replicas  int       `json:"replicas"`
	Ready     int       `json:"readyReplicas"`
	CreatedAt time.Time `json:"createdAt"`
}

// ImageTag is one tag listed by an image registry.
type ImageTag struct {
	Name      string    `json:"name"`
	PushedAt  time.Time `json:"pushedAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

// ClusterState is the last known picture of the deployed workload.
type ClusterState struct {
	Cluster        string             `json:"cluster"`
	Namespace      string             `json:"namespace"`
	Workload       string             `json:"workload"`
	CurrentVersion string             `json:"currentVersion,omitempty"`
	Pods           []Pod              `json:"pods"`
	RolloutHistory []DeploymentRecord `json:"rolloutHistory"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}
