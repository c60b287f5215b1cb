package domain

import "time"

// PipelineStatus is the lifecycle state of a pipeline execution.
type PipelineStatus string

const (
	StatusPending PipelineStatus = "pending"
	StatusQueued  PipelineStatus = "queued"
	StatusRunning PipelineStatus = "running"
	StatusSuccess PipelineStatus = "success"
	StatusFailure PipelineStatus = "failure"
	StatusAborted PipelineStatus = "aborted"
)

// Terminal reports whether the status ends the lifecycle.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted:
		return true
	}
	return false
}

// ParsePipelineStatus normalises external status strings. Build systems report
// "failed" and upper-case results; both map onto the canonical vocabulary.
func ParsePipelineStatus(raw string) (PipelineStatus, bool) {
	switch normalize(raw) {
	case "pending":
		return StatusPending, true
	case "queued":
		return StatusQueued, true
	case "running", "in_progress", "building":
		return StatusRunning, true
	case "success", "succeeded", "completed":
		return StatusSuccess, true
	case "failure", "failed", "error", "unstable":
		return StatusFailure, true
	case "aborted", "cancelled", "canceled":
		return StatusAborted, true
	}
	return "", false
}

// StageStatus is the state of one pipeline stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// ParseStageStatus normalises external stage status strings.
func ParseStageStatus(raw string) (StageStatus, bool) {
	switch normalize(raw) {
	case "pending":
		return StagePending, true
	case "running", "in_progress":
		return StageRunning, true
	case "success", "succeeded":
		return StageSuccess, true
	case "failed", "failure", "error":
		return StageFailed, true
	case "skipped", "not_executed":
		return StageSkipped, true
	}
	return "", false
}

// DefaultStages is the stage template every new pipeline starts with.
var DefaultStages = []string{"Checkout", "Test", "Build", "Push", "Deploy"}

// Stage is one named phase of a pipeline execution.
type Stage struct {
	Name      string      `json:"name"`
	Status    StageStatus `json:"status"`
	UpdatedAt *time.Time  `json:"updatedAt,omitempty"`
}

// TriggerParams are forwarded to the build system when a pipeline starts.
type TriggerParams struct {
	PipelineID       string `json:"pipelineId"`
	Environment      string `json:"environment"`
	SkipTests        bool   `json:"skipTests"`
	SkipSecurityScan bool   `json:"skipSecurityScan"`
	DeployTag        string `json:"deployTag,omitempty"`
	BackendURL       string `json:"backendUrl,omitempty"`
}

// Pipeline is one run of the delivery pipeline.
type Pipeline struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Branch       string            `json:"branch"`
	Environment  string            `json:"environment,omitempty"`
	Params       TriggerParams     `json:"params"`
	Status       PipelineStatus    `json:"status"`
	BuildNumber  *int              `json:"buildNumber"`
	QueueID      string            `json:"queueId,omitempty"`
	CurrentStage string            `json:"currentStage,omitempty"`
	Stages       []Stage           `json:"stages"`
	Logs         []LogEntry        `json:"logs"`
	Deployment   *DeploymentRecord `json:"deployment,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	CompletedAt  *time.Time        `json:"completedAt"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p Pipeline) Clone() Pipeline {
	out := p
	if p.BuildNumber != nil {
		n := *p.BuildNumber
		out.BuildNumber = &n
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	out.Stages = make([]Stage, len(p.Stages))
	for i, s := range p.Stages {
		if s.UpdatedAt != nil {
			t := *s.UpdatedAt
			s.UpdatedAt = &t
		}
		out.Stages[i] = s
	}
	out.Logs = append([]LogEntry(nil), p.Logs...)
	if out.Logs == nil {
		out.Logs = []LogEntry{}
	}
	if p.Deployment != nil {
		d := *p.Deployment
		out.Deployment = &d
	}
	return out
}

// Stage returns the named stage, if present.
func (p Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// BuildInfo is the build system's view of a concrete build.
type BuildInfo struct {
	Number   int           `json:"number"`
	Result   string        `json:"result"`
	Building bool          `json:"building"`
	Duration time.Duration `json:"duration"`
	URL      string        `json:"url,omitempty"`
}

// Stats summarises pipeline outcomes.
type Stats struct {
	Total         int        `json:"total"`
	Success       int        `json:"success"`
	Failed        int        `json:"failed"`
	Active        int        `json:"active"`
	SuccessRate   float64    `json:"successRate"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastVersion   string     `json:"lastVersion,omitempty"`
}
