package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultReportTimeout = 5 * time.Second
	maxErrorBodySize     = 4096
)

// ErrInvalidArgument indicates the API rejected the callback payload.
var ErrInvalidArgument = errors.New("callback invalid argument")

// ErrNotFound indicates the API could not locate the referenced pipeline.
var ErrNotFound = errors.New("callback pipeline not found")

// Reporter posts build-side progress callbacks. It is what a Jenkins job runs
// between stages.
type Reporter struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewReporter creates a reporter using the provided API base URL.
func NewReporter(baseURL string, client *http.Client) (*Reporter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("callback base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultReportTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultReportTimeout
	}
	return &Reporter{baseURL: trimmed, client: client, now: time.Now}, nil
}

// StatusReport is a pipeline status callback. PipelineID or BuildNumber must be set.
type StatusReport struct {
	PipelineID  string
	BuildNumber int
	Status      string
	Stage       string
	Message     string
}

// StageReport is a stage transition callback.
type StageReport struct {
	PipelineID  string
	BuildNumber int
	Stage       string
	Status      string
	Message     string
}

// DeploymentEventReport is a deployment-side event.
type DeploymentEventReport struct {
	PipelineID string
	EventType  string
	Status     string
	Details    map[string]any
}

// Status reports a pipeline status transition.
func (r *Reporter) Status(ctx context.Context, rep StatusReport) error {
	if strings.TrimSpace(rep.PipelineID) == "" && rep.BuildNumber <= 0 {
		return errors.New("status callback requires pipeline id or build number")
	}
	if strings.TrimSpace(rep.Status) == "" {
		return errors.New("status callback requires status")
	}
	return r.post(ctx, "/api/jenkins/status", map[string]any{
		"pipelineId":  strings.TrimSpace(rep.PipelineID),
		"buildNumber": rep.BuildNumber,
		"status":      strings.TrimSpace(rep.Status),
		"stage":       strings.TrimSpace(rep.Stage),
		"message":     strings.TrimSpace(rep.Message),
	})
}

// Stage reports a stage transition. The server falls back to the most recent
// active pipeline when neither id nor build number is set.
func (r *Reporter) Stage(ctx context.Context, rep StageReport) error {
	if strings.TrimSpace(rep.Stage) == "" {
		return errors.New("stage callback requires stage name")
	}
	return r.post(ctx, "/api/jenkins/stage", map[string]any{
		"pipelineId":  strings.TrimSpace(rep.PipelineID),
		"buildNumber": rep.BuildNumber,
		"stageName":   strings.TrimSpace(rep.Stage),
		"status":      strings.TrimSpace(rep.Status),
		"message":     strings.TrimSpace(rep.Message),
		"timestamp":   r.now().UTC().Format(time.RFC3339Nano),
	})
}

// Log appends a log line to a pipeline.
func (r *Reporter) Log(ctx context.Context, pipelineID, level, stage, message string) error {
	if strings.TrimSpace(pipelineID) == "" {
		return errors.New("log callback requires pipeline id")
	}
	level = strings.TrimSpace(level)
	if level == "" {
		level = "info"
	}
	return r.post(ctx, "/api/jenkins/log", map[string]any{
		"pipelineId": strings.TrimSpace(pipelineID),
		"level":      level,
		"stage":      strings.TrimSpace(stage),
		"message":    message,
	})
}

// DeploymentEvent records a deployment-side event such as a finished push.
func (r *Reporter) DeploymentEvent(ctx context.Context, rep DeploymentEventReport) error {
	if strings.TrimSpace(rep.EventType) == "" {
		return errors.New("deployment event requires event type")
	}
	return r.post(ctx, "/api/deployments/events", map[string]any{
		"pipelineId": strings.TrimSpace(rep.PipelineID),
		"eventType":  strings.TrimSpace(rep.EventType),
		"status":     strings.TrimSpace(rep.Status),
		"details":    rep.Details,
	})
}

func (r *Reporter) post(ctx context.Context, path string, payload map[string]any) error {
	if r == nil {
		return errors.New("callback reporter not initialised")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send callback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := extractError(bytes.NewReader(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("callback request failed: %s", summary)
	}
}
