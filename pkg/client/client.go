package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/autodeploy/internal/domain"
)

// Client provides typed access to the autodeploy API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

func withLimit(path string, limit int) string {
	if limit > 0 {
		return fmt.Sprintf("%s?limit=%d", path, limit)
	}
	return path
}

// TriggerInput captures the payload for starting a pipeline run.
type TriggerInput struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	Branch           string `json:"branch,omitempty"`
	Environment      string `json:"environment,omitempty"`
	SkipTests        bool   `json:"skipTests,omitempty"`
	SkipSecurityScan bool   `json:"skipSecurityScan,omitempty"`
	DeployTag        string `json:"deployTag,omitempty"`
}

// TriggerPipeline starts a pipeline run. The returned pipeline is still pending.
func (c *Client) TriggerPipeline(ctx context.Context, input TriggerInput) (domain.Pipeline, error) {
	var p domain.Pipeline
	if err := c.do(ctx, http.MethodPost, "/api/pipelines", input, &p); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

// ListPipelines returns recent pipelines, newest first.
func (c *Client) ListPipelines(ctx context.Context, limit int) ([]domain.Pipeline, error) {
	var pipelines []domain.Pipeline
	if err := c.do(ctx, http.MethodGet, withLimit("/api/pipelines", limit), nil, &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}

// GetPipeline fetches one pipeline with its stages and logs.
func (c *Client) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	var p domain.Pipeline
	if err := c.do(ctx, http.MethodGet, "/api/pipelines/"+url.PathEscape(id), nil, &p); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

// Stats returns aggregate pipeline statistics.
func (c *Client) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return domain.Stats{}, err
	}
	return stats, nil
}

// DeployInput captures a manual deployment request.
type DeployInput struct {
	Workload   string `json:"workload,omitempty"`
	Namespace  string `json:"namespace,omitempty"`
	PipelineID string `json:"pipelineId,omitempty"`
	Image      string `json:"image,omitempty"`
	Tag        string `json:"tag"`
	Replicas   int    `json:"replicas,omitempty"`
}

type deploymentResponse struct {
	Status     string                  `json:"status"`
	Deployment domain.DeploymentRecord `json:"deployment"`
}

// Deploy requests a manual rollout of input.Tag.
func (c *Client) Deploy(ctx context.Context, input DeployInput) (domain.DeploymentRecord, error) {
	var resp deploymentResponse
	if err := c.do(ctx, http.MethodPost, "/api/deployments/manual", input, &resp); err != nil {
		return domain.DeploymentRecord{}, err
	}
	return resp.Deployment, nil
}

// Rollback returns the workload to its previous revision.
func (c *Client) Rollback(ctx context.Context, workload, namespace string) (domain.DeploymentRecord, error) {
	body := map[string]string{}
	if workload != "" {
		body["workload"] = workload
	}
	if namespace != "" {
		body["namespace"] = namespace
	}
	var resp deploymentResponse
	if err := c.do(ctx, http.MethodPost, "/api/deployments/rollback", body, &resp); err != nil {
		return domain.DeploymentRecord{}, err
	}
	return resp.Deployment, nil
}

// History lists recorded deployments of the default workload, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]domain.DeploymentRecord, error) {
	var records []domain.DeploymentRecord
	if err := c.do(ctx, http.MethodGet, withLimit("/api/deployments/history", limit), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ClusterState returns the cached cluster view.
func (c *Client) ClusterState(ctx context.Context) (domain.ClusterState, error) {
	var state domain.ClusterState
	if err := c.do(ctx, http.MethodGet, "/api/kubernetes/state", nil, &state); err != nil {
		return domain.ClusterState{}, err
	}
	return state, nil
}

// Images lists tags of the configured image repository.
func (c *Client) Images(ctx context.Context) ([]domain.ImageTag, error) {
	var resp struct {
		Images []domain.ImageTag `json:"images"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/images", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}
