// Package jenkins talks to the Jenkins remote access API: it triggers
// parameterised builds, follows queue items and reads build results.
package jenkins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/queue"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
)

var (
	// ErrUnavailable wraps transport failures and 5xx responses.
	ErrUnavailable = errors.New("jenkins unavailable")
	// ErrUnauthorized indicates rejected credentials.
	ErrUnauthorized = errors.New("jenkins unauthorized")
	// ErrNotFound indicates an unknown job, queue item or build.
	ErrNotFound = errors.New("jenkins resource not found")
	// ErrInvalidResponse indicates a payload or header that could not be interpreted.
	ErrInvalidResponse = errors.New("jenkins invalid response")
)

// Config holds connection details for one Jenkins job.
type Config struct {
	BaseURL  string
	Username string
	Token    string
	Job      string
	Timeout  time.Duration
}

// Client is a BuildSystem backed by Jenkins.
type Client struct {
	baseURL string
	user    string
	token   string
	job     string
	client  *http.Client
}

// New validates cfg and builds a client. A nil httpClient gets cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("jenkins base url required")
	}
	job := strings.Trim(strings.TrimSpace(cfg.Job), "/")
	if job == "" {
		return nil, errors.New("jenkins job name required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	} else if httpClient.Timeout == 0 {
		httpClient.Timeout = timeout
	}
	return &Client{baseURL: base, user: cfg.Username, token: cfg.Token, job: job, client: httpClient}, nil
}

// Trigger starts a parameterised build and returns its queue item id.
func (c *Client) Trigger(ctx context.Context, params domain.TriggerParams) (string, error) {
	query := url.Values{}
	query.Set("PIPELINE_ID", params.PipelineID)
	query.Set("ENVIRONMENT", params.Environment)
	query.Set("SKIP_TESTS", strconv.FormatBool(params.SkipTests))
	query.Set("SKIP_SECURITY_SCAN", strconv.FormatBool(params.SkipSecurityScan))
	query.Set("DEPLOY_TAG", params.DeployTag)
	query.Set("BACKEND_URL", params.BackendURL)

	endpoint := fmt.Sprintf("%s/%s/buildWithParameters?%s", c.baseURL, c.jobPath(), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build trigger request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", errorForStatus(resp)
	}
	queueID, err := QueueIDFromLocation(resp.Header.Get("Location"))
	if err != nil {
		return "", err
	}
	return queueID, nil
}

// QueueIDFromLocation extracts 123 from ".../queue/item/123/".
func QueueIDFromLocation(location string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(location), "/")
	idx := strings.LastIndex(trimmed, "/")
	if trimmed == "" || idx < 0 {
		return "", fmt.Errorf("%w: missing queue location %q", ErrInvalidResponse, location)
	}
	id := trimmed[idx+1:]
	if _, err := strconv.Atoi(id); err != nil {
		return "", fmt.Errorf("%w: queue location %q", ErrInvalidResponse, location)
	}
	return id, nil
}

type queueItem struct {
	Cancelled  bool   `json:"cancelled"`
	Why        string `json:"why"`
	Executable *struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
	} `json:"executable"`
}

// PollTicket reports whether the queue item has been assigned a build number.
func (c *Client) PollTicket(ctx context.Context, ticket string) (int, bool, error) {
	var item queueItem
	if err := c.getJSON(ctx, fmt.Sprintf("%s/queue/item/%s/api/json", c.baseURL, url.PathEscape(ticket)), &item); err != nil {
		return 0, false, err
	}
	if item.Cancelled {
		return 0, false, fmt.Errorf("%w: queue item %s", queue.ErrCancelled, ticket)
	}
	if item.Executable == nil || item.Executable.Number <= 0 {
		return 0, false, nil
	}
	return item.Executable.Number, true, nil
}

type buildResponse struct {
	Number   int    `json:"number"`
	Result   string `json:"result"`
	Building bool   `json:"building"`
	Duration int64  `json:"duration"`
	URL      string `json:"url"`
}

// BuildStatus reads the result and duration of a build. A running build reports IN_PROGRESS.
func (c *Client) BuildStatus(ctx context.Context, buildNumber int) (domain.BuildInfo, error) {
	var build buildResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%s/%d/api/json", c.baseURL, c.jobPath(), buildNumber), &build); err != nil {
		return domain.BuildInfo{}, err
	}
	result := build.Result
	if result == "" {
		result = "IN_PROGRESS"
	}
	return domain.BuildInfo{
		Number:   buildNumber,
		Result:   result,
		Building: build.Building,
		Duration: time.Duration(build.Duration) * time.Millisecond,
		URL:      build.URL,
	}, nil
}

// jobPath renders folder/job as job/folder/job/job.
func (c *Client) jobPath() string {
	parts := strings.Split(c.job, "/")
	segments := make([]string, 0, len(parts)*2)
	for _, p := range parts {
		segments = append(segments, "job", url.PathEscape(p))
	}
	return strings.Join(segments, "/")
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build jenkins request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errorForStatus(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.user != "" || c.token != "" {
		req.SetBasicAuth(c.user, c.token)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUnavailable, summary)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", ErrInvalidResponse, resp.StatusCode, summary)
	}
}
