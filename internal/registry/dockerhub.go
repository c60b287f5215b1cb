package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/autodeploy/internal/domain"
)

const (
	defaultHubURL   = "https://hub.docker.com"
	defaultPageSize = 25
	defaultTimeout  = 10 * time.Second
)

// DockerHub lists tags through the Docker Hub v2 repositories API.
type DockerHub struct {
	baseURL  string
	pageSize int
	client   *http.Client
}

// NewDockerHub builds a client. An empty baseURL targets hub.docker.com.
func NewDockerHub(baseURL string, pageSize int, client *http.Client) *DockerHub {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultHubURL
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &DockerHub{baseURL: base, pageSize: pageSize, client: client}
}

type hubTagsResponse struct {
	Results []struct {
		Name        string    `json:"name"`
		LastUpdated time.Time `json:"last_updated"`
		FullSize    int64     `json:"full_size"`
	} `json:"results"`
}

// ListTags returns the most recently updated tags of repo ("user/name" or an official "name").
func (d *DockerHub) ListTags(ctx context.Context, repo string) ([]domain.ImageTag, error) {
	namespace, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v2/repositories/%s/%s/tags/?page_size=%d&ordering=last_updated",
		d.baseURL, url.PathEscape(namespace), url.PathEscape(name), d.pageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, repo)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload hubTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode tags: %v", ErrUnavailable, err)
	}
	tags := make([]domain.ImageTag, 0, len(payload.Results))
	for _, r := range payload.Results {
		tags = append(tags, domain.ImageTag{Name: r.Name, PushedAt: r.LastUpdated.UTC(), SizeBytes: r.FullSize})
	}
	SortNewestFirst(tags)
	return tags, nil
}

func splitRepo(repo string) (string, string, error) {
	repo = strings.Trim(strings.TrimSpace(repo), "/")
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	if repo == "" {
		return "", "", errors.New("registry: repository name required")
	}
	parts := strings.Split(repo, "/")
	switch len(parts) {
	case 1:
		return "library", parts[0], nil
	case 2:
		return parts[0], parts[1], nil
	default:
		// registry host prefixes such as docker.io/user/name
		return parts[len(parts)-2], parts[len(parts)-1], nil
	}
}
