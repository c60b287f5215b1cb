// Package docker lists image tags known to a local Docker daemon.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/registry"
)

// daemon is the subset of the Docker SDK client used here.
type daemon interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	Close() error
}

// Local is a registry.Lister over images present on the daemon.
type Local struct {
	inner daemon
}

// New creates a client using environment defaults, optionally overriding the host.
func New(host string) (*Local, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Local{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (l *Local) Ping(ctx context.Context) error {
	if l == nil || l.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := l.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: docker ping: %v", registry.ErrUnavailable, err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("%w: docker ping returned empty API version", registry.ErrUnavailable)
	}
	return nil
}

// ListTags returns the tags of repo that exist locally.
func (l *Local) ListTags(ctx context.Context, repo string) ([]domain.ImageTag, error) {
	repo = strings.TrimSpace(repo)
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	summaries, err := l.inner.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", repo)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list images: %v", registry.ErrUnavailable, err)
	}
	var tags []domain.ImageTag
	for _, s := range summaries {
		for _, ref := range s.RepoTags {
			name, tag, ok := splitRef(ref)
			if !ok || name != repo {
				continue
			}
			tags = append(tags, domain.ImageTag{Name: tag, PushedAt: time.Unix(s.Created, 0).UTC(), SizeBytes: s.Size})
		}
	}
	registry.SortNewestFirst(tags)
	return tags, nil
}

// Close releases resources held by the Docker client.
func (l *Local) Close() error {
	if l.inner == nil {
		return nil
	}
	return l.inner.Close()
}

func splitRef(ref string) (string, string, bool) {
	i := strings.LastIndex(ref, ":")
	if i <= strings.LastIndex(ref, "/") || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}
