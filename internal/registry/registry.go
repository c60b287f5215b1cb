// Package registry lists the image tags available for deployment.
package registry

import (
	"context"
	"errors"
	"sort"

	"github.com/splax/autodeploy/internal/domain"
)

var (
	// ErrUnavailable indicates the registry could not be reached or failed.
	ErrUnavailable = errors.New("registry unavailable")
	// ErrNotFound indicates the repository does not exist.
	ErrNotFound = errors.New("registry repository not found")
)

// Lister is implemented by every registry backend.
type Lister interface {
	ListTags(ctx context.Context, repo string) ([]domain.ImageTag, error)
}

// SortNewestFirst orders tags by push time, newest first, then by name.
func SortNewestFirst(tags []domain.ImageTag) {
	sort.SliceStable(tags, func(i, j int) bool {
		if !tags[i].PushedAt.Equal(tags[j].PushedAt) {
			return tags[i].PushedAt.After(tags[j].PushedAt)
		}
		return tags[i].Name < tags[j].Name
	})
}
