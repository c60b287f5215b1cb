package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"

	"github.com/splax/autodeploy/internal/registry"
)

type fakeDaemon struct {
	images []image.Summary
	err    error
	filter string
}

func (f *fakeDaemon) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.45"}, f.err
}

func (f *fakeDaemon) ImageList(_ context.Context, opts image.ListOptions) ([]image.Summary, error) {
	values := opts.Filters.Get("reference")
	if len(values) > 0 {
		f.filter = values[0]
	}
	return f.images, f.err
}

func (f *fakeDaemon) Close() error { return nil }

func TestLocalListTags(t *testing.T) {
	d := &fakeDaemon{images: []image.Summary{
		{RepoTags: []string{"acme/app:v1", "other:v1"}, Created: 1714557600, Size: 10},
		{RepoTags: []string{"acme/app:v2"}, Created: 1717236000, Size: 20},
		{RepoTags: []string{"<none>:<none>"}, Created: 1717236000},
	}}
	l := &Local{inner: d}
	tags, err := l.ListTags(context.Background(), "acme/app:latest")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if d.filter != "acme/app" {
		t.Fatalf("unexpected filter %q", d.filter)
	}
	if len(tags) != 2 || tags[0].Name != "v2" || tags[1].SizeBytes != 10 {
		t.Fatalf("unexpected tags %+v", tags)
	}
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestLocalListTagsDaemonDown(t *testing.T) {
	l := &Local{inner: &fakeDaemon{err: errors.New("socket missing")}}
	if _, err := l.ListTags(context.Background(), "acme/app"); !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := l.Ping(context.Background()); !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ping unavailable, got %v", err)
	}
}
