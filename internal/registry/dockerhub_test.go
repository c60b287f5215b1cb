package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDockerHubListTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/repositories/acme/app/tags/" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("page_size") != "5" {
			t.Errorf("unexpected page size %q", r.URL.Query().Get("page_size"))
		}
		w.Write([]byte(`{"results":[
			{"name":"v1","last_updated":"2024-04-01T10:00:00Z","full_size":100},
			{"name":"v2","last_updated":"2024-05-01T10:00:00Z","full_size":200}
		]}`))
	}))
	defer srv.Close()

	hub := NewDockerHub(srv.URL, 5, nil)
	tags, err := hub.ListTags(context.Background(), "acme/app:latest")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if len(tags) != 2 || tags[0].Name != "v2" || tags[0].SizeBytes != 200 {
		t.Fatalf("unexpected tags %+v", tags)
	}
	if _, err := hub.ListTags(context.Background(), "acme/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDockerHubUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := NewDockerHub(srv.URL, 0, nil).ListTags(context.Background(), "nginx")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestSplitRepo(t *testing.T) {
	cases := map[string][2]string{
		"nginx":                 {"library", "nginx"},
		"acme/app":              {"acme", "app"},
		"docker.io/acme/app:v1": {"acme", "app"},
	}
	for in, want := range cases {
		ns, name, err := splitRepo(in)
		if err != nil || ns != want[0] || name != want[1] {
			t.Fatalf("splitRepo(%q) = %q %q %v", in, ns, name, err)
		}
	}
	if _, _, err := splitRepo(" "); err == nil {
		t.Fatalf("expected empty repo to fail")
	}
}
