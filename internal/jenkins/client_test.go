package jenkins

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/queue"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Username: "admin", Token: "secret", Job: "autodeploy-pipeline"}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestTriggerSendsParametersAndParsesQueueID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/job/autodeploy-pipeline/buildWithParameters" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		q := r.URL.Query()
		if q.Get("PIPELINE_ID") != "abc123" || q.Get("SKIP_TESTS") != "true" || q.Get("ENVIRONMENT") != "staging" {
			t.Errorf("unexpected params %v", q)
		}
		w.Header().Set("Location", "http://jenkins/queue/item/321/")
		w.WriteHeader(http.StatusCreated)
	})
	id, err := c.Trigger(context.Background(), domain.TriggerParams{PipelineID: "abc123", Environment: "staging", SkipTests: true})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if id != "321" {
		t.Fatalf("expected queue id 321, got %q", id)
	}
}

func TestTriggerMapsErrors(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:        ErrUnauthorized,
		http.StatusNotFound:            ErrNotFound,
		http.StatusBadGateway:          ErrUnavailable,
		http.StatusUnprocessableEntity: ErrInvalidResponse,
	}
	for status, want := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream says no", status)
		})
		_, err := c.Trigger(context.Background(), domain.TriggerParams{PipelineID: "p"})
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", status, want, err)
		}
	}
}

func TestTriggerWithoutLocationIsInvalid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	if _, err := c.Trigger(context.Background(), domain.TriggerParams{}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestQueueIDFromLocation(t *testing.T) {
	for loc, want := range map[string]string{
		"http://j/queue/item/12/": "12",
		"http://j/queue/item/12":  "12",
	} {
		got, err := QueueIDFromLocation(loc)
		if err != nil || got != want {
			t.Fatalf("QueueIDFromLocation(%q) = %q, %v", loc, got, err)
		}
	}
	if _, err := QueueIDFromLocation("http://j/queue/item/abc/"); err == nil {
		t.Fatalf("expected non-numeric id to fail")
	}
}

func TestPollTicket(t *testing.T) {
	responses := []string{
		`{"why":"Waiting for next available executor"}`,
		`{"executable":{"number":42,"url":"http://j/job/x/42/"}}`,
	}
	call := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queue/item/7/api/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(responses[call]))
		call++
	})
	if _, ready, err := c.PollTicket(context.Background(), "7"); err != nil || ready {
		t.Fatalf("expected pending, got ready=%v err=%v", ready, err)
	}
	n, ready, err := c.PollTicket(context.Background(), "7")
	if err != nil || !ready || n != 42 {
		t.Fatalf("expected build 42, got %d %v %v", n, ready, err)
	}
}

func TestPollTicketCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelled":true}`))
	})
	if _, _, err := c.PollTicket(context.Background(), "7"); !errors.Is(err, queue.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestBuildStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/job/autodeploy-pipeline/42/api/json":
			w.Write([]byte(`{"number":42,"result":"SUCCESS","duration":65000}`))
		case "/job/autodeploy-pipeline/43/api/json":
			w.Write([]byte(`{"number":43,"result":null,"building":true}`))
		default:
			http.NotFound(w, r)
		}
	})
	info, err := c.BuildStatus(context.Background(), 42)
	if err != nil {
		t.Fatalf("build status: %v", err)
	}
	if info.Result != "SUCCESS" || info.Duration != 65*time.Second {
		t.Fatalf("unexpected info %+v", info)
	}
	running, _ := c.BuildStatus(context.Background(), 43)
	if running.Result != "IN_PROGRESS" || !running.Building {
		t.Fatalf("unexpected running info %+v", running)
	}
	if _, err := c.BuildStatus(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFolderJobPath(t *testing.T) {
	c, err := New(Config{BaseURL: "http://j", Job: "team/deploy"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := c.jobPath(); got != "job/team/job/deploy" {
		t.Fatalf("unexpected job path %q", got)
	}
	if _, err := New(Config{BaseURL: "http://j"}, nil); err == nil {
		t.Fatalf("expected missing job to fail")
	}
}
