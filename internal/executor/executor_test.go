package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestExecutor() *Executor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubmitBeforeStartFails(t *testing.T) {
	ex := newTestExecutor()
	if err := ex.Submit("early", func(context.Context) error { return nil }); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestTasksRunConcurrently(t *testing.T) {
	ex := newTestExecutor()
	ex.Start(context.Background())
	defer ex.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		if err := ex.Submit("same-id", func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatalf("tasks did not start concurrently")
		}
	}
	if st := ex.Status(); st.Active != 2 || len(st.Tasks) != 2 || st.Tasks[0].ID != "same-id" {
		t.Fatalf("expected two independent in-flight tasks, got %+v", st)
	}
	close(release)
}

func TestFailingAndPanickingTasksDoNotStopExecutor(t *testing.T) {
	ex := newTestExecutor()
	ex.Start(context.Background())

	var finished atomic.Int32
	done := make(chan struct{})
	_ = ex.Submit("boom", func(context.Context) error { panic("kaboom") })
	_ = ex.Submit("fail", func(context.Context) error { return errors.New("nope") })
	_ = ex.Submit("ok", func(context.Context) error {
		finished.Add(1)
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("healthy task never ran")
	}
	if err := ex.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if finished.Load() != 1 {
		t.Fatalf("expected healthy task to finish once")
	}
	if st := ex.Status(); st.Running || st.Active != 0 {
		t.Fatalf("unexpected status after stop %+v", st)
	}
}

func TestStopCancelsAndWaits(t *testing.T) {
	ex := newTestExecutor()
	ex.Start(context.Background())

	var observed atomic.Bool
	started := make(chan struct{})
	_ = ex.Submit("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		observed.Store(true)
		return ctx.Err()
	})
	<-started

	if err := ex.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !observed.Load() {
		t.Fatalf("stop returned before task observed cancellation")
	}
	if err := ex.Submit("late", func(context.Context) error { return nil }); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestStopHonoursDeadline(t *testing.T) {
	ex := newTestExecutor()
	ex.Start(context.Background())
	release := make(chan struct{})
	defer close(release)
	_ = ex.Submit("stubborn", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ex.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
