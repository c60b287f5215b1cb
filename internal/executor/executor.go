// Package executor runs orchestration work in the background so request
// handlers return immediately.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/splax/autodeploy/internal/metrics"
)

// ErrNotRunning is returned by Submit before Start or after Stop.
var ErrNotRunning = errors.New("executor: not running")

// Task is a unit of background work. It must return once ctx is cancelled.
type Task func(ctx context.Context) error

// Executor runs submitted tasks concurrently and cancels them on Stop.
type Executor struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	seq      uint64
	inflight map[uint64]inflightTask
	wg       sync.WaitGroup
}

type inflightTask struct {
	id      string
	started time.Time
}

// TaskInfo describes one in-flight task.
type TaskInfo struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
}

// Status is a point-in-time view of the executor.
type Status struct {
	Running bool       `json:"running"`
	Active  int        `json:"active_tasks"`
	Tasks   []TaskInfo `json:"tasks,omitempty"`
}

// New constructs an idle executor.
func New(logger *slog.Logger) *Executor {
	return &Executor{log: logger, now: time.Now, inflight: make(map[uint64]inflightTask)}
}

// Start begins accepting work. Tasks observe cancellation of parent as well as Stop.
func (e *Executor) Start(parent context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.ctx, e.cancel = context.WithCancel(parent)
	e.running = true
	e.log.Info("executor started")
}

// Submit schedules task to run immediately. Duplicate ids run independently.
func (e *Executor) Submit(taskID string, task Task) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s", ErrNotRunning, taskID)
	}
	e.seq++
	key := e.seq
	e.inflight[key] = inflightTask{id: taskID, started: e.now()}
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.TasksActive.Inc()
	go e.run(ctx, key, taskID, task)
	return nil
}

func (e *Executor) run(ctx context.Context, key uint64, taskID string, task Task) {
	start := e.now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			e.log.Error("background task panicked", "task_id", taskID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
		metrics.TasksActive.Dec()
		metrics.Tasks.WithLabelValues(outcome).Inc()
		e.wg.Done()
	}()

	err := task(ctx)
	switch {
	case err == nil:
		e.log.Debug("background task finished", "task_id", taskID, "duration", e.now().Sub(start))
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		outcome = "cancelled"
		e.log.Info("background task cancelled", "task_id", taskID)
	default:
		outcome = "error"
		e.log.Error("background task failed", "task_id", taskID, "error", err)
	}
}

// Stop cancels every in-flight task and waits for them to return, or for ctx to expire.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	active := len(e.inflight)
	e.mu.Unlock()

	e.log.Info("executor stopping", "active_tasks", active)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("executor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor stop: %w", ctx.Err())
	}
}

// Status reports whether the executor accepts work and what is in flight.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{Running: e.running, Active: len(e.inflight)}
	for _, t := range e.inflight {
		st.Tasks = append(st.Tasks, TaskInfo{ID: t.id, Started: t.started})
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Started.Before(st.Tasks[j].Started) })
	return st
}
