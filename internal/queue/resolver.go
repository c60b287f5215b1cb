// Package queue resolves build-system queue tickets into concrete build numbers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/autodeploy/internal/metrics"
)

// ErrTimedOut is reported when the attempt budget is spent without a build number.
var ErrTimedOut = errors.New("queue: ticket not resolved within attempt budget")

// ErrCancelled is returned by a Poller when the ticket was definitively dropped
// from the queue. It stops polling immediately.
var ErrCancelled = errors.New("queue: ticket cancelled")

var errPending = errors.New("queue: ticket still pending")

// Poller asks the build system whether a ticket has become a build.
// ready is false while the ticket is still waiting in the queue.
type Poller interface {
	PollTicket(ctx context.Context, ticket string) (buildNumber int, ready bool, err error)
}

// Policy bounds the polling loop.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	// PollTimeout bounds a single poll call. Zero means no per-call bound.
	PollTimeout time.Duration
}

// DefaultPolicy polls every two seconds for up to two minutes.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 60, Interval: 2 * time.Second, PollTimeout: 10 * time.Second}
}

// State is the resolver state machine position.
type State string

const (
	StatePolling  State = "polling"
	StateResolved State = "resolved"
	StateTimedOut State = "timed_out"
	StateFailed   State = "failed"
)

// Ticket is the transient polling state for one queue item.
type Ticket struct {
	ID          string
	PipelineID  string
	Attempts    int
	BuildNumber *int
	State       State
	LastErr     error
}

// Terminal reports whether polling has stopped.
func (t Ticket) Terminal() bool {
	return t.State != StatePolling && t.State != ""
}

// Resolver polls tickets. It never mutates pipeline state; callers decide what a
// timeout means.
type Resolver struct {
	poller Poller
	log    *slog.Logger
}

// NewResolver constructs a resolver around poller.
func NewResolver(poller Poller, logger *slog.Logger) Resolver {
	return Resolver{poller: poller, log: logger}
}

// Resolve polls until the ticket yields a build number or the policy is exhausted.
// A timed-out ticket is returned together with ErrTimedOut, a cancelled one with
// ErrCancelled. Cancellation of ctx
// returns the ticket still in StatePolling and ctx's error.
func (r Resolver) Resolve(ctx context.Context, ticketID, pipelineID string, policy Policy) (Ticket, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.Interval < 0 {
		policy.Interval = 0
	}
	ticket := Ticket{ID: ticketID, PipelineID: pipelineID, State: StatePolling}
	interval := policy.Interval
	backoff := retry.WithMaxRetries(uint64(policy.MaxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		return interval, false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ticket.Attempts++
		n, ready, err := r.poll(ctx, ticketID, policy.PollTimeout)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ticket.LastErr = err
			if errors.Is(err, ErrCancelled) {
				metrics.QueuePolls.WithLabelValues("cancelled").Inc()
				return err
			}
			metrics.QueuePolls.WithLabelValues("error").Inc()
			r.log.Warn("queue poll failed", "queue_id", ticketID, "pipeline_id", pipelineID, "attempt", ticket.Attempts, "error", err)
			return retry.RetryableError(err)
		case !ready:
			metrics.QueuePolls.WithLabelValues("pending").Inc()
			r.log.Debug("queue item pending", "queue_id", ticketID, "attempt", ticket.Attempts)
			return retry.RetryableError(errPending)
		default:
			metrics.QueuePolls.WithLabelValues("ready").Inc()
			ticket.BuildNumber = &n
			return nil
		}
	})

	switch {
	case err == nil:
		ticket.State = StateResolved
		metrics.QueueResolutions.WithLabelValues(string(StateResolved)).Inc()
		r.log.Info("queue item resolved", "queue_id", ticketID, "pipeline_id", pipelineID, "build_number", *ticket.BuildNumber, "attempts", ticket.Attempts)
		return ticket, nil
	case ctx.Err() != nil:
		return ticket, ctx.Err()
	case errors.Is(err, ErrCancelled):
		ticket.State = StateFailed
		metrics.QueueResolutions.WithLabelValues(string(StateFailed)).Inc()
		r.log.Warn("queue item cancelled", "queue_id", ticketID, "pipeline_id", pipelineID, "attempts", ticket.Attempts)
		return ticket, err
	default:
		ticket.State = StateTimedOut
		metrics.QueueResolutions.WithLabelValues(string(StateTimedOut)).Inc()
		r.log.Warn("queue item not resolved", "queue_id", ticketID, "pipeline_id", pipelineID, "attempts", ticket.Attempts)
		return ticket, fmt.Errorf("%w: queue item %s after %d attempts", ErrTimedOut, ticketID, ticket.Attempts)
	}
}

func (r Resolver) poll(ctx context.Context, ticketID string, timeout time.Duration) (int, bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	n, ready, err := r.poller.PollTicket(ctx, ticketID)
	if err == nil && ready && n <= 0 {
		return 0, false, fmt.Errorf("queue item %s reported invalid build number %d", ticketID, n)
	}
	return n, ready, err
}
