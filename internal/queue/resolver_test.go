package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type scriptedPoller struct {
	mu        sync.Mutex
	calls     int
	readyOn   int
	build     int
	failUntil int
	block     bool
}

func (p *scriptedPoller) PollTicket(ctx context.Context, ticket string) (int, bool, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return 0, false, ctx.Err()
	}
	if call <= p.failUntil {
		return 0, false, errors.New("jenkins unreachable")
	}
	if p.readyOn > 0 && call >= p.readyOn {
		return p.build, true, nil
	}
	return 0, false, nil
}

func (p *scriptedPoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestResolver(p Poller) Resolver {
	return NewResolver(p, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveOnThirdPoll(t *testing.T) {
	poller := &scriptedPoller{readyOn: 3, build: 42}
	ticket, err := newTestResolver(poller).Resolve(context.Background(), "17", "p1", Policy{MaxAttempts: 5})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ticket.State != StateResolved || ticket.BuildNumber == nil || *ticket.BuildNumber != 42 {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	if poller.count() != 3 || ticket.Attempts != 3 {
		t.Fatalf("expected exactly 3 polls, got %d (attempts %d)", poller.count(), ticket.Attempts)
	}
	if !ticket.Terminal() {
		t.Fatalf("resolved ticket should be terminal")
	}
}

func TestResolveTimesOutAfterBudget(t *testing.T) {
	poller := &scriptedPoller{}
	ticket, err := newTestResolver(poller).Resolve(context.Background(), "17", "p1", Policy{MaxAttempts: 5})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if ticket.State != StateTimedOut || ticket.BuildNumber != nil {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	if poller.count() != 5 {
		t.Fatalf("expected exactly 5 polls, got %d", poller.count())
	}
}

func TestResolveRetriesErrors(t *testing.T) {
	poller := &scriptedPoller{failUntil: 2, readyOn: 3, build: 8}
	ticket, err := newTestResolver(poller).Resolve(context.Background(), "17", "p1", Policy{MaxAttempts: 5})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *ticket.BuildNumber != 8 || ticket.LastErr == nil {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
}

func TestResolveSingleAttempt(t *testing.T) {
	poller := &scriptedPoller{}
	_, err := newTestResolver(poller).Resolve(context.Background(), "17", "p1", Policy{MaxAttempts: 1})
	if !errors.Is(err, ErrTimedOut) || poller.count() != 1 {
		t.Fatalf("expected one poll then timeout, got %d polls err %v", poller.count(), err)
	}
}

func TestResolveStopsOnCancellation(t *testing.T) {
	poller := &scriptedPoller{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var ticket Ticket
	var err error
	go func() {
		ticket, err = newTestResolver(poller).Resolve(ctx, "17", "p1", Policy{MaxAttempts: 100, Interval: time.Hour})
		close(done)
	}()
	for poller.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("resolve ignored cancellation")
	}
	if !errors.Is(err, context.Canceled) || ticket.State != StatePolling {
		t.Fatalf("expected cancelled polling ticket, got %+v %v", ticket, err)
	}
}

func TestPollTimeoutCountsAsFailedAttempt(t *testing.T) {
	poller := &scriptedPoller{block: true}
	ticket, err := newTestResolver(poller).Resolve(context.Background(), "17", "p1", Policy{MaxAttempts: 2, PollTimeout: 5 * time.Millisecond})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected timeout outcome, got %v", err)
	}
	if poller.count() != 2 || !errors.Is(ticket.LastErr, context.DeadlineExceeded) {
		t.Fatalf("unexpected ticket %+v after %d polls", ticket, poller.count())
	}
}

type cancellingPoller struct{ calls int }

func (p *cancellingPoller) PollTicket(context.Context, string) (int, bool, error) {
	p.calls++
	return 0, false, ErrCancelled
}

func TestCancelledTicketStopsImmediately(t *testing.T) {
	poller := &cancellingPoller{}
	ticket, err := newTestResolver(poller).Resolve(context.Background(), "17", "p1", Policy{MaxAttempts: 5})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if ticket.State != StateFailed || poller.calls != 1 {
		t.Fatalf("expected one poll and failed state, got %+v after %d polls", ticket, poller.calls)
	}
}
