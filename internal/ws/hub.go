package ws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/metrics"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Handle identifies one subscription.
type Handle string

// ErrSendTimeout is reported when an observer does not accept a message in time.
var ErrSendTimeout = errors.New("ws: send timed out")

const (
	defaultSendTimeout = 5 * time.Second
	defaultQueueSize   = 256
)

// Options tunes delivery behaviour.
type Options struct {
	SendTimeout time.Duration
	QueueSize   int
	Logger      *slog.Logger
}

// Hub fans messages out to every subscribed observer. Each observer has its own
// FIFO queue drained by a dedicated goroutine, so a slow or broken observer never
// delays the publisher or the other observers.
type Hub struct {
	mu          sync.RWMutex
	subs        map[Handle]*subscription
	closed      bool
	sendTimeout time.Duration
	queueSize   int
	log         *slog.Logger
}

type subscription struct {
	handle Handle
	client Subscriber
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewHub creates an initialized Hub.
func NewHub(opts Options) *Hub {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		subs:        make(map[Handle]*subscription),
		sendTimeout: opts.SendTimeout,
		queueSize:   opts.QueueSize,
		log:         opts.Logger,
	}
}

// Subscribe registers a client and starts its delivery goroutine.
func (h *Hub) Subscribe(client Subscriber) Handle {
	return h.SubscribeWith(client, nil)
}

// SubscribeWith registers a client whose first message is greet(handle). The
// greeting is queued before the client becomes visible to Publish, so no
// broadcast can overtake it.
func (h *Hub) SubscribeWith(client Subscriber, greet func(Handle) domain.Envelope) Handle {
	sub := &subscription{
		handle: Handle(uuid.NewString()),
		client: client,
		queue:  make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
	}
	if greet != nil {
		sub.queue <- greet(sub.handle).Marshal()
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		client.Close()
		return sub.handle
	}
	h.subs[sub.handle] = sub
	count := len(h.subs)
	h.mu.Unlock()

	metrics.Observers.Inc()
	h.log.Info("observer subscribed", "observer", sub.handle, "observers", count)
	go h.pump(sub)
	return sub.handle
}

// Unsubscribe removes a client. Unknown or already removed handles are ignored.
func (h *Hub) Unsubscribe(handle Handle) {
	if h.remove(handle) {
		h.log.Info("observer unsubscribed", "observer", handle)
	}
}

// Publish queues payload for every current observer and returns immediately.
func (h *Hub) Publish(payload []byte) {
	h.mu.RLock()
	if len(h.subs) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.enqueue(sub, payload)
	}
}

// Broadcast encodes env and publishes it.
func (h *Hub) Broadcast(env domain.Envelope) {
	h.Publish(env.Marshal())
}

// SendTo queues env for a single observer, keeping its order relative to broadcasts.
func (h *Hub) SendTo(handle Handle, env domain.Envelope) bool {
	h.mu.RLock()
	sub, ok := h.subs[handle]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.enqueue(sub, env.Marshal())
}

// Count returns the number of subscribed observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every observer and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	handles := make([]Handle, 0, len(h.subs))
	for handle := range h.subs {
		handles = append(handles, handle)
	}
	h.mu.Unlock()
	for _, handle := range handles {
		h.remove(handle)
	}
}

func (h *Hub) enqueue(sub *subscription, payload []byte) bool {
	select {
	case <-sub.done:
		return false
	default:
	}
	select {
	case sub.queue <- payload:
		return true
	default:
		metrics.Deliveries.WithLabelValues("overflow").Inc()
		h.log.Warn("observer queue full, removing", "observer", sub.handle)
		h.remove(sub.handle)
		return false
	}
}

// remove deletes the subscription once; concurrent callers race safely.
func (h *Hub) remove(handle Handle) bool {
	h.mu.Lock()
	sub, ok := h.subs[handle]
	if ok {
		delete(h.subs, handle)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	metrics.Observers.Dec()
	sub.stop()
	sub.client.Close()
	return true
}

func (h *Hub) pump(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case payload := <-sub.queue:
			select {
			case <-sub.done:
				return
			default:
			}
			if err := h.deliver(sub.client, payload); err != nil {
				outcome := "failed"
				if errors.Is(err, ErrSendTimeout) {
					outcome = "timeout"
				}
				metrics.Deliveries.WithLabelValues(outcome).Inc()
				h.log.Warn("observer delivery failed, removing", "observer", sub.handle, "error", err)
				h.remove(sub.handle)
				return
			}
			metrics.Deliveries.WithLabelValues("delivered").Inc()
		}
	}
}

func (h *Hub) deliver(client Subscriber, payload []byte) error {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("observer panic: %v", r)
			}
		}()
		result <- client.Send(payload)
	}()
	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrSendTimeout
	}
}
