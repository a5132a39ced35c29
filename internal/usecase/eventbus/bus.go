package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"llm-router/internal/domain"
)

const defaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns a queue drained by a single worker, so one handler
// sees events in publish order.
type subscription struct {
	id        uint64
	eventType domain.EventType // empty for SubscribeAll
	handler   domain.EventHandler

	mu     sync.Mutex
	queue  chan delivery
	closed bool
}

func (s *subscription) offer(d delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.queue <- d:
		return true
	default:
		return false
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber buffer. Events published while a
// subscriber's buffer is full are dropped for that subscriber.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscription
	nextID    atomic.Uint64
	dropped   atomic.Uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*subscription),
		queueSize: defaultQueueSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues event for every subscriber of its type and every
// all-event subscriber. It never blocks on a slow handler.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == "" || s.eventType == event.Type {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.offer(delivery{ctx: ctx, event: event}) {
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"subscription", s.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	s := &subscription{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		queue:     make(chan delivery, b.queueSize),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	return func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
		s.stop()
	}
}

func (b *Bus) run(s *subscription) {
	defer b.wg.Done()
	for d := range s.queue {
		b.handle(s, d)
	}
}

func (b *Bus) handle(s *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Dropped reports how many deliveries were discarded on full queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events, lets every subscriber drain its queue and
// waits for the workers to exit. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}
