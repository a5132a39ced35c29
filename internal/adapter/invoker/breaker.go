package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"llm-router/internal/domain"
)

const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// BreakerConfig configures the per-backend circuit breakers.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Breaker wraps an Invoker with one circuit breaker per backend. When a
// backend's breaker opens the backend is marked unavailable; after the
// breaker timeout it is marked available again so routing sends it the
// half-open trial request. A failed trial trips the breaker again.
type Breaker struct {
	inner  domain.Invoker
	health domain.HealthSetter
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[string]
	reenable map[string]*time.Timer
	closed   bool
}

// NewBreaker wraps inner. health may be nil to keep breakers local.
func NewBreaker(inner domain.Invoker, health domain.HealthSetter, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOpenTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Breaker{
		inner:    inner,
		health:   health,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[string]),
		reenable: make(map[string]*time.Timer),
	}
}

func (b *Breaker) breaker(backendID string) *gobreaker.CircuitBreaker[string] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[backendID]; ok {
		return cb
	}
	maxFailures := b.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "invoke:" + backendID,
		MaxRequests: 1,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(backendID, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the backend.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	b.breakers[backendID] = cb
	return cb
}

func (b *Breaker) onStateChange(backendID string, from, to gobreaker.State) {
	b.logger.Warn("invocation breaker state change",
		"backend", backendID,
		"from", from.String(),
		"to", to.String(),
	)
	if b.health == nil {
		return
	}

	switch to {
	case gobreaker.StateOpen:
		b.setHealth(backendID, domain.HealthUnavailable)
		b.scheduleReenable(backendID)
	case gobreaker.StateClosed:
		// A trial made before the timer fired still restores the backend.
		if b.cancelReenable(backendID) {
			b.setHealth(backendID, domain.HealthAvailable)
		}
	}
}

func (b *Breaker) setHealth(backendID string, h domain.Health) {
	if b.health == nil {
		return
	}
	if err := b.health.SetHealth(backendID, h); err != nil {
		b.logger.Warn("health update rejected", "backend", backendID, "error", err)
	}
}

func (b *Breaker) scheduleReenable(backendID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if t, ok := b.reenable[backendID]; ok {
		t.Stop()
	}
	b.reenable[backendID] = time.AfterFunc(b.cfg.Timeout, func() { b.reenableBackend(backendID) })
}

// cancelReenable stops a pending re-enable and reports whether one was pending.
func (b *Breaker) cancelReenable(backendID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.reenable[backendID]
	if !ok {
		return false
	}
	delete(b.reenable, backendID)
	return t.Stop()
}

func (b *Breaker) reenableBackend(backendID string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	delete(b.reenable, backendID)
	b.mu.Unlock()

	b.logger.Info("invocation breaker timeout elapsed, backend eligible for trial", "backend", backendID)
	b.setHealth(backendID, domain.HealthAvailable)
}

// Close stops pending re-enable timers.
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, t := range b.reenable {
		t.Stop()
		delete(b.reenable, id)
	}
}

// Invoke implements domain.Invoker.
func (b *Breaker) Invoke(ctx context.Context, backendID, text string) (string, error) {
	out, err := b.breaker(backendID).Execute(func() (string, error) {
		return b.inner.Invoke(ctx, backendID, text)
	})
	if err == nil {
		return out, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", domain.WrapOp("invoker.Breaker", fmt.Errorf("%w: %s circuit open: %w", domain.ErrInvocationFailed, backendID, err))
	}
	if errors.Is(err, domain.ErrInvocationFailed) {
		return "", err
	}
	// The inner chain is kept so callers can still match deadlines.
	return "", domain.WrapOp("invoker.Breaker", fmt.Errorf("%w: %s: %w", domain.ErrInvocationFailed, backendID, err))
}

// State reports the breaker state of a backend; unseen backends are closed.
func (b *Breaker) State(backendID string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[backendID]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

var _ domain.Invoker = (*Breaker)(nil)
