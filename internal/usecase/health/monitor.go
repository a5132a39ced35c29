package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"llm-router/internal/domain"
)

const (
	defaultMaxFailures uint32 = 3
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
	defaultProbeTimeout       = 5 * time.Second
	maxConcurrentProbes       = 8
)

// BreakerSettings tunes the per-backend circuit breaker.
type BreakerSettings struct {
	// MaxFailures consecutive failed probes open the breaker.
	MaxFailures uint32
	// Timeout is how long an open breaker waits before a trial probe.
	Timeout time.Duration
	// Interval clears failure counts while closed.
	Interval time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxFailures == 0 {
		s.MaxFailures = defaultMaxFailures
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultOpenTimeout
	}
	if s.Interval <= 0 {
		s.Interval = defaultInterval
	}
	return s
}

// Status is the last observed probe outcome for one backend.
type Status struct {
	BackendID string    `json:"backend_id"`
	Breaker   string    `json:"breaker"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type probed struct {
	target  domain.ProbeTarget
	breaker *gobreaker.CircuitBreaker[struct{}]
	status  Status
}

// Monitor probes backends out of band and flips their health when a
// breaker opens or closes. Backends without a probe URL are left alone.
type Monitor struct {
	prober   domain.HealthProber
	health   domain.HealthSetter
	settings BreakerSettings
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	targets map[string]*probed
}

// NewMonitor creates a monitor for targets. A zero probeTimeout uses five
// seconds; a target's own Timeout takes precedence.
func NewMonitor(prober domain.HealthProber, health domain.HealthSetter, targets []domain.ProbeTarget, settings BreakerSettings, probeTimeout time.Duration, logger *slog.Logger) *Monitor {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	m := &Monitor{
		prober:   prober,
		health:   health,
		settings: settings.withDefaults(),
		timeout:  probeTimeout,
		logger:   logger,
		now:      time.Now,
		targets:  make(map[string]*probed),
	}
	m.SetTargets(targets)
	return m
}

// SetTargets replaces the probe set. Breakers of surviving backends keep
// their state; removed backends are dropped.
func (m *Monitor) SetTargets(targets []domain.ProbeTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*probed, len(targets))
	for _, t := range targets {
		if t.URL == "" {
			continue
		}
		if p, ok := m.targets[t.BackendID]; ok {
			p.target = t
			next[t.BackendID] = p
			continue
		}
		next[t.BackendID] = &probed{
			target:  t,
			breaker: m.newBreaker(t.BackendID),
			status:  Status{BackendID: t.BackendID, Breaker: gobreaker.StateClosed.String()},
		}
	}
	m.targets = next
}

func (m *Monitor) newBreaker(backendID string) *gobreaker.CircuitBreaker[struct{}] {
	s := m.settings
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "health:" + backendID,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.onStateChange(backendID, from, to)
		},
	})
}

func (m *Monitor) onStateChange(backendID string, from, to gobreaker.State) {
	m.logger.Info("health breaker state change",
		"backend", backendID,
		"from", from.String(),
		"to", to.String(),
	)

	var h domain.Health
	switch to {
	case gobreaker.StateOpen:
		h = domain.HealthUnavailable
	case gobreaker.StateClosed:
		h = domain.HealthAvailable
	default:
		return
	}
	if err := m.health.SetHealth(backendID, h); err != nil {
		m.logger.Warn("health update rejected", "backend", backendID, "health", h.String(), "error", err)
	}
}

// CheckAll probes every target concurrently and returns the resulting
// statuses sorted by backend id.
func (m *Monitor) CheckAll(ctx context.Context) []Status {
	m.mu.Lock()
	ps := make([]*probed, 0, len(m.targets))
	for _, p := range m.targets {
		ps = append(ps, p)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, p := range ps {
		g.Go(func() error {
			m.check(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return m.Statuses()
}

// Run is the scheduled entry point. It reports an error when any probe failed.
func (m *Monitor) Run(ctx context.Context) error {
	var failed []string
	for _, s := range m.CheckAll(ctx) {
		if s.LastError != "" {
			failed = append(failed, s.BackendID)
		}
	}
	if len(failed) > 0 {
		return domain.NewDomainError("health.Run", errors.New("probes failed"), strings.Join(failed, ", "))
	}
	return nil
}

// Check probes a single backend.
func (m *Monitor) Check(ctx context.Context, backendID string) (Status, error) {
	m.mu.Lock()
	p, ok := m.targets[backendID]
	m.mu.Unlock()
	if !ok {
		return Status{}, domain.NewDomainError("health.Check", domain.ErrNotFound, backendID)
	}
	m.check(ctx, p)

	m.mu.Lock()
	defer m.mu.Unlock()
	return p.status, nil
}

func (m *Monitor) check(ctx context.Context, p *probed) {
	m.mu.Lock()
	target := p.target
	m.mu.Unlock()

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, m.prober.Probe(pctx, target)
	})

	status := Status{
		BackendID: target.BackendID,
		Breaker:   p.breaker.State().String(),
		CheckedAt: m.now(),
	}
	if err != nil {
		status.LastError = err.Error()
		if !errors.Is(err, gobreaker.ErrOpenState) {
			m.logger.Debug("probe failed", "backend", target.BackendID, "error", err)
		}
	}

	m.mu.Lock()
	p.status = status
	m.mu.Unlock()
}

// Statuses returns the last status of every target sorted by backend id.
func (m *Monitor) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.targets))
	for _, p := range m.targets {
		out = append(out, p.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}
