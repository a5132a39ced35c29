package sink

import (
	"context"
	"sync"
	"time"

	"llm-router/internal/domain"
)

// StatsSnapshot is a point-in-time copy of the running totals.
type StatsSnapshot struct {
	Since          time.Time      `json:"since"`
	Requests       int            `json:"requests"`
	RequestsToday  int            `json:"requests_today"`
	Failovers      int            `json:"failovers"`
	Failures       int            `json:"failures"`
	ByBackend      map[string]int `json:"by_backend"`
	ByMode         map[string]int `json:"by_mode"`
	ByCategory     map[string]int `json:"by_category"`
	TotalCost      float64        `json:"total_cost"`
	BaselineCost   float64        `json:"baseline_cost"`
	Savings        float64        `json:"savings"`
	SavingsPercent float64        `json:"savings_percent"`
}

// Stats keeps in-memory running totals of routing outcomes. Baseline cost
// is what the same traffic would have cost on a single fixed backend.
type Stats struct {
	mu           sync.Mutex
	baselineUnit float64
	now          func() time.Time

	since      time.Time
	day        time.Time
	requests   int
	today      int
	failovers  int
	failures   int
	byBackend  map[string]int
	byMode     map[string]int
	byCategory map[string]int
	totalCost  float64
}

// NewStats creates empty totals against a baseline per-request cost.
func NewStats(baselineUnitCost float64) *Stats {
	s := &Stats{baselineUnit: baselineUnitCost, now: time.Now}
	s.reset()
	return s
}

func (s *Stats) reset() {
	now := s.now()
	s.since = now
	s.day = truncateDay(now)
	s.requests, s.today, s.failovers, s.failures = 0, 0, 0, 0
	s.byBackend = make(map[string]int)
	s.byMode = make(map[string]int)
	s.byCategory = make(map[string]int)
	s.totalCost = 0
}

// rollDay zeroes the daily counter on the first event of a new local day.
func (s *Stats) rollDay(t time.Time) {
	if d := truncateDay(t); d.After(s.day) {
		s.day = d
		s.today = 0
	}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Record implements domain.DecisionSink.
func (s *Stats) Record(_ context.Context, rec domain.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollDay(s.now())
	d := rec.Decision
	s.requests++
	s.today++
	if d.FailedOver {
		s.failovers++
	}
	s.byBackend[d.BackendID]++
	s.byMode[d.OptimizationMode.String()]++
	s.byCategory[d.TaskCategory.String()]++
	s.totalCost += d.EstimatedCost
	return nil
}

// RecordFailure implements FailureSink.
func (s *Stats) RecordFailure(_ context.Context, _ domain.RoutingFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return nil
}

// SetBaseline changes the baseline per-request cost, e.g. after a reload.
func (s *Stats) SetBaseline(unitCost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselineUnit = unitCost
}

// Reset clears every counter.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Snapshot returns a copy of the current totals.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollDay(s.now())
	snap := StatsSnapshot{
		Since:         s.since,
		Requests:      s.requests,
		RequestsToday: s.today,
		Failovers:     s.failovers,
		Failures:      s.failures,
		ByBackend:     copyCounts(s.byBackend),
		ByMode:        copyCounts(s.byMode),
		ByCategory:    copyCounts(s.byCategory),
		TotalCost:     s.totalCost,
		BaselineCost:  float64(s.requests) * s.baselineUnit,
	}
	snap.Savings = snap.BaselineCost - snap.TotalCost
	if snap.BaselineCost > 0 {
		snap.SavingsPercent = snap.Savings / snap.BaselineCost * 100
	}
	return snap
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var (
	_ domain.DecisionSink = (*Stats)(nil)
	_ FailureSink         = (*Stats)(nil)
)
