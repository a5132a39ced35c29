package sink

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-router/internal/domain"
	"llm-router/internal/usecase/eventbus"
)

func decision(id, backend string, cat domain.TaskCategory, mode domain.OptimizationMode, cost float64, failedOver bool, ts time.Time) domain.DecisionRecord {
	return domain.DecisionRecord{
		ID:        id,
		Timestamp: ts,
		Request:   "query " + id,
		Decision: domain.RoutingDecision{
			BackendID:          backend,
			BackendName:        backend + " name",
			TaskCategory:       cat,
			OptimizationMode:   mode,
			Reason:             "reason " + id,
			FailedOver:         failedOver,
			EstimatedCost:      cost,
			EstimatedLatencyMs: 100,
			QualityScore:       88,
		},
	}
}

func TestStatsTotals(t *testing.T) {
	s := NewStats(0.03)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Record(ctx, decision("1", "gemini", domain.CategorySimple, domain.ModeCostFirst, 0.001, false, now)))
	require.NoError(t, s.Record(ctx, decision("2", "claude", domain.CategoryCreative, domain.ModePerformanceFirst, 0.015, true, now)))
	require.NoError(t, s.Record(ctx, decision("3", "gemini", domain.CategoryCode, domain.ModeSmartBalance, 0.001, false, now)))
	require.NoError(t, s.RecordFailure(ctx, domain.RoutingFailure{}))

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Requests)
	assert.Equal(t, 3, snap.RequestsToday)
	assert.Equal(t, 1, snap.Failovers)
	assert.Equal(t, 1, snap.Failures)
	assert.Equal(t, map[string]int{"gemini": 2, "claude": 1}, snap.ByBackend)
	assert.Equal(t, 1, snap.ByMode["cost_first"])
	assert.Equal(t, 1, snap.ByCategory["creative"])
	assert.InDelta(t, 0.017, snap.TotalCost, 1e-9)
	assert.InDelta(t, 0.09, snap.BaselineCost, 1e-9)
	assert.InDelta(t, 0.073, snap.Savings, 1e-9)
	assert.InDelta(t, 81.111, snap.SavingsPercent, 1e-3)

	// Snapshot maps are copies.
	snap.ByBackend["gemini"] = 99
	assert.Equal(t, 2, s.Snapshot().ByBackend["gemini"])

	s.Reset()
	assert.Zero(t, s.Snapshot().Requests)
}

func TestStatsDayRollover(t *testing.T) {
	s := NewStats(0.03)
	clock := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	s.Reset()

	require.NoError(t, s.Record(context.Background(), decision("1", "gpt35", domain.CategoryGeneral, domain.ModeSmartBalance, 0.002, false, clock)))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, s.Record(context.Background(), decision("2", "gpt35", domain.CategoryGeneral, domain.ModeSmartBalance, 0.002, false, clock)))

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Requests)
	assert.Equal(t, 1, snap.RequestsToday)
}

func TestStatsConcurrentRecord(t *testing.T) {
	s := NewStats(0.03)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Record(context.Background(), decision("x", "gpt4", domain.CategoryAnalysis, domain.ModePerformanceFirst, 0.03, false, time.Now()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.Snapshot().Requests)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "decisions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Record(ctx, decision("01A", "gemini", domain.CategorySimple, domain.ModeCostFirst, 0.001, false, base)))
	require.NoError(t, store.Record(ctx, decision("01B", "claude", domain.CategoryCreative, domain.ModeSmartBalance, 0.015, true, base.Add(time.Second))))
	require.NoError(t, store.Record(ctx, decision("", "gpt4", domain.CategoryAnalysis, domain.ModePerformanceFirst, 0.03, false, base.Add(2*time.Second))))

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Len(t, recent[0].ID, 26, "missing id gets a ULID")
	assert.Equal(t, "gpt4", recent[0].Decision.BackendID)
	assert.Equal(t, "01B", recent[1].ID)
	assert.True(t, recent[1].Decision.FailedOver)
	assert.Equal(t, domain.CategoryCreative, recent[1].Decision.TaskCategory)
	assert.Equal(t, domain.ModeSmartBalance, recent[1].Decision.OptimizationMode)
	assert.True(t, base.Add(time.Second).Equal(recent[1].Timestamp))

	err = store.Record(ctx, decision("01A", "gemini", domain.CategorySimple, domain.ModeCostFirst, 0.001, false, base))
	assert.Error(t, err, "ids are unique")
}

func TestSQLiteStoreModeAverages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Record(ctx, decision("1", "gemini", domain.CategorySimple, domain.ModeCostFirst, 0.001, false, now)))
	require.NoError(t, store.Record(ctx, decision("2", "gpt35", domain.CategoryGeneral, domain.ModeCostFirst, 0.002, false, now)))
	require.NoError(t, store.Record(ctx, decision("3", "gpt4", domain.CategoryAnalysis, domain.ModePerformanceFirst, 0.03, false, now)))

	avgs, err := store.ModeAverages(ctx)
	require.NoError(t, err)
	require.Len(t, avgs, 2)
	assert.Equal(t, domain.ModeCostFirst, avgs[0].Mode)
	assert.Equal(t, 2, avgs[0].Requests)
	assert.InDelta(t, 0.0015, avgs[0].AvgCost, 1e-9)
	assert.Equal(t, domain.ModePerformanceFirst, avgs[1].Mode)
}

func TestSQLiteStorePrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	now := time.Now()

	require.NoError(t, store.Record(ctx, decision("old", "gemini", domain.CategorySimple, domain.ModeCostFirst, 0.001, false, old)))
	require.NoError(t, store.Record(ctx, decision("new", "gemini", domain.CategorySimple, domain.ModeCostFirst, 0.001, false, now)))
	require.NoError(t, store.RecordFailure(ctx, domain.RoutingFailure{
		Timestamp: old, TaskCategory: domain.CategoryGeneral, OptimizationMode: domain.ModeSmartBalance,
		Tried: []string{"gpt35", "gemini"}, Error: "no backend available",
	}))

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	decisions, failures, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, decisions)
	assert.Equal(t, 0, failures)
}

func TestProjectAssumed(t *testing.T) {
	p := Project(50000, 0.03, nil)

	assert.InDelta(t, 1500, p.CostWithoutRouting, 1e-9)
	require.Len(t, p.Modes, 3)

	want := map[domain.OptimizationMode]float64{
		domain.ModeCostFirst:        1350,
		domain.ModePerformanceFirst: 250,
		domain.ModeSmartBalance:     900,
	}
	for _, m := range p.Modes {
		assert.Equal(t, SourceAssumed, m.Source)
		assert.InDelta(t, want[m.Mode], m.Savings, 1e-6, m.Mode.String())
	}
	assert.InDelta(t, 90, p.Modes[0].SavingsPercent, 1e-9)
}

func TestProjectObservedOverridesAssumed(t *testing.T) {
	p := Project(1000, 0.03, []ModeAverage{{Mode: domain.ModeSmartBalance, Requests: 10, AvgCost: 0.002}})

	for _, m := range p.Modes {
		if m.Mode == domain.ModeSmartBalance {
			assert.Equal(t, SourceObserved, m.Source)
			assert.InDelta(t, 2, m.MonthlyCost, 1e-9)
			assert.InDelta(t, 28, m.Savings, 1e-9)
		} else {
			assert.Equal(t, SourceAssumed, m.Source)
		}
	}
}

func TestProjectZeroBaseline(t *testing.T) {
	p := Project(100, 0, nil)
	for _, m := range p.Modes {
		assert.Zero(t, m.SavingsPercent)
	}
}

func TestAttachRecordsFromBus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)
	stats := NewStats(0.03)
	store := newTestStore(t)

	detachStats := Attach(bus, stats, logger)
	defer detachStats()
	Attach(bus, store, logger)

	ctx := context.Background()
	ev, err := domain.NewEvent(domain.EventRoutingDecision, "01X",
		decision("01X", "gemini", domain.CategoryCode, domain.ModeSmartBalance, 0.001, false, time.Now()))
	require.NoError(t, err)
	bus.Publish(ctx, ev)

	fail, err := domain.NewEvent(domain.EventRoutingFailed, "", domain.RoutingFailure{
		TaskCategory: domain.CategoryGeneral, OptimizationMode: domain.ModeCostFirst, Error: "no backend available",
	})
	require.NoError(t, err)
	bus.Publish(ctx, fail)
	bus.Publish(ctx, domain.Event{Type: domain.EventRoutingDecision, Payload: []byte("not json")})
	bus.Close()

	snap := stats.Snapshot()
	assert.Equal(t, 1, snap.Requests)
	assert.Equal(t, 1, snap.Failures)

	decisions, failures, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, decisions)
	assert.Equal(t, 1, failures)
}

func TestSQLiteStoreSameTimestampIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, decision("", "gemini", domain.CategorySimple, domain.ModeCostFirst, 0.001, false, ts)))
		require.NoError(t, store.RecordFailure(ctx, domain.RoutingFailure{
			Timestamp: ts, TaskCategory: domain.CategoryGeneral, OptimizationMode: domain.ModeSmartBalance,
			Tried: []string{"gpt35"}, Error: "no backend available",
		}))
	}

	decisions, failures, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, decisions)
	assert.Equal(t, 3, failures)
}
