package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-router/internal/domain"
	"llm-router/internal/infra/config"
)

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewAppInMemory(t *testing.T) {
	a := newTestApp(t, config.Defaults())

	assert.Nil(t, a.store)
	assert.Nil(t, a.averages())
	assert.Empty(t, a.scheduler.Tasks())
	assert.Equal(t, 0.03, a.baselineUnitCost())
	assert.NoError(t, a.pruneDecisions(context.Background()))
}

func TestNewAppWithStoreAndTasks(t *testing.T) {
	cfg := config.Defaults()
	cfg.Health.Enabled = true
	cfg.Reporting.SQLite.Enabled = true
	cfg.Reporting.SQLite.Path = filepath.Join(t.TempDir(), "decisions.db")

	a := newTestApp(t, cfg)
	require.NotNil(t, a.store)
	assert.NotNil(t, a.averages())

	tasks := a.scheduler.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, taskHealthCheck, tasks[0].Name)
	assert.Equal(t, taskSinkRetention, tasks[1].Name)

	ctx := context.Background()
	_, err := a.router.RouteRecord(ctx, "define entropy", domain.ModeCostFirst)
	require.NoError(t, err)
	require.NoError(t, a.pruneDecisions(ctx))
}

func TestNewAppRejectsBadSchedule(t *testing.T) {
	cfg := config.Defaults()
	cfg.Health.Enabled = true
	cfg.Health.Schedule = "every now and then"

	_, err := newApp(cfg, discardLogger())
	assert.ErrorContains(t, err, "schedule health checks")
}

func TestAppReload(t *testing.T) {
	a := newTestApp(t, config.Defaults())
	ctx := context.Background()

	next := config.Defaults()
	next.Reporting.BaselineBackend = "gpt35"
	next.Tiers["cheapest"] = "gpt35"
	require.NoError(t, a.reload(next))
	assert.Same(t, next, a.config())

	d, err := a.router.Route(ctx, "what is rust", domain.ModeCostFirst)
	require.NoError(t, err)
	assert.Equal(t, "gpt35", d.BackendID)
	assert.Equal(t, 0.002, a.baselineUnitCost())

	bad := config.Defaults()
	bad.Tiers["top"] = "nowhere"
	assert.Error(t, a.reload(bad))
	assert.Same(t, next, a.config(), "a rejected reload keeps the running config")
}

func TestAppReloadWhileTasksRun(t *testing.T) {
	cfg := config.Defaults()
	cfg.Reporting.SQLite.Enabled = true
	cfg.Reporting.SQLite.Path = filepath.Join(t.TempDir(), "decisions.db")
	a := newTestApp(t, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			next := config.Defaults()
			next.Reporting.SQLite = cfg.Reporting.SQLite
			next.Reporting.SQLite.Retention = cfg.Reporting.SQLite.Retention + time.Duration(i)*time.Hour
			assert.NoError(t, a.reload(next))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, a.pruneDecisions(ctx))
			assert.Positive(t, a.baselineUnitCost())
		}
	}()
	wg.Wait()
	assert.NotNil(t, a.config())
}

func TestAppCloseIsRepeatable(t *testing.T) {
	a, err := newApp(config.Defaults(), discardLogger())
	require.NoError(t, err)
	require.NoError(t, a.scheduler.Start(context.Background()))
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
