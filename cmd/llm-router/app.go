package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"llm-router/internal/adapter/invoker"
	"llm-router/internal/adapter/probe"
	"llm-router/internal/adapter/sink"
	"llm-router/internal/domain"
	"llm-router/internal/infra/config"
	"llm-router/internal/usecase/eventbus"
	"llm-router/internal/usecase/health"
	"llm-router/internal/usecase/routing"
	"llm-router/internal/usecase/scheduling"
)

// Maintenance task names.
const (
	taskHealthCheck   = "health-check"
	taskSinkRetention = "sink-retention"
)

// app holds the wired routing runtime shared by every command.
type app struct {
	// cfg is replaced by reload on the watcher goroutine.
	cfg      atomic.Pointer[config.Config]
	reloadMu sync.Mutex
	logger   *slog.Logger

	bus       *eventbus.Bus
	router    *routing.Router
	stats     *sink.Stats
	store     *sink.SQLiteStore
	invoker   domain.Invoker
	monitor   *health.Monitor
	scheduler *scheduling.Scheduler

	closers []func() error
}

// newApp builds the runtime from cfg. Nothing is started; serve starts the
// scheduler and listeners.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	a.cfg.Store(cfg)

	settings, err := routingSettings(cfg)
	if err != nil {
		return nil, fmt.Errorf("routing settings: %w", err)
	}

	a.bus = eventbus.New(logger)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	a.router, err = routing.NewRouter(settings, routing.WithLogger(logger), routing.WithEventBus(a.bus))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("router: %w", err)
	}

	a.stats = sink.NewStats(a.baselineUnitCost())
	sink.Attach(a.bus, a.stats, logger)

	if sq := cfg.Reporting.SQLite; sq.Enabled {
		a.store, err = sink.NewSQLiteStore(sq.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("decision store: %w", err)
		}
		// Prepended so it closes after the bus has drained.
		a.closers = append([]func() error{a.store.Close}, a.closers...)
		sink.Attach(a.bus, a.store, logger)
	}

	breaker := invoker.NewBreaker(
		invoker.NewSimulated(cannedResponses(cfg)),
		a.router.Registry(),
		invokerBreaker(cfg.Invoker.Breaker),
		logger,
	)
	a.invoker = breaker
	a.closers = append(a.closers, func() error { breaker.Close(); return nil })

	a.monitor = health.NewMonitor(
		probe.NewHTTPProber(cfg.Health.Timeout),
		a.router.Registry(),
		probeTargets(cfg),
		monitorBreaker(cfg.Health.Breaker),
		cfg.Health.Timeout,
		logger,
	)

	a.scheduler = scheduling.NewScheduler(logger)
	a.scheduler.RegisterAction(scheduling.ActionHealthCheck, a.monitor.Run)
	a.scheduler.RegisterAction(scheduling.ActionSinkRetention, a.pruneDecisions)
	if err := a.addTasks(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// config returns the config currently in effect.
func (a *app) config() *config.Config { return a.cfg.Load() }

func (a *app) addTasks() error {
	cfg := a.config()
	if cfg.Health.Enabled {
		if err := a.scheduler.AddTask(scheduling.Task{
			Name:     taskHealthCheck,
			Schedule: cfg.Health.Schedule,
			Action:   scheduling.ActionHealthCheck,
			Timeout:  time.Minute,
		}); err != nil {
			return fmt.Errorf("schedule health checks: %w", err)
		}
	}
	if a.store != nil && cfg.Reporting.SQLite.Retention > 0 {
		if err := a.scheduler.AddTask(scheduling.Task{
			Name:     taskSinkRetention,
			Schedule: cfg.Reporting.SQLite.PruneSchedule,
			Action:   scheduling.ActionSinkRetention,
		}); err != nil {
			return fmt.Errorf("schedule decision pruning: %w", err)
		}
	}
	return nil
}

func (a *app) pruneDecisions(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	n, err := a.store.Prune(ctx, time.Now().Add(-a.config().Reporting.SQLite.Retention))
	if err != nil {
		return err
	}
	a.logger.Info("decision log pruned", "rows", n)
	return nil
}

// baselineUnitCost is the per-request cost of the configured baseline
// backend, or zero when it is not in the catalog.
func (a *app) baselineUnitCost() float64 {
	b, err := a.router.Registry().Get(a.config().Reporting.BaselineBackend)
	if err != nil {
		return 0
	}
	return b.UnitCost
}

// averages returns the decision store as a mode averager, or nil.
func (a *app) averages() sink.ModeAverager {
	if a.store == nil {
		return nil
	}
	return a.store
}

// reload applies a changed config file to the running app. Listener and
// storage settings need a restart.
func (a *app) reload(cfg *config.Config) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	settings, err := routingSettings(cfg)
	if err != nil {
		return err
	}
	if err := a.router.Apply(settings); err != nil {
		return err
	}
	a.cfg.Store(cfg)
	a.monitor.SetTargets(probeTargets(cfg))
	a.stats.SetBaseline(a.baselineUnitCost())
	return nil
}

// Close stops the scheduler, drains the bus and closes storage.
func (a *app) Close() error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
