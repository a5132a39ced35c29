package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"llm-router/internal/infra/config"
	"llm-router/internal/infra/logger"
	"llm-router/internal/infra/tracer"
)

const defaultConfigPath = "llm-router.yaml"

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "llm-router",
		Short: "Route queries to the best language-model backend",
		Long: `llm-router classifies each query, picks a backend from the catalog
according to an optimization mode (cost_first, performance_first,
smart_balance), fails over when the chosen backend is unavailable and
reports what each decision costs.

Configuration is read from --config (default ./llm-router.yaml, or
$LLMROUTER_CONFIG). A missing file runs the built-in catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", configPathDefault(), "config file path")

	cmd.AddCommand(
		newRouteCmd(opts),
		newBackendsCmd(opts),
		newSavingsCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
		newDoctorCmd(opts),
		newEncryptCmd(),
	)
	return cmd
}

func configPathDefault() string {
	if p := os.Getenv("LLMROUTER_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// session is a loaded config with logging and tracing set up.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	shutdown func()
}

// openSession loads the config and initialises logging and tracing.
// forceStderr keeps stdout free for protocol traffic.
func openSession(ctx context.Context, opts *rootOptions, forceStderr bool) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if forceStderr && cfg.Logger.Output == "stdout" {
		cfg.Logger.Output = "stderr"
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	tracerOpts := []tracer.Option{tracer.WithVersion(version)}
	if forceStderr {
		tracerOpts = append(tracerOpts, tracer.WithWriter(os.Stderr))
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, tracerOpts...)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	return &session{
		cfg:    cfg,
		logger: log,
		shutdown: func() {
			if err := tracerShutdown(context.Background()); err != nil {
				log.Warn("tracer shutdown", "error", err)
			}
			logCloser()
		},
	}, nil
}

// withApp runs fn against a fully wired app and tears it down afterwards.
func withApp(ctx context.Context, opts *rootOptions, forceStderr bool, fn func(*app) error) error {
	s, err := openSession(ctx, opts, forceStderr)
	if err != nil {
		return err
	}
	defer s.shutdown()

	a, err := newApp(s.cfg, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			s.logger.Error("shutdown", "error", err)
		}
	}()
	return fn(a)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
