package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"llm-router/internal/adapter/gateway"
	"llm-router/internal/adapter/mcpserver"
	"llm-router/internal/adapter/sink"
	"llm-router/internal/domain"
	"llm-router/internal/infra/config"
	"llm-router/internal/infra/middleware"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRouteCmd(opts *rootOptions) *cobra.Command {
	var (
		modeName string
		asJSON   bool
		invoke   bool
	)
	cmd := &cobra.Command{
		Use:   "route <text...>",
		Short: "Route one query and print the decision",
		Example: `  llm-router route "Can you debug this function?" --mode smart_balance
  llm-router route --invoke "What is a monad?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withApp(cmd.Context(), opts, false, func(a *app) error {
				mode := defaultMode(a.config())
				if modeName != "" {
					var err error
					if mode, err = domain.ParseOptimizationMode(modeName); err != nil {
						return err
					}
				}

				rec, err := a.router.RouteRecord(cmd.Context(), text, mode)
				if err != nil {
					return err
				}

				var response string
				if invoke {
					ctx := cmd.Context()
					if t := a.config().Invoker.Timeout; t > 0 {
						var cancel context.CancelFunc
						ctx, cancel = context.WithTimeout(ctx, t)
						defer cancel()
					}
					if response, err = a.invoker.Invoke(ctx, rec.Decision.BackendID, text); err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, struct {
						domain.DecisionRecord
						Response string `json:"response,omitempty"`
					}{rec, response})
				}
				d := rec.Decision
				fmt.Fprintf(out, "Backend:    %s (%s)\n", d.BackendName, d.BackendID)
				fmt.Fprintf(out, "Category:   %s\n", d.TaskCategory)
				fmt.Fprintf(out, "Mode:       %s\n", d.OptimizationMode)
				fmt.Fprintf(out, "Reason:     %s\n", d.Reason)
				fmt.Fprintf(out, "Cost:       $%.4f\n", d.EstimatedCost)
				fmt.Fprintf(out, "Latency:    ~%dms\n", d.EstimatedLatencyMs)
				fmt.Fprintf(out, "Quality:    %d\n", d.QualityScore)
				if d.FailedOver {
					fmt.Fprintln(out, "Failed over: yes")
				}
				if response != "" {
					fmt.Fprintf(out, "\n%s\n", response)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&modeName, "mode", "m", "", "optimization mode: cost_first, performance_first, smart_balance")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the decision record as JSON")
	cmd.Flags().BoolVar(&invoke, "invoke", false, "send the query to the chosen backend")
	return cmd
}

func newBackendsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List the backend catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, false, func(a *app) error {
				backends := a.router.Registry().List()
				out := cmd.OutOrStdout()
				if asJSON {
					type view struct {
						domain.Backend
						Failover []string `json:"failover"`
					}
					views := make([]view, 0, len(backends))
					for _, b := range backends {
						views = append(views, view{Backend: b, Failover: a.router.FailoverChain(b.ID)})
					}
					return printJSON(out, views)
				}

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCOST\tLATENCY\tQUALITY\tHEALTH\tFAILOVER")
				for _, b := range backends {
					fmt.Fprintf(tw, "%s\t%s\t$%.4f\t%dms\t%d\t%s\t%s\n",
						b.ID, b.Name(), b.UnitCost, b.LatencyEstimateMs, b.QualityScore, b.Health,
						strings.Join(a.router.FailoverChain(b.ID), " > "))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newSavingsCmd(opts *rootOptions) *cobra.Command {
	var (
		requests int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "savings",
		Short: "Project monthly cost per optimization mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if requests < 0 {
				return fmt.Errorf("--requests must be >= 0")
			}
			return withApp(cmd.Context(), opts, false, func(a *app) error {
				if !cmd.Flags().Changed("requests") {
					requests = a.config().Reporting.MonthlyRequests
				}
				baseline, err := a.router.Registry().Get(a.config().Reporting.BaselineBackend)
				if err != nil {
					return err
				}
				var observed []sink.ModeAverage
				if a.store != nil {
					if observed, err = a.store.ModeAverages(cmd.Context()); err != nil {
						a.logger.Warn("mode averages unavailable, using assumed costs", "error", err)
						observed = nil
					}
				}
				p := sink.Project(requests, baseline.UnitCost, observed)

				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, p)
				}
				fmt.Fprintf(out, "%d requests/month, baseline %s at $%.4f: $%.2f\n\n",
					p.MonthlyRequests, baseline.Name(), p.BaselineUnitCost, p.CostWithoutRouting)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "MODE\tAVG COST\tMONTHLY\tSAVINGS\tSAVED\tSOURCE")
				for _, m := range p.Modes {
					fmt.Fprintf(tw, "%s\t$%.4f\t$%.2f\t$%.2f\t%.1f%%\t%s\n",
						m.Mode, m.AvgCost, m.MonthlyCost, m.Savings, m.SavingsPercent, m.Source)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&requests, "requests", "n", 0, "monthly request volume (default from reporting.monthly_requests)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, health checks and config reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return withApp(ctx, opts, false, func(a *app) error {
				if addr != "" {
					cfg := a.config()
					cfg.Gateway.Addr = addr
					cfg.Gateway.Enabled = true
				}
				return serve(ctx, a, opts.configPath)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway listen address; enables the gateway")
	return cmd
}

func serve(ctx context.Context, a *app, cfgPath string) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	cfg := a.config()
	if cfg.Watch.Enabled {
		w, err := config.NewWatcher(cfgPath, cfg.Watch.Debounce, a.reload, a.logger)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			a.logger.Warn("config watcher disabled", "path", cfgPath, "error", err)
		} else {
			defer w.Close()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Gateway.Enabled {
		srv := gateway.NewServer(gatewayDeps(a), gatewayConfig(cfg), a.logger)
		g.Go(func() error { return srv.Start(ctx) })
	} else {
		a.logger.Info("gateway disabled; running scheduled tasks only")
	}

	a.logger.Info("llm-router serving",
		"backends", len(a.router.Registry().List()),
		"gateway", cfg.Gateway.Enabled,
		"health_checks", cfg.Health.Enabled,
		"decision_log", a.store != nil,
		"watch", cfg.Watch.Enabled)

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

func gatewayDeps(a *app) gateway.Deps {
	cfg := a.config()
	return gateway.Deps{
		Router:          a.router,
		Invoker:         a.invoker,
		Bus:             a.bus,
		Stats:           a.stats,
		Averages:        a.averages(),
		Probes:          a.monitor,
		Scheduler:       a.scheduler,
		DefaultMode:     defaultMode(cfg),
		BaselineBackend: cfg.Reporting.BaselineBackend,
		MonthlyRequests: cfg.Reporting.MonthlyRequests,
		InvokeTimeout:   cfg.Invoker.Timeout,
	}
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	gc := gateway.Config{
		Addr: cfg.Gateway.Addr,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.Gateway.RateLimit.RequestsPerSecond,
			Burst:             cfg.Gateway.RateLimit.Burst,
			TrustedProxies:    cfg.Gateway.RateLimit.TrustedProxies,
		},
	}
	if len(cfg.Gateway.Tokens) > 0 {
		tokens := make([]gateway.Token, 0, len(cfg.Gateway.Tokens))
		for _, t := range cfg.Gateway.Tokens {
			tokens = append(tokens, gateway.Token{Name: t.Name, Value: t.Token})
		}
		gc.Auth = gateway.NewStaticTokenAuth(tokens)
	}
	return gc
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the routing tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return withApp(ctx, opts, true, func(a *app) error {
				srv := mcpserver.New(mcpserver.Deps{
					Router:          a.router,
					Averages:        a.averages(),
					DefaultMode:     defaultMode(a.config()),
					BaselineBackend: a.config().Reporting.BaselineBackend,
					MonthlyRequests: a.config().Reporting.MonthlyRequests,
				}, version, a.logger)
				err := srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

func newEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a secret for use as an enc: config value",
		Long: `Encrypts a probe API key or gateway token with the passphrase in
$LLMROUTER_CONFIG_KEY. Paste the output into the config file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("LLMROUTER_CONFIG_KEY")
			if passphrase == "" {
				return fmt.Errorf("LLMROUTER_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enc:%s\n", enc)
			return nil
		},
	}
}
