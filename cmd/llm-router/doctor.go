package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"llm-router/internal/adapter/probe"
	"llm-router/internal/domain"
	"llm-router/internal/infra/config"
	"llm-router/internal/usecase/routing"
)

// CheckStatus represents the result of a doctor check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named doctor check.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the config, catalog, probes and storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), opts.configPath)
		},
	}
}

func runDoctor(ctx context.Context, w io.Writer, cfgPath string) error {
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Secrets", Fn: checkSecrets},
		{Name: "Routing catalog", Fn: checkCatalog},
		{Name: "Policy coverage", Fn: checkPolicyCoverage},
		{Name: "Backend probes", Fn: checkProbes},
		{Name: "Decision log", Fn: checkDecisionLog},
		{Name: "Gateway address", Fn: checkGatewayAddr},
	}

	fmt.Fprintln(w, "llm-router doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the reported fields in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, using the built-in catalog", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkSecrets flags "enc:" values that were not decrypted.
func checkSecrets(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	var encrypted []string
	for _, b := range cfg.Backends {
		if strings.HasPrefix(b.Probe.APIKey, "enc:") {
			encrypted = append(encrypted, "backend "+b.ID)
		}
	}
	for _, t := range cfg.Gateway.Tokens {
		if strings.HasPrefix(t.Token, "enc:") {
			encrypted = append(encrypted, "gateway token "+t.Name)
		}
	}
	if len(encrypted) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "encrypted values left undecrypted: " + strings.Join(encrypted, ", "),
			Fix:     "Export LLMROUTER_CONFIG_KEY with the passphrase used by 'llm-router encrypt'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "no undecrypted secrets"}
}

func buildRouter(cfg *config.Config) (*routing.Router, error) {
	settings, err := routingSettings(cfg)
	if err != nil {
		return nil, err
	}
	return routing.NewRouter(settings, routing.WithLogger(discardLogger()))
}

func checkCatalog(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	r, err := buildRouter(cfg)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	backends := r.Registry().List()
	if r.Registry().AvailableCount() == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d backends, none available", len(backends)),
			Fix:     "Mark at least one backend health: available",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d backends, %d available", len(backends), r.Registry().AvailableCount()),
	}
}

// checkPolicyCoverage routes every mode/category pair once.
func checkPolicyCoverage(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	r, err := buildRouter(cfg)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: "catalog invalid"}
	}
	var failed []string
	for _, mode := range domain.Modes() {
		for _, cat := range domain.Categories() {
			if _, err := r.RouteCategory(ctx, cat, mode); err != nil {
				failed = append(failed, mode.String()+"/"+cat.String())
			}
		}
	}
	if len(failed) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no backend for " + strings.Join(failed, ", "),
			Fix:     "Extend failover chains or restore backend health",
		}
	}
	n := len(domain.Modes()) * len(domain.Categories())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("all %d mode/category pairs route", n)}
}

func checkProbes(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	targets := probeTargets(cfg)
	if len(targets) == 0 {
		return CheckResult{Status: StatusWarn, Message: "no probe URLs configured; health is static"}
	}
	prober := probe.NewHTTPProber(cfg.Health.Timeout)
	var down []string
	for _, t := range targets {
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = cfg.Health.Timeout
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := prober.Probe(pctx, t)
		cancel()
		if err != nil {
			down = append(down, fmt.Sprintf("%s (%v)", t.BackendID, err))
		}
	}
	if len(down) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d/%d unreachable: %s", len(down), len(targets), strings.Join(down, "; ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d backends reachable", len(targets))}
}

func checkDecisionLog(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	sq := cfg.Reporting.SQLite
	if !sq.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled; reporting is in-memory only"}
	}
	dir := filepath.Dir(sq.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: "writable at " + sq.Path}
}

func checkGatewayAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Pick a free gateway.addr or stop the process holding it",
		}
	}
	ln.Close()
	msg := "free: " + cfg.Gateway.Addr
	if len(cfg.Gateway.Tokens) == 0 {
		return CheckResult{Status: StatusWarn, Message: msg + ", API is unauthenticated", Fix: "Add gateway.tokens"}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}
