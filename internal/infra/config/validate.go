package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"llm-router/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
	kinds  []error
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap exposes the sentinel kinds recorded with AddKind, so callers can
// test for e.g. domain.ErrUnknownBackend with errors.Is.
func (v *ValidationError) Unwrap() []error {
	return append([]error{domain.ErrConfigLoad}, v.kinds...)
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// AddKind records a formatted validation error tagged with a sentinel.
func (v *ValidationError) AddKind(kind error, format string, args ...interface{}) {
	v.Add(format, args...)
	for _, k := range v.kinds {
		if errors.Is(k, kind) {
			return
		}
	}
	v.kinds = append(v.kinds, kind)
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	ids := validateBackends(cfg, ve)
	validateTiers(cfg, ids, ve)
	validatePolicy(cfg, ve)
	validateFailover(cfg, ids, ve)
	validateClassifier(cfg, ve)
	validateHealth(cfg, ve)
	validateReporting(cfg, ids, ve)
	validateGateway(cfg, ve)
	validateTracer(cfg, ve)
	validateWatch(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBackends(cfg *Config, ve *ValidationError) map[string]bool {
	ids := make(map[string]bool, len(cfg.Backends))
	if len(cfg.Backends) == 0 {
		ve.AddKind(domain.ErrInvalidBackend, "backends: at least one backend is required")
	}
	for i, b := range cfg.Backends {
		if strings.TrimSpace(b.ID) == "" {
			ve.AddKind(domain.ErrInvalidBackend, "backends[%d].id is required", i)
			continue
		}
		if ids[b.ID] {
			ve.AddKind(domain.ErrDuplicate, "backends[%d].id %q is duplicated", i, b.ID)
		}
		ids[b.ID] = true
		if b.UnitCost < 0 {
			ve.AddKind(domain.ErrInvalidBackend, "backends[%d] (%s): unit_cost must be >= 0", i, b.ID)
		}
		if b.LatencyMs <= 0 {
			ve.AddKind(domain.ErrInvalidBackend, "backends[%d] (%s): latency_ms must be > 0", i, b.ID)
		}
		if b.Quality < 0 || b.Quality > 100 {
			ve.AddKind(domain.ErrInvalidBackend, "backends[%d] (%s): quality must be within 0-100", i, b.ID)
		}
		if b.Health != "" {
			if _, err := domain.ParseHealth(b.Health); err != nil {
				ve.AddKind(domain.ErrInvalidHealth, "backends[%d] (%s): health %q is invalid (want: available, unavailable)", i, b.ID, b.Health)
			}
		}
		if b.Probe.URL != "" && !strings.HasPrefix(b.Probe.URL, "http://") && !strings.HasPrefix(b.Probe.URL, "https://") {
			ve.AddKind(domain.ErrInvalidBackend, "backends[%d] (%s): probe.url must be http(s)", i, b.ID)
		}
		if b.Probe.Timeout < 0 {
			ve.AddKind(domain.ErrInvalidBackend, "backends[%d] (%s): probe.timeout must be >= 0", i, b.ID)
		}
	}
	return ids
}

func validateTiers(cfg *Config, ids map[string]bool, ve *ValidationError) {
	for _, tier := range sortedKeys(cfg.Tiers) {
		if id := cfg.Tiers[tier]; !ids[id] {
			ve.AddKind(domain.ErrUnknownBackend, "tiers.%s references unknown backend %q", tier, id)
		}
	}
}

func validatePolicy(cfg *Config, ve *ValidationError) {
	if _, err := domain.ParseOptimizationMode(cfg.Policy.DefaultMode); err != nil {
		ve.AddKind(domain.ErrInvalidOptimizationMode, "policy.default_mode %q is invalid (want: cost_first, performance_first, smart_balance)", cfg.Policy.DefaultMode)
	}

	for _, mode := range sortedKeys(cfg.Policy.Rules) {
		if _, err := domain.ParseOptimizationMode(mode); err != nil {
			ve.AddKind(domain.ErrInvalidOptimizationMode, "policy.rules.%s: unknown optimization mode", mode)
		}
		for _, category := range sortedKeys(cfg.Policy.Rules[mode]) {
			if _, err := domain.ParseTaskCategory(category); err != nil {
				ve.AddKind(domain.ErrInvalidCategory, "policy.rules.%s.%s: unknown task category", mode, category)
			}
		}
	}

	for _, mode := range domain.Modes() {
		row := cfg.Policy.Rules[mode.String()]
		for _, category := range domain.Categories() {
			rule, ok := row[category.String()]
			if !ok {
				ve.Add("policy.rules.%s.%s is missing", mode, category)
				continue
			}
			if rule.Tier == "" {
				ve.Add("policy.rules.%s.%s.tier is required", mode, category)
				continue
			}
			if _, ok := cfg.Tiers[rule.Tier]; !ok {
				ve.AddKind(domain.ErrUnknownBackend, "policy.rules.%s.%s: tier %q is not assigned in tiers", mode, category, rule.Tier)
			}
			if rule.Subject == "" {
				ve.Add("policy.rules.%s.%s.subject is required", mode, category)
			}
		}
	}
}

func validateFailover(cfg *Config, ids map[string]bool, ve *ValidationError) {
	for _, id := range sortedKeys(cfg.Failover) {
		if !ids[id] {
			ve.AddKind(domain.ErrUnknownBackend, "failover.%s: unknown backend", id)
		}
		for i, next := range cfg.Failover[id] {
			if !ids[next] {
				ve.AddKind(domain.ErrUnknownBackend, "failover.%s[%d] references unknown backend %q", id, i, next)
			}
		}
	}
}

func validateClassifier(cfg *Config, ve *ValidationError) {
	for i, rule := range cfg.Classifier.Rules {
		if _, err := domain.ParseTaskCategory(rule.Category); err != nil {
			ve.AddKind(domain.ErrInvalidCategory, "classifier.rules[%d].category %q is invalid", i, rule.Category)
		}
		if len(rule.Keywords) == 0 {
			ve.Add("classifier.rules[%d].keywords must not be empty", i)
		}
	}
}

func validateHealth(cfg *Config, ve *ValidationError) {
	if !cfg.Health.Enabled {
		return
	}
	if err := validateSchedule(cfg.Health.Schedule); err != nil {
		ve.Add("health.schedule: %v", err)
	}
	if cfg.Health.Timeout <= 0 {
		ve.Add("health.timeout must be > 0 when health checks are enabled")
	}
}

func validateReporting(cfg *Config, ids map[string]bool, ve *ValidationError) {
	if cfg.Reporting.BaselineBackend != "" && !ids[cfg.Reporting.BaselineBackend] {
		ve.AddKind(domain.ErrUnknownBackend, "reporting.baseline_backend references unknown backend %q", cfg.Reporting.BaselineBackend)
	}
	if cfg.Reporting.MonthlyRequests < 0 {
		ve.Add("reporting.monthly_requests must be >= 0")
	}
	sq := cfg.Reporting.SQLite
	if !sq.Enabled {
		return
	}
	if sq.Path == "" {
		ve.Add("reporting.sqlite.path is required when sqlite is enabled")
	}
	if sq.Retention < 0 {
		ve.Add("reporting.sqlite.retention must be >= 0")
	}
	if sq.Retention > 0 {
		if err := validateSchedule(sq.PruneSchedule); err != nil {
			ve.Add("reporting.sqlite.prune_schedule: %v", err)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.RateLimit.RequestsPerSecond < 0 || cfg.Gateway.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
	for i, t := range cfg.Gateway.Tokens {
		if t.Token == "" {
			ve.Add("gateway.tokens[%d]: token is required", i)
		}
	}
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	t := cfg.Tracer
	if !t.Enabled {
		return
	}
	switch t.Exporter {
	case "", "noop", "stdout", "stderr":
	case "file":
		if t.Path == "" {
			ve.Add("tracer.path is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q is not one of noop, stdout, stderr, file", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}

func validateWatch(cfg *Config, ve *ValidationError) {
	if cfg.Watch.Enabled && cfg.Watch.Debounce < 0 {
		ve.Add("watch.debounce must be >= 0")
	}
}

// validateSchedule accepts a cron expression or a positive duration.
func validateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err == nil {
		return nil
	}
	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return fmt.Errorf("duration must be positive: %q", schedule)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
