package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"llm-router/internal/domain"
	"llm-router/internal/infra/tracer"
)

// maxRequestExcerpt bounds the request text carried on decision records.
const maxRequestExcerpt = 200

// Settings is the data-driven routing configuration.
type Settings struct {
	Backends        []domain.Backend
	Tiers           map[string]string
	Policy          PolicyTable
	Failover        map[string][]string
	ClassifierRules []ClassifierRule
}

// DefaultBackends returns the built-in catalog.
func DefaultBackends() []domain.Backend {
	return []domain.Backend{
		{ID: "gpt35", DisplayName: "GPT-3.5 Turbo", UnitCost: 0.002, LatencyEstimateMs: 150, QualityScore: 85},
		{ID: "gpt4", DisplayName: "GPT-4", UnitCost: 0.03, LatencyEstimateMs: 300, QualityScore: 95},
		{ID: "claude", DisplayName: "Claude Sonnet", UnitCost: 0.015, LatencyEstimateMs: 250, QualityScore: 92},
		{ID: "gemini", DisplayName: "Gemini Pro", UnitCost: 0.001, LatencyEstimateMs: 100, QualityScore: 88},
	}
}

// DefaultSettings returns the built-in catalog, tiers, policy and chains.
func DefaultSettings() Settings {
	return Settings{
		Backends: DefaultBackends(),
		Tiers:    DefaultTiers(),
		Policy:   DefaultPolicyTable(),
		Failover: DefaultFailoverChains(),
	}
}

// engine is the immutable part of the router swapped on reload.
type engine struct {
	classifier domain.Classifier
	policy     *PolicyEngine
	resolver   *FailoverResolver
	accountant *Accountant
}

func buildEngine(s Settings, lookup domain.BackendLookup, classifier domain.Classifier) (*engine, error) {
	policy := s.Policy
	if policy == nil {
		policy = DefaultPolicyTable()
	}
	if err := ValidateChains(s.Failover, lookup); err != nil {
		return nil, err
	}
	resolver := NewFailoverResolver(s.Failover, lookup, policy)
	pe, err := NewPolicyEngine(policy, s.Tiers, lookup, resolver)
	if err != nil {
		return nil, err
	}
	if classifier == nil {
		classifier = NewKeywordClassifier(s.ClassifierRules)
	}
	return &engine{
		classifier: classifier,
		policy:     pe,
		resolver:   resolver,
		accountant: NewAccountant(lookup),
	}, nil
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithEventBus publishes decisions, failures and health changes to bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(r *Router) { r.bus = bus }
}

// WithClassifier replaces the keyword classifier, e.g. with a model-based one.
func WithClassifier(c domain.Classifier) Option {
	return func(r *Router) { r.classifier = c }
}

// Router runs the full pipeline: classify, select, fail over, account.
type Router struct {
	registry   *Registry
	engine     atomic.Pointer[engine]
	classifier domain.Classifier
	bus        domain.EventBus
	logger     *slog.Logger
	now        func() time.Time

	// applyMu pairs the registry contents with the engine built over them.
	applyMu sync.RWMutex
}

// NewRouter builds a router from settings. Configuration problems such as
// a tier naming an unknown backend are returned here, not at request time.
func NewRouter(settings Settings, opts ...Option) (*Router, error) {
	r := &Router{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	registry, err := NewRegistry(settings.Backends)
	if err != nil {
		return nil, domain.WrapOp("NewRouter", err)
	}
	e, err := buildEngine(settings, registry, r.classifier)
	if err != nil {
		return nil, domain.WrapOp("NewRouter", err)
	}
	r.registry = registry
	r.engine.Store(e)

	registry.OnHealthChange(r.onHealthChange)
	return r, nil
}

// Registry returns the live backend registry.
func (r *Router) Registry() *Registry { return r.registry }

// Policy returns the policy engine currently in use.
func (r *Router) Policy() *PolicyEngine { return r.engine.Load().policy }

// FailoverChain returns the configured fallback chain of a backend.
func (r *Router) FailoverChain(id string) []string { return r.engine.Load().resolver.Chain(id) }

// Classify returns the task category of text.
func (r *Router) Classify(text string) domain.TaskCategory {
	return r.engine.Load().classifier.Classify(text)
}

// Route classifies text and routes it under mode.
func (r *Router) Route(ctx context.Context, text string, mode domain.OptimizationMode) (domain.RoutingDecision, error) {
	rec, err := r.RouteRecord(ctx, text, mode)
	return rec.Decision, err
}

// RouteRecord is Route returning the decision record published to sinks.
func (r *Router) RouteRecord(ctx context.Context, text string, mode domain.OptimizationMode) (domain.DecisionRecord, error) {
	if !mode.Valid() {
		return domain.DecisionRecord{}, domain.NewDomainError("Router.Route", domain.ErrInvalidOptimizationMode, mode.String())
	}
	return r.decide(ctx, text, r.Classify(text), mode)
}

// RouteCategory routes an already classified request.
func (r *Router) RouteCategory(ctx context.Context, category domain.TaskCategory, mode domain.OptimizationMode) (domain.RoutingDecision, error) {
	if !mode.Valid() {
		return domain.RoutingDecision{}, domain.NewDomainError("Router.RouteCategory", domain.ErrInvalidOptimizationMode, mode.String())
	}
	if !category.Valid() {
		return domain.RoutingDecision{}, domain.NewDomainError("Router.RouteCategory", domain.ErrInvalidCategory, category.String())
	}
	rec, err := r.decide(ctx, "", category, mode)
	return rec.Decision, err
}

// resolve selects and prices a backend against one consistent engine.
func (r *Router) resolve(category domain.TaskCategory, mode domain.OptimizationMode) (Selection, domain.RoutingDecision, error) {
	r.applyMu.RLock()
	defer r.applyMu.RUnlock()

	e := r.engine.Load()
	sel, err := e.policy.Route(category, mode)
	if err != nil {
		return Selection{}, domain.RoutingDecision{}, err
	}
	decision, err := e.accountant.Annotate(sel.BackendID, category, mode, sel.Reason, sel.FailedOver)
	return sel, decision, err
}

func (r *Router) decide(ctx context.Context, text string, category domain.TaskCategory, mode domain.OptimizationMode) (domain.DecisionRecord, error) {
	ctx, span := tracer.StartSpan(ctx, "routing.route", trace.WithAttributes(
		tracer.StringAttr("routing.category", category.String()),
		tracer.StringAttr("routing.mode", mode.String()),
	))
	defer span.End()

	sel, decision, err := r.resolve(category, mode)
	if err != nil {
		tracer.RecordError(span, err)
		r.fail(ctx, text, category, mode, err)
		return domain.DecisionRecord{}, err
	}

	span.SetAttributes(
		tracer.StringAttr("routing.backend", decision.BackendID),
		tracer.BoolAttr("routing.failed_over", decision.FailedOver),
		tracer.Float64Attr("routing.cost", decision.EstimatedCost),
		tracer.IntAttr("routing.skipped", len(sel.Skipped)),
	)
	tracer.SetOK(span)

	if decision.FailedOver {
		r.logger.Warn("routing failed over",
			"category", category.String(),
			"mode", mode.String(),
			"skipped", sel.Skipped,
			"backend", decision.BackendID)
	} else {
		r.logger.Debug("routing decision",
			"category", category.String(),
			"mode", mode.String(),
			"backend", decision.BackendID)
	}

	t := r.now()
	rec := domain.DecisionRecord{
		ID:        newRecordID(t),
		Timestamp: t,
		Request:   excerpt(text),
		Decision:  decision,
	}
	r.publish(ctx, domain.EventRoutingDecision, rec.ID, rec)
	return rec, nil
}

func (r *Router) fail(ctx context.Context, text string, category domain.TaskCategory, mode domain.OptimizationMode, err error) {
	failure := domain.RoutingFailure{
		Timestamp:        r.now(),
		Request:          excerpt(text),
		TaskCategory:     category,
		OptimizationMode: mode,
		Error:            err.Error(),
	}
	var ue *domain.UnavailableError
	if errors.As(err, &ue) {
		failure.Tried = ue.Tried
		r.logger.Error("no backend available",
			"category", category.String(),
			"mode", mode.String(),
			"tried", ue.Tried)
	} else {
		r.logger.Error("routing failed", "category", category.String(), "mode", mode.String(), "error", err)
	}
	r.publish(ctx, domain.EventRoutingFailed, "", failure)
}

// Apply swaps in reloaded settings. The new settings are validated in full
// before anything changes; live health of surviving backends is kept.
func (r *Router) Apply(settings Settings) error {
	staging, err := NewRegistry(settings.Backends)
	if err != nil {
		return domain.WrapOp("Router.Apply", err)
	}
	if _, err := buildEngine(settings, staging, r.classifier); err != nil {
		return domain.WrapOp("Router.Apply", err)
	}

	r.applyMu.Lock()
	if err := r.registry.Replace(settings.Backends); err != nil {
		r.applyMu.Unlock()
		return domain.WrapOp("Router.Apply", err)
	}
	e, err := buildEngine(settings, r.registry, r.classifier)
	if err != nil {
		r.applyMu.Unlock()
		return domain.WrapOp("Router.Apply", err)
	}
	r.engine.Store(e)
	r.applyMu.Unlock()

	r.logger.Info("routing settings applied", "backends", len(settings.Backends))
	r.publish(context.Background(), domain.EventConfigReloaded, "", map[string]int{"backends": len(settings.Backends)})
	return nil
}

func (r *Router) onHealthChange(change domain.HealthChange) {
	r.logger.Info("backend health changed",
		"backend", change.BackendID,
		"from", change.From.String(),
		"to", change.To.String())
	r.publish(context.Background(), domain.EventBackendHealthChanged, "", change)
}

func (r *Router) publish(ctx context.Context, eventType domain.EventType, requestID string, payload any) {
	if r.bus == nil {
		return
	}
	ev, err := domain.NewEvent(eventType, requestID, payload)
	if err != nil {
		r.logger.Warn("event encode failed", "event", string(eventType), "error", err)
		return
	}
	r.bus.Publish(context.WithoutCancel(ctx), ev)
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= maxRequestExcerpt {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRequestExcerpt])
}

// newRecordID draws from the process-wide monotonic source so records
// stamped in the same millisecond still get distinct ids.
func newRecordID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
