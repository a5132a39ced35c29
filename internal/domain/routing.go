package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TaskCategory is the coarse intent of a request.
type TaskCategory int

const (
	CategoryGeneral TaskCategory = iota
	CategoryCode
	CategoryAnalysis
	CategoryCreative
	CategorySimple
)

var categoryNames = [...]string{
	CategoryGeneral:  "general",
	CategoryCode:     "code",
	CategoryAnalysis: "analysis",
	CategoryCreative: "creative",
	CategorySimple:   "simple",
}

// Categories returns every task category in declaration order.
func Categories() []TaskCategory {
	return []TaskCategory{CategoryGeneral, CategoryCode, CategoryAnalysis, CategoryCreative, CategorySimple}
}

// Valid reports whether c is one of the declared categories.
func (c TaskCategory) Valid() bool { return c >= CategoryGeneral && c <= CategorySimple }

func (c TaskCategory) String() string {
	if !c.Valid() {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// ParseTaskCategory parses the text form of a category.
func ParseTaskCategory(s string) (TaskCategory, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, name := range categoryNames {
		if name == key {
			return TaskCategory(i), nil
		}
	}
	return 0, NewDomainError("ParseTaskCategory", ErrInvalidCategory, s)
}

// MarshalText implements encoding.TextMarshaler.
func (c TaskCategory) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, NewDomainError("TaskCategory.MarshalText", ErrInvalidCategory, c.String())
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *TaskCategory) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// OptimizationMode is the caller-selected routing policy.
type OptimizationMode int

const (
	ModeCostFirst OptimizationMode = iota
	ModePerformanceFirst
	ModeSmartBalance
)

var modeNames = [...]string{
	ModeCostFirst:        "cost_first",
	ModePerformanceFirst: "performance_first",
	ModeSmartBalance:     "smart_balance",
}

// Modes returns every optimization mode in declaration order.
func Modes() []OptimizationMode {
	return []OptimizationMode{ModeCostFirst, ModePerformanceFirst, ModeSmartBalance}
}

// Valid reports whether m is one of the declared modes.
func (m OptimizationMode) Valid() bool { return m >= ModeCostFirst && m <= ModeSmartBalance }

func (m OptimizationMode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseOptimizationMode parses the text form of a mode. Unknown modes are
// rejected, never defaulted.
func ParseOptimizationMode(s string) (OptimizationMode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	for i, name := range modeNames {
		if name == key {
			return OptimizationMode(i), nil
		}
	}
	return 0, NewDomainError("ParseOptimizationMode", ErrInvalidOptimizationMode, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m OptimizationMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, NewDomainError("OptimizationMode.MarshalText", ErrInvalidOptimizationMode, m.String())
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *OptimizationMode) UnmarshalText(text []byte) error {
	parsed, err := ParseOptimizationMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// RoutingDecision is the immutable result of routing one request.
type RoutingDecision struct {
	BackendID          string           `json:"backend_id"`
	BackendName        string           `json:"backend_name"`
	TaskCategory       TaskCategory     `json:"task_category"`
	OptimizationMode   OptimizationMode `json:"optimization_mode"`
	Reason             string           `json:"reason"`
	FailedOver         bool             `json:"failed_over"`
	EstimatedCost      float64          `json:"estimated_cost"`
	EstimatedLatencyMs int              `json:"estimated_latency_ms"`
	QualityScore       int              `json:"quality_score"`
}

// DecisionRecord is a decision as seen by reporting sinks.
type DecisionRecord struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Request   string          `json:"request,omitempty"`
	Decision  RoutingDecision `json:"decision"`
}

// RoutingFailure is published when no decision could be produced.
type RoutingFailure struct {
	Timestamp        time.Time        `json:"timestamp"`
	Request          string           `json:"request,omitempty"`
	TaskCategory     TaskCategory     `json:"task_category"`
	OptimizationMode OptimizationMode `json:"optimization_mode"`
	Tried            []string         `json:"tried,omitempty"`
	Error            string           `json:"error"`
}

// Invocation is published after a routed request was sent to its backend.
type Invocation struct {
	RequestID string    `json:"request_id"`
	BackendID string    `json:"backend_id"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// HealthChange is published when a backend's health transitions.
type HealthChange struct {
	BackendID string    `json:"backend_id"`
	From      Health    `json:"from"`
	To        Health    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// UnavailableError reports that every backend in the preference chain for a
// category/mode is unavailable.
type UnavailableError struct {
	Category TaskCategory
	Mode     OptimizationMode
	Tried    []string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s/%s: tried [%s]", ErrNoBackendAvailable, e.Mode, e.Category, strings.Join(e.Tried, ", "))
}

func (e *UnavailableError) Unwrap() error { return ErrNoBackendAvailable }

// Classifier maps request text to a task category. Implementations must be
// total and deterministic.
type Classifier interface {
	Classify(text string) TaskCategory
}

// DecisionSink receives routing decisions for aggregation.
type DecisionSink interface {
	Record(ctx context.Context, rec DecisionRecord) error
}
