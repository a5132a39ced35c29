package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Health is the availability state of a backend.
type Health int

const (
	HealthAvailable Health = iota
	HealthUnavailable
)

func (h Health) String() string {
	switch h {
	case HealthAvailable:
		return "available"
	case HealthUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// ParseHealth accepts "available"/"unavailable" and the aliases "online"/"offline".
func ParseHealth(s string) (Health, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "online", "up":
		return HealthAvailable, nil
	case "unavailable", "offline", "down":
		return HealthUnavailable, nil
	default:
		return 0, NewDomainError("ParseHealth", ErrInvalidHealth, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Health) UnmarshalText(text []byte) error {
	parsed, err := ParseHealth(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Backend is a candidate language-model provider.
type Backend struct {
	ID                string  `json:"id"`
	DisplayName       string  `json:"display_name"`
	UnitCost          float64 `json:"unit_cost"`
	LatencyEstimateMs int     `json:"latency_estimate_ms"`
	QualityScore      int     `json:"quality_score"`
	Health            Health  `json:"health"`
}

// Available reports whether the backend can be routed to.
func (b Backend) Available() bool { return b.Health == HealthAvailable }

// Name returns the display name, falling back to the id.
func (b Backend) Name() string {
	if b.DisplayName != "" {
		return b.DisplayName
	}
	return b.ID
}

// Validate checks the backend's characteristics.
func (b Backend) Validate() error {
	switch {
	case strings.TrimSpace(b.ID) == "":
		return NewDomainError("Backend.Validate", ErrInvalidBackend, "id is required")
	case b.UnitCost < 0:
		return NewDomainError("Backend.Validate", ErrInvalidBackend, fmt.Sprintf("%s: unit cost must be >= 0", b.ID))
	case b.LatencyEstimateMs <= 0:
		return NewDomainError("Backend.Validate", ErrInvalidBackend, fmt.Sprintf("%s: latency estimate must be > 0", b.ID))
	case b.QualityScore < 0 || b.QualityScore > 100:
		return NewDomainError("Backend.Validate", ErrInvalidBackend, fmt.Sprintf("%s: quality score must be within 0-100", b.ID))
	case b.Health != HealthAvailable && b.Health != HealthUnavailable:
		return NewDomainError("Backend.Validate", ErrInvalidHealth, b.ID)
	}
	return nil
}

// BackendLookup resolves backends by id against the live catalog.
type BackendLookup interface {
	Get(id string) (Backend, error)
}

// HealthSetter is implemented by the component that owns backend health.
type HealthSetter interface {
	SetHealth(id string, health Health) error
}

// ProbeTarget describes how to check a backend's reachability.
type ProbeTarget struct {
	BackendID string
	URL       string
	APIKey    string
	Timeout   time.Duration // zero uses the monitor default
}

// HealthProber checks whether a backend is reachable.
type HealthProber interface {
	Probe(ctx context.Context, target ProbeTarget) error
}

// Invoker performs the actual call to a resolved backend.
type Invoker interface {
	Invoke(ctx context.Context, backendID, text string) (string, error)
}
