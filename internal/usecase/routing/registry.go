package routing

import (
	"fmt"
	"sync"
	"time"

	"llm-router/internal/domain"
)

// HealthListener is notified after a backend's health changes.
type HealthListener func(change domain.HealthChange)

// Registry holds the backend catalog and is the sole owner of health state.
// Reads take a shared lock; writes hold the exclusive lock only for the
// mutation itself, listeners run after it is released.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	backends  map[string]domain.Backend
	listeners []HealthListener
	now       func() time.Time
}

// NewRegistry creates a registry from an ordered catalog.
func NewRegistry(backends []domain.Backend) (*Registry, error) {
	order, byID, err := indexBackends(backends)
	if err != nil {
		return nil, err
	}
	return &Registry{order: order, backends: byID, now: time.Now}, nil
}

func indexBackends(backends []domain.Backend) ([]string, map[string]domain.Backend, error) {
	order := make([]string, 0, len(backends))
	byID := make(map[string]domain.Backend, len(backends))
	for _, b := range backends {
		if err := b.Validate(); err != nil {
			return nil, nil, err
		}
		if _, exists := byID[b.ID]; exists {
			return nil, nil, domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("backend %q", b.ID))
		}
		order = append(order, b.ID)
		byID[b.ID] = b
	}
	return order, byID, nil
}

// List returns a snapshot of all backends in catalog order.
func (r *Registry) List() []domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Backend, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.backends[id])
	}
	return out
}

// Get retrieves a backend by id.
func (r *Registry) Get(id string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[id]
	if !ok {
		return domain.Backend{}, domain.NewDomainError("Registry.Get", domain.ErrUnknownBackend, id)
	}
	return b, nil
}

// Health returns the current health of a backend.
func (r *Registry) Health(id string) (domain.Health, error) {
	b, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return b.Health, nil
}

// SetHealth updates a backend's health. Listeners fire only on a transition.
func (r *Registry) SetHealth(id string, health domain.Health) error {
	if health != domain.HealthAvailable && health != domain.HealthUnavailable {
		return domain.NewDomainError("Registry.SetHealth", domain.ErrInvalidHealth, health.String())
	}

	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.SetHealth", domain.ErrUnknownBackend, id)
	}
	from := b.Health
	b.Health = health
	r.backends[id] = b
	listeners := append([]HealthListener(nil), r.listeners...)
	r.mu.Unlock()

	if from != health {
		change := domain.HealthChange{BackendID: id, From: from, To: health, Timestamp: r.now()}
		for _, fn := range listeners {
			fn(change)
		}
	}
	return nil
}

// Replace swaps the catalog for a reloaded one. Backends that survive the
// reload keep their live health; new backends start with their configured
// health.
func (r *Registry) Replace(backends []domain.Backend) error {
	order, byID, err := indexBackends(backends)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, b := range byID {
		if old, ok := r.backends[id]; ok {
			b.Health = old.Health
			byID[id] = b
		}
	}
	r.order = order
	r.backends = byID
	return nil
}

// OnHealthChange registers a listener for health transitions.
func (r *Registry) OnHealthChange(fn HealthListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// AvailableCount returns the number of backends currently available.
func (r *Registry) AvailableCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, b := range r.backends {
		if b.Available() {
			n++
		}
	}
	return n
}
