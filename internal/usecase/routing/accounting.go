package routing

import (
	"llm-router/internal/domain"
)

// Accountant attaches cost, latency and quality metadata to a selection.
type Accountant struct {
	lookup domain.BackendLookup
}

// NewAccountant creates an accountant reading from the live catalog.
func NewAccountant(lookup domain.BackendLookup) *Accountant {
	return &Accountant{lookup: lookup}
}

// Annotate packages the routing metadata with the resolved backend's
// current configured characteristics.
func (a *Accountant) Annotate(backendID string, category domain.TaskCategory, mode domain.OptimizationMode, reason string, failedOver bool) (domain.RoutingDecision, error) {
	b, err := a.lookup.Get(backendID)
	if err != nil {
		return domain.RoutingDecision{}, domain.WrapOp("Accountant.Annotate", err)
	}
	return domain.RoutingDecision{
		BackendID:          b.ID,
		BackendName:        b.Name(),
		TaskCategory:       category,
		OptimizationMode:   mode,
		Reason:             reason,
		FailedOver:         failedOver,
		EstimatedCost:      b.UnitCost,
		EstimatedLatencyMs: b.LatencyEstimateMs,
		QualityScore:       b.QualityScore,
	}, nil
}
