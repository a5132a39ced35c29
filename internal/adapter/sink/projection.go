package sink

import "llm-router/internal/domain"

// AssumedModeCosts are the per-request averages used for a mode until
// real traffic has been recorded for it.
var AssumedModeCosts = map[domain.OptimizationMode]float64{
	domain.ModeCostFirst:        0.003,
	domain.ModePerformanceFirst: 0.025,
	domain.ModeSmartBalance:     0.012,
}

// Cost sources reported on a ModeProjection.
const (
	SourceObserved = "observed"
	SourceAssumed  = "assumed"
)

// ModeProjection is the monthly cost of one optimization mode.
type ModeProjection struct {
	Mode           domain.OptimizationMode `json:"mode"`
	AvgCost        float64                 `json:"avg_cost"`
	Source         string                  `json:"source"`
	MonthlyCost    float64                 `json:"monthly_cost"`
	Savings        float64                 `json:"savings"`
	SavingsPercent float64                 `json:"savings_percent"`
}

// Projection compares a month of traffic on the baseline backend with the
// same traffic routed under each mode.
type Projection struct {
	MonthlyRequests    int              `json:"monthly_requests"`
	BaselineUnitCost   float64          `json:"baseline_unit_cost"`
	CostWithoutRouting float64          `json:"cost_without_routing"`
	Modes              []ModeProjection `json:"modes"`
}

// Project builds the comparison. Observed averages win over the assumed
// ones for modes that have recorded traffic.
func Project(monthlyRequests int, baselineUnitCost float64, observed []ModeAverage) Projection {
	seen := make(map[domain.OptimizationMode]float64, len(observed))
	for _, o := range observed {
		if o.Requests > 0 {
			seen[o.Mode] = o.AvgCost
		}
	}

	p := Projection{
		MonthlyRequests:    monthlyRequests,
		BaselineUnitCost:   baselineUnitCost,
		CostWithoutRouting: float64(monthlyRequests) * baselineUnitCost,
	}
	for _, m := range domain.Modes() {
		mp := ModeProjection{Mode: m, AvgCost: AssumedModeCosts[m], Source: SourceAssumed}
		if avg, ok := seen[m]; ok {
			mp.AvgCost, mp.Source = avg, SourceObserved
		}
		mp.MonthlyCost = float64(monthlyRequests) * mp.AvgCost
		mp.Savings = p.CostWithoutRouting - mp.MonthlyCost
		if p.CostWithoutRouting > 0 {
			mp.SavingsPercent = mp.Savings / p.CostWithoutRouting * 100
		}
		p.Modes = append(p.Modes, mp)
	}
	return p
}
