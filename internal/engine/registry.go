package engine

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/revenue-engine/internal/config"
	"github.com/sells-group/revenue-engine/internal/lifecycle"
	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/pricing"
	"github.com/sells-group/revenue-engine/internal/valuation"
)

// Registry maps stage names to their implementations.
type Registry struct {
	stages map[string]Stage
	order  []string // dependency order
}

// NewRegistry creates a registry with the three stages in dependency order.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{stages: make(map[string]Stage)}
	r.Register(lifecycle.NewStage(cfg.Lifecycle.MaxTrialDays))
	r.Register(pricing.NewStage(ClusterConfig(cfg.Pricing), cfg.Pricing.Workers))
	r.Register(valuation.NewStage(ValuationConfig(cfg.Valuation), cfg.Lifecycle.MaxTrialDays))
	return r
}

// ClusterConfig converts pricing settings to clustering thresholds.
func ClusterConfig(c config.PricingConfig) pricing.ClusterConfig {
	return pricing.ClusterConfig{
		RelativeGap: decimal.NewFromFloat(c.RelativeGap),
		AbsoluteGap: decimal.NewFromFloat(c.AbsoluteGap),
		Epsilon:     decimal.NewFromFloat(c.MatchEpsilon),
	}
}

// ValuationConfig converts valuation settings to the value model windows.
func ValuationConfig(c config.ValuationConfig) valuation.Config {
	return valuation.Config{
		TrialPendingDays:         c.TrialPendingDays,
		TrialRefundWindowDays:    c.TrialRefundWindowDays,
		PurchaseRefundWindowDays: c.PurchaseRefundWindowDays,
		DefaultRates: model.RateProfile{
			TrialConversionRate: decimal.NewFromFloat(c.DefaultRates.TrialConversionRate),
			TrialRefundRate:     decimal.NewFromFloat(c.DefaultRates.TrialRefundRate),
			PurchaseRefundRate:  decimal.NewFromFloat(c.DefaultRates.PurchaseRefundRate),
		},
	}
}

// Register adds a stage after the ones already registered.
func (r *Registry) Register(s Stage) {
	name := s.Name()
	if _, ok := r.stages[name]; !ok {
		r.order = append(r.order, name)
	}
	r.stages[name] = s
}

// Get returns a stage by name.
func (r *Registry) Get(name string) (Stage, error) {
	s, ok := r.stages[name]
	if !ok {
		return nil, eris.Errorf("engine: unknown stage %q (valid: %v)", name, r.order)
	}
	return s, nil
}

// Select returns the named stages in dependency order, whatever order the
// names were given in. Empty names selects every stage.
func (r *Registry) Select(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		if _, err := r.Get(name); err != nil {
			return nil, err
		}
		want[name] = true
	}
	var result []Stage
	for _, name := range r.order {
		if want[name] {
			result = append(result, r.stages[name])
		}
	}
	return result, nil
}

// All returns all stages in dependency order.
func (r *Registry) All() []Stage {
	result := make([]Stage, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.stages[name])
	}
	return result
}

// AllNames returns all stage names in dependency order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
