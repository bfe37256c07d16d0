// Package cost prices executor and comparator calls. Estimates feed the
// budget tracker's pre-flight reservations; actuals are computed from token
// usage after each call.
package cost

import (
	"github.com/shelfsight/shelfscan/internal/model"
)

// Rates holds per-model and comparator pricing configuration.
type Rates struct {
	Models            map[string]ModelRate `yaml:"models" mapstructure:"models"`
	ComparatorPerCall float64              `yaml:"comparator_per_call" mapstructure:"comparator_per_call"`
}

// ModelRate holds per-model pricing: flat per-call plus token rates
// (USD per million tokens).
type ModelRate struct {
	PerCall float64 `yaml:"per_call" mapstructure:"per_call"`
	Input   float64 `yaml:"input_per_mtok" mapstructure:"input_per_mtok"`
	Output  float64 `yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
}

// Token heuristics for pre-flight estimates. Vision input dominates; output
// scales with how many positions the unit asks for.
const (
	imageTokensFull = 1600 // whole-frame structure pass
	imageTokensBand = 1000 // single shelf band crop
	promptTokens    = 600

	outTokensStructure   = 400 // one whole-frame structure listing
	outTokensPerPosition = 70

	defaultBandPositions = 12 // unscoped items/details pass over one band
)

// Calculator computes costs for executor and comparator usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Call computes the actual cost of one executor call from its token usage.
// Unknown models price at zero; the pre-flight Estimate has already rejected
// them, so this only happens for deliberately free local executors.
func (c *Calculator) Call(modelID string, inputTokens, outputTokens int) float64 {
	rate, ok := c.rates.Models[modelID]
	if !ok {
		return 0
	}
	inCost := (float64(inputTokens) / 1e6) * rate.Input
	outCost := (float64(outputTokens) / 1e6) * rate.Output
	return rate.PerCall + inCost + outCost
}

// Estimate projects the cost of one executor call for a unit, for budget
// reservation before the call is made. A model without configured rates is
// unestimable, which the budget treats as unaffordable.
func (c *Calculator) Estimate(modelID string, unit model.WorkUnit) (float64, error) {
	rate, ok := c.rates.Models[modelID]
	if !ok {
		return 0, &model.UnestimableCostError{Executor: modelID, Cause: "no configured rates"}
	}

	inTokens := imageTokensBand + promptTokens
	if unit.Stage == model.StageStructure {
		inTokens = imageTokensFull + promptTokens
	}

	var outTokens int
	switch {
	case unit.Stage == model.StageStructure:
		outTokens = outTokensStructure
	case unit.Scope.Scoped():
		outTokens = outTokensPerPosition * len(unit.Scope.Positions)
	default:
		outTokens = outTokensPerPosition * defaultBandPositions
	}

	inCost := (float64(inTokens) / 1e6) * rate.Input
	outCost := (float64(outTokens) / 1e6) * rate.Output
	return rate.PerCall + inCost + outCost, nil
}

// Compare returns the flat cost of one comparator call.
func (c *Calculator) Compare() float64 {
	return c.rates.ComparatorPerCall
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5":         {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":           {Input: 15.00, Output: 75.00},
		},
		ComparatorPerCall: 0.01,
	}
}
