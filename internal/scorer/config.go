// Package scorer computes compatibility between a candidate user and a
// circle's members, and the simpler pairwise similarity used to seed new
// circles.
package scorer

import (
	"github.com/circlesave/circle-matcher/internal/config"
)

// Factor names used in score breakdowns.
const (
	FactorProximity = "proximity"
	FactorLifeStage = "life_stage"
	FactorSpending  = "spending"
	FactorFrequency = "frequency"
)

// DefaultMatchingConfig returns a config.MatchingConfig with the production
// defaults. Weights sum to 1.
func DefaultMatchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		MaxDistanceKm: 5,
		MinCircleSize: 3,
		MaxCircleSize: 8,
		Weights: config.WeightsConfig{
			Proximity: 0.40,
			LifeStage: 0.25,
			Spending:  0.25,
			Frequency: 0.10,
		},

		// Thresholds.
		PlacementThreshold:   0.7,
		RelocationThreshold:  0.8,
		DominanceThreshold:   0.6,
		CoreConfidence:       0.7,
		CohesionFactor:       1.2,
		TransitionGraceHours: 48,
		LookupConcurrency:    8,
	}
}

// weightsOf maps factor names to configured weights.
func weightsOf(c config.MatchingConfig) map[string]float64 {
	return map[string]float64{
		FactorProximity: c.Weights.Proximity,
		FactorLifeStage: c.Weights.LifeStage,
		FactorSpending:  c.Weights.Spending,
		FactorFrequency: c.Weights.Frequency,
	}
}

// ValidateConfig checks that a MatchingConfig is internally consistent. It
// returns a *config.ConfigurationError listing every problem.
func ValidateConfig(c config.MatchingConfig) error {
	return config.NewConfigurationError(c.Validate())
}
