package matching

import (
	"context"

	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/model"
)

// cohesion flags circles whose members drifted apart as split candidates.
// Splitting itself is left to a later re-clustering step.
func (r *run) cohesion(ctx context.Context) (map[string]int, error) {
	limit := r.o.cfg.MaxDistanceKm * r.o.cfg.CohesionFactor
	for _, c := range r.circles {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		mean := r.meanPairwiseDistance(ctx, c.members)
		if mean <= limit {
			continue
		}
		r.summary.SplitCandidates = append(r.summary.SplitCandidates, model.SplitCandidate{
			CircleID:       c.ID,
			Name:           c.Name,
			MeanDistanceKm: mean,
		})
		r.log.Info("matching: circle flagged as split candidate",
			zap.String("circle_id", c.ID),
			zap.Float64("mean_distance_km", mean),
			zap.Float64("limit_km", limit),
		)
	}
	return map[string]int{"split_candidates": len(r.summary.SplitCandidates)}, nil
}

// meanPairwiseDistance averages the distance over every pair of members
// with a postal code. Fewer than two such members gives 0.
func (r *run) meanPairwiseDistance(ctx context.Context, members []model.User) float64 {
	var codes []string
	for _, m := range members {
		if m.PostalCode != "" {
			codes = append(codes, m.PostalCode)
		}
	}
	if len(codes) < 2 {
		return 0
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(codes); i++ {
		for j := i + 1; j < len(codes); j++ {
			sum += r.o.deps.Distance.Distance(ctx, codes[i], codes[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}
