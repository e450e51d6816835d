package scorer

import (
	"context"
	"math"

	"github.com/circlesave/circle-matcher/internal/config"
	"github.com/circlesave/circle-matcher/internal/model"
)

// Distancer returns the distance in km between two postal codes. It must not
// fail; unresolvable codes are estimated.
type Distancer interface {
	Distance(ctx context.Context, a, b string) float64
}

// Breakdown is a compatibility score with its components.
type Breakdown struct {
	Score float64 `json:"score"`
	// Gated is true when no member lies within the radius; Score is then 0.
	Gated          bool               `json:"gated"`
	MembersInRange int                `json:"members_in_range"`
	MeanDistanceKm float64            `json:"mean_distance_km"`
	Components     map[string]float64 `json:"components"`
}

// Scorer computes compatibility scores.
type Scorer struct {
	cfg  config.MatchingConfig
	dist Distancer
}

// New creates a Scorer.
func New(cfg config.MatchingConfig, dist Distancer) *Scorer {
	return &Scorer{cfg: cfg, dist: dist}
}

// Score returns the compatibility of candidate with members in [0,1].
func (s *Scorer) Score(ctx context.Context, candidate model.User, members []model.User) float64 {
	return s.Detail(ctx, candidate, members).Score
}

// Detail scores candidate against members. Factors the candidate or the
// group has no data for are left out of both the weighted sum and the
// weight total.
func (s *Scorer) Detail(ctx context.Context, candidate model.User, members []model.User) Breakdown {
	proximity, inRange, mean := s.proximity(ctx, candidate, members)
	if inRange == 0 {
		return Breakdown{Gated: true, Components: map[string]float64{FactorProximity: 0}}
	}

	components := map[string]float64{FactorProximity: proximity}
	if v, ok := lifeStageScore(candidate, members); ok {
		components[FactorLifeStage] = v
	}
	if v, ok := spendingScore(candidate, members); ok {
		components[FactorSpending] = v
	}
	if v, ok := frequencyScore(candidate, members); ok {
		components[FactorFrequency] = v
	}

	weights := weightsOf(s.cfg)
	var total, applied float64
	for k, v := range components {
		total += v * weights[k]
		applied += weights[k]
	}

	var score float64
	if applied > 0 {
		score = clamp01(total / applied)
	}
	return Breakdown{
		Score:          score,
		MembersInRange: inRange,
		MeanDistanceKm: mean,
		Components:     components,
	}
}

// proximity averages the distances of members within the radius and maps
// 0 km to 1 and the radius to 0.
func (s *Scorer) proximity(ctx context.Context, candidate model.User, members []model.User) (score float64, inRange int, meanKm float64) {
	if candidate.PostalCode == "" || s.cfg.MaxDistanceKm <= 0 {
		return 0, 0, 0
	}

	var sum float64
	for _, m := range members {
		if m.PostalCode == "" || m.ID == candidate.ID {
			continue
		}
		d := s.dist.Distance(ctx, candidate.PostalCode, m.PostalCode)
		if d <= s.cfg.MaxDistanceKm {
			sum += d
			inRange++
		}
	}
	if inRange == 0 {
		return 0, 0, 0
	}
	meanKm = sum / float64(inRange)
	return clamp01(1 - meanKm/s.cfg.MaxDistanceKm), inRange, meanKm
}

func lifeStageScore(candidate model.User, members []model.User) (float64, bool) {
	if candidate.LifeStage == "" || len(members) == 0 {
		return 0, false
	}
	var labelled, same int
	for _, m := range members {
		if m.LifeStage == "" {
			continue
		}
		labelled++
		if m.LifeStage == candidate.LifeStage {
			same++
		}
	}
	if labelled == 0 {
		return 0, false
	}
	return float64(same) / float64(len(members)), true
}

func spendingScore(candidate model.User, members []model.User) (float64, bool) {
	cats := candidate.Categories()
	if len(cats) == 0 {
		return 0, false
	}
	var sum float64
	var n int
	for _, m := range members {
		mc := m.Categories()
		if len(mc) == 0 {
			continue
		}
		sum += jaccard(cats, mc)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func frequencyScore(candidate model.User, members []model.User) (float64, bool) {
	cf, ok := candidate.ShoppingFrequency.WeeklyEquivalent()
	if !ok {
		return 0, false
	}
	var sum float64
	var n int
	for _, m := range members {
		mf, ok := m.ShoppingFrequency.WeeklyEquivalent()
		if !ok {
			continue
		}
		sum += 1 - math.Abs(cf-mf)/math.Max(cf, mf)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func jaccard(a, b map[model.SpendingCategory]struct{}) float64 {
	var inter int
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Similarity is the pairwise score used to rank users for a new circle:
// 0.4 for the same life-stage, 0.3 for the same shopping frequency and up to
// 0.3 for overlapping spending categories.
func Similarity(a, b model.User) float64 {
	var s float64
	if a.LifeStage != "" && a.LifeStage == b.LifeStage {
		s += 0.4
	}
	if a.ShoppingFrequency != "" && a.ShoppingFrequency == b.ShoppingFrequency {
		s += 0.3
	}
	ca, cb := a.Categories(), b.Categories()
	if n := max(len(ca), len(cb)); n > 0 {
		var inter int
		for k := range ca {
			if _, ok := cb[k]; ok {
				inter++
			}
		}
		s += 0.3 * float64(inter) / float64(n)
	}
	return s
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
