package matching

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/model"
	"github.com/circlesave/circle-matcher/internal/scorer"
)

// placement serves unmatched users in discovery order: join the best
// circle with capacity when it clears the placement threshold, otherwise try
// to form a new circle with similar unmatched users. Leftover users are then
// swept against the grown circle set until a sweep places nobody, so a rerun
// on unchanged data has nothing left to place.
func (r *run) placement(ctx context.Context) (map[string]int, error) {
	joined, formed, swept := 0, 0, 0
	for _, u := range r.unmatched {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if r.placed[u.ID] {
			continue
		}
		if r.join(ctx, u) {
			joined++
			continue
		}
		if r.failed[u.ID] {
			continue
		}
		if r.formCircle(ctx, u) {
			formed++
		}
	}

	for {
		n := 0
		for _, u := range r.unmatched {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if r.placed[u.ID] || r.failed[u.ID] {
				continue
			}
			if r.join(ctx, u) {
				n++
			}
		}
		swept += n
		if n == 0 {
			break
		}
	}

	r.summary.LeftUnmatched = len(r.unmatched) - len(r.placed)
	return map[string]int{
		"joined":         joined,
		"formed":         formed,
		"swept":          swept,
		"left_unmatched": r.summary.LeftUnmatched,
	}, nil
}

// join adds u to the best circle with capacity when its score clears the
// placement threshold. A failed write marks u failed for the rest of the run.
func (r *run) join(ctx context.Context, u model.User) bool {
	target, score := r.bestCircle(ctx, u)
	if target == nil || score <= r.o.cfg.PlacementThreshold {
		return false
	}
	if err := r.o.deps.Repo.AddMembership(ctx, u.ID, target.ID); err != nil {
		r.writeFailed("add_membership", u.ID, target.ID, err)
		return false
	}
	target.members = append(target.members, u)
	r.markPlaced(u.ID)
	r.log.Debug("matching: user placed",
		zap.String("user_id", u.ID),
		zap.String("circle_id", target.ID),
		zap.Float64("score", score),
	)
	return true
}

func (r *run) markPlaced(userID string) {
	r.placed[userID] = true
	r.summary.Placed++
}

// bestCircle returns the highest scoring circle with capacity. The first
// circle wins a tie.
func (r *run) bestCircle(ctx context.Context, u model.User) (*circleState, float64) {
	var best *circleState
	bestScore := -1.0
	for _, c := range r.circles {
		if !r.capacity(c) {
			continue
		}
		s := r.o.scorer.Score(ctx, u, c.members)
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

// similarUsers ranks the other unplaced users sharing the candidate's
// life-stage by pairwise similarity and keeps at most max-1 of them.
func (r *run) similarUsers(candidate model.User) []model.User {
	var pool []model.User
	for _, u := range r.unmatched {
		if u.ID == candidate.ID || r.placed[u.ID] || u.LifeStage != candidate.LifeStage {
			continue
		}
		pool = append(pool, u)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return scorer.Similarity(candidate, pool[i]) > scorer.Similarity(candidate, pool[j])
	})
	if limit := r.o.cfg.MaxCircleSize - 1; len(pool) > limit {
		pool = pool[:limit]
	}
	return pool
}

// formCircle creates a circle around candidate when enough similar users
// remain. It reports whether a circle was created.
func (r *run) formCircle(ctx context.Context, candidate model.User) bool {
	members := append([]model.User{candidate}, r.similarUsers(candidate)...)
	if len(members) < r.o.cfg.MinCircleSize {
		return false
	}

	name := r.o.deps.Namer.Name(ctx, members)
	desc := r.o.deps.Namer.Describe(ctx, members)
	id, err := r.o.deps.Repo.CreateCircle(ctx, name, desc, r.o.cfg.MaxDistanceKm)
	if err != nil {
		r.writeFailed("create_circle", candidate.ID, "", err)
		return false
	}

	c := &circleState{Circle: model.Circle{
		ID:             id,
		Name:           name,
		Description:    desc,
		LocationRadius: r.o.cfg.MaxDistanceKm,
		CreatedAt:      r.o.now(),
	}}
	r.circles = append(r.circles, c)
	r.summary.CirclesCreated = append(r.summary.CirclesCreated, id)

	for _, m := range members {
		if err := r.o.deps.Repo.AddMembership(ctx, m.ID, id); err != nil {
			r.writeFailed("add_membership", m.ID, id, err)
			continue
		}
		c.members = append(c.members, m)
		r.markPlaced(m.ID)
	}

	// Members' codes were prefetched; this only fills entries the prefetch missed.
	for _, m := range c.members {
		_, _ = r.o.deps.Locations.Resolve(ctx, m.PostalCode)
	}

	r.log.Info("matching: circle created",
		zap.String("circle_id", id),
		zap.String("name", name),
		zap.Int("members", len(c.members)),
	)
	return true
}
