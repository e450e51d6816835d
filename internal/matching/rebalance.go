package matching

import (
	"context"

	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/model"
)

// needsRebalance reports whether the circle's composition drifted.
func (r *run) needsRebalance(c *circleState) bool {
	_, share := model.DominantLifeStage(c.members)
	return share < r.o.cfg.DominanceThreshold || len(c.members) < r.o.cfg.MinCircleSize
}

// peripheral returns the members outside the dominant-label core.
func (r *run) peripheral(c *circleState) []model.User {
	dominant, _ := model.DominantLifeStage(c.members)
	var out []model.User
	for _, m := range c.members {
		if m.LifeStage == dominant && dominant != "" && m.Confidence() > r.o.cfg.CoreConfidence {
			continue
		}
		out = append(out, m)
	}
	return out
}

// rebalance opens dual-membership transitions for peripheral members of
// drifted circles that fit another circle clearly better.
func (r *run) rebalance(ctx context.Context) (map[string]int, error) {
	flagged := 0
	for _, c := range r.circles {
		if !r.needsRebalance(c) {
			continue
		}
		flagged++
		r.summary.RebalanceFlagged = append(r.summary.RebalanceFlagged, c.ID)
		r.log.Info("matching: circle flagged for rebalancing",
			zap.String("circle_id", c.ID),
			zap.Int("members", len(c.members)),
		)

		for _, m := range r.peripheral(c) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if r.pending[m.ID] {
				continue
			}
			target, score := r.bestTarget(ctx, m, c.ID)
			if target == nil || score <= r.o.cfg.RelocationThreshold {
				continue
			}
			r.openTransition(ctx, m, c, target, score)
		}
	}
	return map[string]int{
		"flagged":     flagged,
		"transitions": r.summary.TransitionsOpened,
	}, nil
}

// bestTarget scores member against every other circle with capacity that
// the member is not already in.
func (r *run) bestTarget(ctx context.Context, member model.User, fromID string) (*circleState, float64) {
	var best *circleState
	bestScore := -1.0
	for _, other := range r.circles {
		if other.ID == fromID || !r.capacity(other) || other.hasMember(member.ID) {
			continue
		}
		s := r.o.scorer.Score(ctx, member, other.members)
		if s > bestScore {
			best, bestScore = other, s
		}
	}
	return best, bestScore
}

// openTransition adds the new membership now and schedules the old one's
// deactivation after the grace period.
func (r *run) openTransition(ctx context.Context, member model.User, from, to *circleState, score float64) {
	if err := r.o.deps.Repo.AddMembership(ctx, member.ID, to.ID); err != nil {
		r.writeFailed("add_membership", member.ID, to.ID, err)
		return
	}
	to.members = append(to.members, member)

	due := r.o.now().Add(r.o.cfg.TransitionGrace())
	task, err := r.o.deps.Repo.ScheduleTask(ctx, model.ScheduledTask{
		Kind:     model.TaskKindDeactivateMembership,
		UserID:   member.ID,
		CircleID: from.ID,
		DueAt:    due,
	})
	if err != nil {
		r.writeFailed("schedule_deactivation", member.ID, from.ID, err)
		return
	}
	r.pending[member.ID] = true
	r.summary.TransitionsOpened++
	r.log.Info("matching: transition opened",
		zap.String("user_id", member.ID),
		zap.String("from_circle", from.ID),
		zap.String("to_circle", to.ID),
		zap.Float64("score", score),
		zap.String("task_id", task.ID),
		zap.Time("due_at", task.DueAt),
	)
}
