package matching

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/circlesave/circle-matcher/internal/model"
	"github.com/circlesave/circle-matcher/internal/store"
)

// discover loads the snapshot the remaining stages decide on: unmatched
// users in service order, circles with their active members, open
// transitions, and every user's spending patterns.
func (r *run) discover(ctx context.Context) (map[string]int, error) {
	repo := r.o.deps.Repo

	refs, err := repo.ListActiveMemberships(ctx)
	if err != nil {
		return nil, readErr("active memberships", err)
	}
	matched := make(map[string]struct{}, len(refs))
	exclude := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, ok := matched[ref.UserID]; ok {
			continue
		}
		matched[ref.UserID] = struct{}{}
		exclude = append(exclude, ref.UserID)
	}

	unmatched, err := repo.ListUsers(ctx, store.UserFilter{
		HasPostalCode:  true,
		HasLifeStage:   true,
		ExcludeUserIDs: exclude,
	})
	if err != nil {
		return nil, readErr("users", err)
	}

	circles, err := repo.ListCirclesWithActiveMembers(ctx)
	if err != nil {
		return nil, readErr("circles", err)
	}

	tasks, err := repo.ListPendingTasks(ctx)
	if err != nil {
		return nil, readErr("pending tasks", err)
	}
	r.pending = make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Kind == model.TaskKindDeactivateMembership {
			r.pending[t.UserID] = true
		}
	}

	// Circle members arrive without patterns; every user in the snapshot is
	// hydrated once.
	r.unmatched = unmatched
	r.circles = make([]*circleState, 0, len(circles))
	for _, c := range circles {
		members := make([]model.User, len(c.Members))
		copy(members, c.Members)
		r.circles = append(r.circles, &circleState{Circle: c.Circle, members: members})
	}
	if err := r.hydrate(ctx); err != nil {
		return nil, err
	}

	var codes []string
	for _, u := range r.unmatched {
		codes = append(codes, u.PostalCode)
	}
	for _, c := range r.circles {
		for _, m := range c.members {
			codes = append(codes, m.PostalCode)
		}
	}
	r.o.deps.Locations.Prefetch(ctx, codes, r.o.cfg.LookupConcurrency)

	r.summary.UnmatchedFound = len(r.unmatched)
	r.summary.CirclesEvaluated = len(r.circles)
	r.log.Info("matching: snapshot loaded")
	return map[string]int{
		"unmatched":           len(r.unmatched),
		"circles":             len(r.circles),
		"pending_transitions": len(r.pending),
	}, nil
}

// hydrate reads spending patterns concurrently. Any failure aborts the run.
func (r *run) hydrate(ctx context.Context) error {
	ids := make(map[string]struct{})
	for _, u := range r.unmatched {
		ids[u.ID] = struct{}{}
	}
	for _, c := range r.circles {
		for _, m := range c.members {
			ids[m.ID] = struct{}{}
		}
	}

	var mu sync.Mutex
	patterns := make(map[string][]model.SpendingPattern, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	limit := r.o.cfg.LookupConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for id := range ids {
		g.Go(func() error {
			ps, err := r.o.deps.Repo.ListSpendingPatterns(gctx, id)
			if err != nil {
				return readErr("spending patterns for "+id, err)
			}
			mu.Lock()
			patterns[id] = ps
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range r.unmatched {
		r.unmatched[i].SpendingPatterns = patterns[r.unmatched[i].ID]
	}
	for _, c := range r.circles {
		for i := range c.members {
			c.members[i].SpendingPatterns = patterns[c.members[i].ID]
		}
	}
	return nil
}
