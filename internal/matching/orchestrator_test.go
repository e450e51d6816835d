package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circlesave/circle-matcher/internal/events"
	"github.com/circlesave/circle-matcher/internal/model"
	"github.com/circlesave/circle-matcher/internal/runlock"
	"github.com/circlesave/circle-matcher/internal/scorer"
)

const (
	family  = "young_family"
	retiree = "retiree"
)

func TestRun_NewCircleFromCompatibleUnmatched(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(member("u1", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))
	repo.addUser(member("u2", "M5V1A1", family, 0.8, model.FrequencyWeekly, model.CategoryBudgetConscious, model.CategoryOrganicFocused))

	cfg := scorer.DefaultMatchingConfig()
	cfg.MinCircleSize = 2
	o, loc := newTestOrchestrator(repo, cfg)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, summary.Status)
	assert.Equal(t, 2, summary.UnmatchedFound)
	require.Len(t, summary.CirclesCreated, 1)
	assert.Equal(t, 2, summary.Placed)
	assert.Zero(t, summary.LeftUnmatched)

	circleID := summary.CirclesCreated[0]
	assert.Equal(t, []string{circleID}, repo.activeCircles("u1"))
	assert.Equal(t, []string{circleID}, repo.activeCircles("u2"))
	assert.Equal(t, "Circle of u1", repo.circles[0].Name)
	assert.Equal(t, 5.0, repo.circles[0].LocationRadius)
	assert.Contains(t, loc.resolved, "M5V3L9")
	assert.Equal(t, 1, loc.resets)
}

func TestRun_CandidateOutOfRangeStaysUnmatched(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCircle("c1", "Toronto",
		member("m1", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
		member("m2", "M5V1A1", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
		member("m3", "M5V2B2", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
	)
	repo.addUser(member("far", "V6B1A1", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer))

	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.UnmatchedFound)
	assert.Zero(t, summary.Placed)
	assert.Equal(t, 1, summary.LeftUnmatched)
	assert.Empty(t, summary.CirclesCreated)
	assert.Empty(t, repo.activeCircles("far"))
	assert.Zero(t, repo.writeCount())
}

func TestRun_EvenLifeStageSplitIsFlagged(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCircle("c1", "Mixed",
		member("a1", "M5V3L9", family, 0.9, model.FrequencyWeekly),
		member("a2", "M5V3L8", family, 0.9, model.FrequencyWeekly),
		member("b1", "M5V3L7", retiree, 0.9, model.FrequencyWeekly),
		member("b2", "M5V3L6", retiree, 0.9, model.FrequencyWeekly),
	)

	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, summary.RebalanceFlagged)
	assert.Zero(t, summary.TransitionsOpened)
	assert.Equal(t, 1, summary.CirclesEvaluated)
}

func TestRun_UndersizedCircleIsFlagged(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCircle("small", "Small",
		member("a1", "M5V3L9", family, 0.9, model.FrequencyWeekly),
		member("a2", "M5V3L8", family, 0.9, model.FrequencyWeekly),
	)

	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"small"}, summary.RebalanceFlagged)
}

// seedTransitionScenario builds a drifted circle whose retiree members fit
// a retiree circle at 0.88.
func seedTransitionScenario(repo *fakeRepo) {
	repo.seedCircle("mixed", "Mixed",
		member("a1", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryFamilyOriented),
		member("a2", "M5V3L8", family, 0.9, model.FrequencyWeekly, model.CategoryFamilyOriented),
		member("b1", "M5V3L7", retiree, 0.5, model.FrequencyMonthly, model.CategoryHealthFocused),
		member("b2", "M5V3L6", retiree, 0.5, model.FrequencyMonthly, model.CategoryHealthFocused),
	)
	repo.seedCircle("retirees", "Retirees",
		member("r1", "M5V1A1", retiree, 0.9, model.FrequencyMonthly, model.CategoryHealthFocused),
		member("r2", "M5V1A2", retiree, 0.9, model.FrequencyMonthly, model.CategoryHealthFocused),
		member("r3", "M5V1A3", retiree, 0.9, model.FrequencyMonthly, model.CategoryHealthFocused),
	)
}

func TestRun_PeripheralMemberOpensTransition(t *testing.T) {
	repo := newFakeRepo()
	seedTransitionScenario(repo)

	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"mixed"}, summary.RebalanceFlagged)
	assert.Equal(t, 2, summary.TransitionsOpened)

	// Both memberships stay active during the grace window.
	assert.ElementsMatch(t, []string{"mixed", "retirees"}, repo.activeCircles("b1"))
	assert.ElementsMatch(t, []string{"mixed", "retirees"}, repo.activeCircles("b2"))
	assert.Equal(t, []string{"mixed"}, repo.activeCircles("a1"))

	require.Len(t, repo.tasks, 2)
	for _, task := range repo.tasks {
		assert.Equal(t, model.TaskKindDeactivateMembership, task.Kind)
		assert.Equal(t, "mixed", task.CircleID)
		assert.Equal(t, testNow.Add(48*time.Hour), task.DueAt)
	}
}

func TestRun_RelocationNeedsStrictlyBetterMatch(t *testing.T) {
	repo := newFakeRepo()
	seedTransitionScenario(repo)

	cfg := scorer.DefaultMatchingConfig()
	cfg.RelocationThreshold = 0.9
	o, _ := newTestOrchestrator(repo, cfg)
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.TransitionsOpened)
	assert.Empty(t, repo.tasks)
}

func TestRun_ScheduleFailureIsRecorded(t *testing.T) {
	repo := newFakeRepo()
	seedTransitionScenario(repo)
	repo.failSchedule = true

	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.TransitionsOpened)
	require.Len(t, summary.WriteFailures, 2)
	assert.Equal(t, "schedule_deactivation", summary.WriteFailures[0].Operation)
	assert.Equal(t, "transient", summary.WriteFailures[0].ErrorType)
}

func TestRun_IsIdempotent(t *testing.T) {
	tests := []struct {
		name string
		seed func(*fakeRepo)
		min  int
		deps []func(*Deps)
	}{
		{
			name: "new circle",
			min:  2,
			seed: func(r *fakeRepo) {
				r.addUser(member("u1", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))
				r.addUser(member("u2", "M5V1A1", family, 0.8, model.FrequencyWeekly, model.CategoryBudgetConscious))
			},
		},
		{name: "transitions", min: 3, seed: seedTransitionScenario},
		{
			// single is served first and only fits the family circle formed after it.
			name: "circle formed later in the run",
			min:  3,
			seed: func(r *fakeRepo) {
				r.addUser(member("single", "M5V3L9", "single", 0.95, model.FrequencyWeekly, model.CategoryBudgetConscious))
				r.addUser(member("f1", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))
				r.addUser(member("f2", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))
				r.addUser(member("f3", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))
			},
			deps: []func(*Deps){func(d *Deps) { d.Distance = sameSpot{} }},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			tt.seed(repo)
			cfg := scorer.DefaultMatchingConfig()
			cfg.MinCircleSize = tt.min
			o, _ := newTestOrchestrator(repo, cfg, tt.deps...)

			_, err := o.Run(context.Background())
			require.NoError(t, err)
			after := repo.writeCount()
			require.NotZero(t, after)

			second, err := o.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, after, repo.writeCount())
			assert.Zero(t, second.Placed)
			assert.Zero(t, second.TransitionsOpened)
			assert.Empty(t, second.CirclesCreated)
		})
	}
}

func TestRun_SweepPlacesUserPassedOverEarlier(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(member("single", "M5V3L9", "single", 0.95, model.FrequencyWeekly, model.CategoryBudgetConscious))
	repo.addUser(member("f1", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))
	repo.addUser(member("f2", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))
	repo.addUser(member("f3", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))

	rec := &events.Recorder{}
	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig(), func(d *Deps) {
		d.Distance = sameSpot{}
		d.Events = rec
	})
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.CirclesCreated, 1)
	assert.Equal(t, 4, summary.Placed)
	assert.Zero(t, summary.LeftUnmatched)
	assert.Equal(t, summary.CirclesCreated, repo.activeCircles("single"))

	var placementCounts map[string]int
	for _, e := range rec.Events() {
		if e.Type == events.StageCompleted && e.Stage == events.StagePlacement {
			placementCounts = e.Counts
		}
	}
	assert.Equal(t, 1, placementCounts["swept"])
	assert.Equal(t, 1, placementCounts["formed"])
}

func TestRun_PlacesIntoExistingCircle(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCircle("c1", "Toronto",
		member("m1", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
		member("m2", "M5V1A1", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
		member("m3", "M5V2B2", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
	)
	repo.addUser(member("u1", "M5V4C4", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer))

	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Placed)
	assert.Equal(t, []string{"c1"}, repo.activeCircles("u1"))
	assert.Empty(t, summary.CirclesCreated)
}

func TestRun_FullCircleIsSkipped(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCircle("c1", "Toronto",
		member("m1", "M5V3L9", family, 0.9, model.FrequencyWeekly),
		member("m2", "M5V1A1", family, 0.9, model.FrequencyWeekly),
		member("m3", "M5V2B2", family, 0.9, model.FrequencyWeekly),
	)
	repo.addUser(member("u1", "M5V4C4", family, 0.9, model.FrequencyWeekly))

	cfg := scorer.DefaultMatchingConfig()
	cfg.MaxCircleSize = 3
	o, _ := newTestOrchestrator(repo, cfg)
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Placed)
	assert.Empty(t, repo.activeCircles("u1"))
}

func TestRun_NewCirclePrefersMostSimilar(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(member("seed", "M5V3L9", family, 0.95, model.FrequencyWeekly, model.CategoryBudgetConscious))
	repo.addUser(member("x", "M5V3L8", family, 0.9, model.FrequencyMonthly, model.CategoryPremium))
	repo.addUser(member("y", "M5V3L7", family, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))
	repo.addUser(member("z", "M5V3L6", family, 0.9, model.FrequencyWeekly, model.CategoryPremium))
	repo.addUser(member("w", "M5V3L5", retiree, 0.9, model.FrequencyWeekly, model.CategoryBudgetConscious))

	cfg := scorer.DefaultMatchingConfig()
	cfg.MaxCircleSize = 3
	o, _ := newTestOrchestrator(repo, cfg)
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.CirclesCreated, 1)
	id := summary.CirclesCreated[0]
	assert.Equal(t, []string{id}, repo.activeCircles("seed"))
	assert.Equal(t, []string{id}, repo.activeCircles("y"))
	assert.Equal(t, []string{id}, repo.activeCircles("z"))
	assert.Empty(t, repo.activeCircles("x"))
	assert.Empty(t, repo.activeCircles("w"))
	assert.Equal(t, 2, summary.LeftUnmatched)
}

func TestRun_ReadFailureAbortsRun(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		name string
		set  func(*fakeRepo)
		op   string
	}{
		{"users", func(r *fakeRepo) { r.listUsersErr = cause }, "users"},
		{"circles", func(r *fakeRepo) { r.listCirclesErr = cause }, "circles"},
		{"patterns", func(r *fakeRepo) { r.patternsErr = cause }, "spending patterns for u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			repo.addUser(member("u1", "M5V3L9", family, 0.9, model.FrequencyWeekly))
			tt.set(repo)
			rec := &events.Recorder{}
			o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig(), func(d *Deps) { d.Events = rec })

			summary, err := o.Run(context.Background())
			require.Error(t, err)

			var readErr *RepositoryReadError
			require.ErrorAs(t, err, &readErr)
			assert.Equal(t, tt.op, readErr.Op)
			assert.ErrorIs(t, err, cause)

			require.NotNil(t, summary)
			assert.Equal(t, model.RunStatusFailed, summary.Status)
			assert.Equal(t, model.RunStatusFailed, repo.runs[summary.RunID].Status)
			assert.Zero(t, repo.writeCount())

			evs := rec.Events()
			assert.Equal(t, events.RunFailed, evs[len(evs)-1].Type)
		})
	}
}

func TestRun_WriteFailureSkipsOnlyThatUser(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCircle("c1", "Toronto",
		member("m1", "M5V3L9", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
		member("m2", "M5V1A1", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
		member("m3", "M5V2B2", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer),
	)
	repo.addUser(member("u1", "M5V4C4", family, 0.9, model.FrequencyWeekly, model.CategoryBulkBuyer))
	repo.addUser(member("u2", "M5V5D5", family, 0.8, model.FrequencyWeekly, model.CategoryBulkBuyer))
	repo.failAdd["u1"] = true

	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, summary.Status)
	assert.Equal(t, 1, summary.Placed)
	assert.Equal(t, 1, summary.LeftUnmatched)
	require.Len(t, summary.WriteFailures, 1)
	wf := summary.WriteFailures[0]
	assert.Equal(t, "add_membership", wf.Operation)
	assert.Equal(t, "u1", wf.UserID)
	assert.Equal(t, "c1", wf.CircleID)
	assert.Equal(t, "permanent", wf.ErrorType)
	assert.Equal(t, []string{"c1"}, repo.activeCircles("u2"))
}

func TestRun_CohesionFlagsSpreadCircle(t *testing.T) {
	repo := newFakeRepo()
	repo.seedCircle("spread", "Spread",
		member("s1", "M5V3L9", family, 0.9, model.FrequencyWeekly),
		member("s2", "K1A0B1", family, 0.9, model.FrequencyWeekly),
		member("s3", "V6B1A1", family, 0.9, model.FrequencyWeekly),
	)
	repo.seedCircle("tight", "Tight",
		member("t1", "M5V3L9", retiree, 0.9, model.FrequencyWeekly),
		member("t2", "M5V3L8", retiree, 0.9, model.FrequencyWeekly),
		member("t3", "M5V3L7", retiree, 0.9, model.FrequencyWeekly),
	)

	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.SplitCandidates, 1)
	assert.Equal(t, "spread", summary.SplitCandidates[0].CircleID)
	assert.Equal(t, 50.0, summary.SplitCandidates[0].MeanDistanceKm)
}

func TestRun_LockHeld(t *testing.T) {
	locker := runlock.NewLocal()
	release, err := locker.TryAcquire(context.Background(), LockKey)
	require.NoError(t, err)
	defer release(context.Background()) //nolint:errcheck

	o, _ := newTestOrchestrator(newFakeRepo(), scorer.DefaultMatchingConfig(), func(d *Deps) { d.Locker = locker })
	summary, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, summary)
}

func TestRun_EmitsStageEventsInOrder(t *testing.T) {
	repo := newFakeRepo()
	rec := &events.Recorder{}
	o, _ := newTestOrchestrator(repo, scorer.DefaultMatchingConfig(), func(d *Deps) { d.Events = rec })

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	var got []string
	for _, e := range rec.Events() {
		assert.Equal(t, summary.RunID, e.RunID)
		got = append(got, string(e.Type)+":"+e.Stage)
	}
	assert.Equal(t, []string{
		"run_started:",
		"stage_started:discover", "stage_completed:discover",
		"stage_started:rebalance", "stage_completed:rebalance",
		"stage_started:placement", "stage_completed:placement",
		"stage_started:cohesion", "stage_completed:cohesion",
		"run_completed:",
	}, got)

	assert.Equal(t, summary, o.LastRun())
	assert.Equal(t, model.RunStatusComplete, repo.runs["run-1"].Status)
}

func TestRun_CancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, _ := newTestOrchestrator(newFakeRepo(), scorer.DefaultMatchingConfig())
	summary, err := o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.RunStatusFailed, summary.Status)
}
