package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/circlesave/circle-matcher/internal/config"
	"github.com/circlesave/circle-matcher/internal/geo"
	"github.com/circlesave/circle-matcher/internal/model"
	"github.com/circlesave/circle-matcher/internal/store"
)

var testNow = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// fakeRepo is an in-memory Repository that counts writes.
type fakeRepo struct {
	mu          sync.Mutex
	users       []model.User
	patterns    map[string][]model.SpendingPattern
	circles     []model.Circle
	memberships []model.CircleMembership
	tasks       []model.ScheduledTask
	runs        map[string]model.RunSummary
	writes      int

	failAdd        map[string]bool
	failSchedule   bool
	listUsersErr   error
	listCirclesErr error
	patternsErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		patterns: make(map[string][]model.SpendingPattern),
		runs:     make(map[string]model.RunSummary),
		failAdd:  make(map[string]bool),
	}
}

// addUser registers u; its SpendingPatterns are served by ListSpendingPatterns only.
func (f *fakeRepo) addUser(u model.User) {
	f.patterns[u.ID] = u.SpendingPatterns
	u.SpendingPatterns = nil
	if u.CreatedAt.IsZero() {
		u.CreatedAt = testNow.Add(time.Duration(len(f.users)) * time.Minute)
	}
	f.users = append(f.users, u)
}

// seedCircle creates a circle with the given active members, bypassing write counts.
func (f *fakeRepo) seedCircle(id, name string, members ...model.User) {
	f.circles = append(f.circles, model.Circle{ID: id, Name: name, LocationRadius: 5, CreatedAt: testNow})
	for _, m := range members {
		f.addUser(m)
		f.memberships = append(f.memberships, model.CircleMembership{
			ID: fmt.Sprintf("m-%d", len(f.memberships)), UserID: m.ID, CircleID: id, JoinedAt: testNow, IsActive: true,
		})
	}
}

func (f *fakeRepo) user(id string) (model.User, bool) {
	for _, u := range f.users {
		if u.ID == id {
			return u, true
		}
	}
	return model.User{}, false
}

func (f *fakeRepo) activeCircles(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.memberships {
		if m.IsActive && m.UserID == userID {
			out = append(out, m.CircleID)
		}
	}
	return out
}

func (f *fakeRepo) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeRepo) ListActiveMemberships(_ context.Context) ([]model.MembershipRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []model.MembershipRef
	for _, m := range f.memberships {
		if m.IsActive {
			refs = append(refs, model.MembershipRef{UserID: m.UserID, CircleID: m.CircleID})
		}
	}
	return refs, nil
}

func (f *fakeRepo) ListUsers(_ context.Context, filter store.UserFilter) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listUsersErr != nil {
		return nil, f.listUsersErr
	}
	excluded := make(map[string]bool)
	for _, id := range filter.ExcludeUserIDs {
		excluded[id] = true
	}
	var out []model.User
	for _, u := range f.users {
		if excluded[u.ID] || (filter.HasPostalCode && u.PostalCode == "") || (filter.HasLifeStage && u.LifeStage == "") {
			continue
		}
		out = append(out, u)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.LifeStageConfidence == nil) != (b.LifeStageConfidence == nil) {
			return b.LifeStageConfidence == nil
		}
		if a.Confidence() != b.Confidence() {
			return a.Confidence() > b.Confidence()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out, nil
}

func (f *fakeRepo) ListSpendingPatterns(_ context.Context, userID string) ([]model.SpendingPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patternsErr != nil {
		return nil, f.patternsErr
	}
	return f.patterns[userID], nil
}

func (f *fakeRepo) ListCirclesWithActiveMembers(_ context.Context) ([]model.CircleWithMembers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listCirclesErr != nil {
		return nil, f.listCirclesErr
	}
	var out []model.CircleWithMembers
	for _, c := range f.circles {
		cw := model.CircleWithMembers{Circle: c}
		for _, m := range f.memberships {
			if m.IsActive && m.CircleID == c.ID {
				if u, ok := f.user(m.UserID); ok {
					cw.Members = append(cw.Members, u)
				}
			}
		}
		if len(cw.Members) > 0 {
			out = append(out, cw)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateCircle(_ context.Context, name, description string, radiusKm float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("new-circle-%d", len(f.circles)+1)
	f.circles = append(f.circles, model.Circle{ID: id, Name: name, Description: description, LocationRadius: radiusKm, CreatedAt: testNow})
	f.writes++
	return id, nil
}

func (f *fakeRepo) AddMembership(_ context.Context, userID, circleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd[userID] {
		return errors.New("insert membership: deadlock detected")
	}
	for _, m := range f.memberships {
		if m.IsActive && m.UserID == userID && m.CircleID == circleID {
			return nil
		}
	}
	f.memberships = append(f.memberships, model.CircleMembership{
		ID: fmt.Sprintf("m-%d", len(f.memberships)), UserID: userID, CircleID: circleID, JoinedAt: testNow, IsActive: true,
	})
	f.writes++
	return nil
}

func (f *fakeRepo) ScheduleTask(_ context.Context, task model.ScheduledTask) (*model.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSchedule {
		return nil, errors.New("insert task: connection reset by peer")
	}
	for _, t := range f.tasks {
		if t.Status == model.TaskStatusPending && t.Kind == task.Kind && t.UserID == task.UserID && t.CircleID == task.CircleID {
			return &t, nil
		}
	}
	task.ID = fmt.Sprintf("task-%d", len(f.tasks)+1)
	task.Status = model.TaskStatusPending
	f.tasks = append(f.tasks, task)
	f.writes++
	return &task, nil
}

func (f *fakeRepo) ListPendingTasks(_ context.Context) ([]model.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ScheduledTask
	for _, t := range f.tasks {
		if t.Status == model.TaskStatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateRun(_ context.Context, id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id] = model.RunSummary{RunID: id, Status: model.RunStatusRunning, StartedAt: startedAt}
	return nil
}

func (f *fakeRepo) FinishRun(_ context.Context, summary model.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[summary.RunID] = summary
	return nil
}

// nowhere never resolves, so every distance is the postal-prefix heuristic.
type nowhere struct {
	mu       sync.Mutex
	resolved []string
	resets   int
}

func (n *nowhere) Resolve(_ context.Context, code string) (*model.LocationEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, code)
	return nil, geo.ErrNotFound
}

func (n *nowhere) Prefetch(ctx context.Context, codes []string, _ int) {
	for _, c := range codes {
		_, _ = n.Resolve(ctx, c)
	}
}

func (n *nowhere) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets++
}

// sameSpot puts every pair of postal codes at the same point.
type sameSpot struct{}

func (sameSpot) Distance(context.Context, string, string) float64 { return 0 }

// stubNamer names circles after their first member.
type stubNamer struct{}

func (stubNamer) Name(_ context.Context, members []model.User) string {
	return "Circle of " + members[0].ID
}

func (stubNamer) Describe(_ context.Context, members []model.User) string {
	return fmt.Sprintf("%d members", len(members))
}

func conf(v float64) *float64 { return &v }

func member(id, postal, stage string, confidence float64, freq model.ShoppingFrequency, cats ...model.SpendingCategory) model.User {
	u := model.User{
		ID:                  id,
		PostalCode:          postal,
		LifeStage:           stage,
		LifeStageConfidence: conf(confidence),
		ShoppingFrequency:   freq,
	}
	for _, c := range cats {
		u.SpendingPatterns = append(u.SpendingPatterns, model.SpendingPattern{Category: c, FrequencyScore: 0.5, LastUpdated: testNow})
	}
	return u
}

func newTestOrchestrator(repo Repository, cfg config.MatchingConfig, deps ...func(*Deps)) (*Orchestrator, *nowhere) {
	loc := &nowhere{}
	d := Deps{
		Repo:      repo,
		Locations: loc,
		Distance:  geo.NewCalculator(loc),
		Namer:     stubNamer{},
	}
	for _, fn := range deps {
		fn(&d)
	}
	ids := 0
	return New(cfg, d,
		WithClock(func() time.Time { return testNow }),
		WithRunIDs(func() string { ids++; return fmt.Sprintf("run-%d", ids) }),
	), loc
}
