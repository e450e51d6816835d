// Package matching runs the batch that places unmatched users into circles,
// forms new circles, opens rebalance transitions and flags incohesive circles.
package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/config"
	"github.com/circlesave/circle-matcher/internal/events"
	"github.com/circlesave/circle-matcher/internal/model"
	"github.com/circlesave/circle-matcher/internal/resilience"
	"github.com/circlesave/circle-matcher/internal/runlock"
	"github.com/circlesave/circle-matcher/internal/scorer"
	"github.com/circlesave/circle-matcher/internal/store"
)

// LockKey is the run-lock name shared by every process matching against one repository.
const LockKey = "matching-run"

// Repository is the part of the store a run reads and writes.
type Repository interface {
	ListActiveMemberships(ctx context.Context) ([]model.MembershipRef, error)
	ListUsers(ctx context.Context, filter store.UserFilter) ([]model.User, error)
	ListSpendingPatterns(ctx context.Context, userID string) ([]model.SpendingPattern, error)
	ListCirclesWithActiveMembers(ctx context.Context) ([]model.CircleWithMembers, error)
	CreateCircle(ctx context.Context, name, description string, radiusKm float64) (string, error)
	AddMembership(ctx context.Context, userID, circleID string) error
	ScheduleTask(ctx context.Context, task model.ScheduledTask) (*model.ScheduledTask, error)
	ListPendingTasks(ctx context.Context) ([]model.ScheduledTask, error)
	CreateRun(ctx context.Context, id string, startedAt time.Time) error
	FinishRun(ctx context.Context, summary model.RunSummary) error
}

// Locations resolves postal codes for the duration of a run.
type Locations interface {
	Resolve(ctx context.Context, postalCode string) (*model.LocationEntry, error)
	Prefetch(ctx context.Context, codes []string, concurrency int)
	Reset()
}

// Namer names and describes a new circle from its members.
type Namer interface {
	Name(ctx context.Context, members []model.User) string
	Describe(ctx context.Context, members []model.User) string
}

// Deps are the collaborators of an Orchestrator. Locker and Events are optional.
type Deps struct {
	Repo      Repository
	Locations Locations
	Distance  scorer.Distancer
	Namer     Namer
	Locker    runlock.Locker
	Events    events.Emitter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDs overrides run id generation.
func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newID = next }
}

// Orchestrator executes matching runs.
type Orchestrator struct {
	cfg    config.MatchingConfig
	deps   Deps
	scorer *scorer.Scorer
	now    func() time.Time
	newID  func() string

	mu      sync.RWMutex
	lastRun *model.RunSummary
}

// New creates an Orchestrator. cfg must already be validated.
func New(cfg config.MatchingConfig, deps Deps, opts ...Option) *Orchestrator {
	if deps.Locker == nil {
		deps.Locker = runlock.NewLocal()
	}
	if deps.Events == nil {
		deps.Events = events.ZapEmitter{}
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		scorer: scorer.New(cfg, deps.Distance),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LastRun returns the summary of the most recent run of this process, or nil.
func (o *Orchestrator) LastRun() *model.RunSummary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastRun
}

// Run executes one matching run. A read failure aborts the run and is
// returned as a *RepositoryReadError; per-record write failures are listed in
// the summary. ErrRunInProgress is returned when another run holds the lock.
func (o *Orchestrator) Run(ctx context.Context) (*model.RunSummary, error) {
	release, err := o.deps.Locker.TryAcquire(ctx, LockKey)
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			return nil, ErrRunInProgress
		}
		return nil, eris.Wrap(err, "matching: acquire run lock")
	}
	defer func() {
		if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
			zap.L().Warn("matching: release run lock", zap.Error(relErr))
		}
	}()

	r := &run{
		o:      o,
		log:    zap.L(),
		placed: make(map[string]bool),
		failed: make(map[string]bool),
		summary: &model.RunSummary{
			RunID:     o.newID(),
			Status:    model.RunStatusRunning,
			StartedAt: o.now(),
		},
	}
	r.log = r.log.With(zap.String("run_id", r.summary.RunID))
	r.log.Info("matching: run starting")

	if err := o.deps.Repo.CreateRun(ctx, r.summary.RunID, r.summary.StartedAt); err != nil {
		r.log.Warn("matching: failed to record run start", zap.Error(err))
	}
	o.emit(ctx, events.Event{RunID: r.summary.RunID, Type: events.RunStarted})

	runErr := r.execute(ctx)

	r.summary.FinishedAt = o.now()
	if runErr != nil {
		r.summary.Status = model.RunStatusFailed
		r.summary.Error = runErr.Error()
		o.emit(ctx, events.Event{RunID: r.summary.RunID, Type: events.RunFailed, Error: runErr.Error()})
	} else {
		r.summary.Status = model.RunStatusComplete
		o.emit(ctx, events.Event{RunID: r.summary.RunID, Type: events.RunCompleted, Counts: r.counts()})
	}
	if err := o.deps.Repo.FinishRun(context.WithoutCancel(ctx), *r.summary); err != nil {
		r.log.Warn("matching: failed to record run result", zap.Error(err))
	}

	o.mu.Lock()
	o.lastRun = r.summary
	o.mu.Unlock()

	r.log.Info("matching: run finished",
		zap.String("status", string(r.summary.Status)),
		zap.Int("placed", r.summary.Placed),
		zap.Int("circles_created", len(r.summary.CirclesCreated)),
		zap.Int("transitions_opened", r.summary.TransitionsOpened),
		zap.Int("write_failures", len(r.summary.WriteFailures)),
		zap.Duration("elapsed", r.summary.FinishedAt.Sub(r.summary.StartedAt)),
	)
	return r.summary, runErr
}

func (o *Orchestrator) emit(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = o.now()
	}
	o.deps.Events.Emit(ctx, e)
}

// run is the state of one invocation.
type run struct {
	o       *Orchestrator
	log     *zap.Logger
	summary *model.RunSummary

	unmatched []model.User
	circles   []*circleState
	// pending holds users with an open transition out of some circle.
	pending map[string]bool
	placed  map[string]bool
	// failed holds users with a write failure this run; they are not retried.
	failed map[string]bool
}

// circleState is a circle in the in-run snapshot.
type circleState struct {
	model.Circle
	members []model.User
}

func (c *circleState) hasMember(userID string) bool {
	for _, m := range c.members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

func (r *run) execute(ctx context.Context) error {
	r.o.deps.Locations.Reset()

	stages := []struct {
		name string
		fn   func(context.Context) (map[string]int, error)
	}{
		{events.StageDiscover, r.discover},
		{events.StageRebalance, r.rebalance},
		{events.StagePlacement, r.placement},
		{events.StageCohesion, r.cohesion},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "matching: run cancelled")
		}
		log := r.log.With(zap.String("stage", st.name))
		r.o.emit(ctx, events.Event{RunID: r.summary.RunID, Type: events.StageStarted, Stage: st.name})
		start := time.Now()
		counts, err := st.fn(ctx)
		if err != nil {
			log.Error("matching: stage failed", zap.Error(err))
			return err
		}
		log.Info("matching: stage complete", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		r.o.emit(ctx, events.Event{RunID: r.summary.RunID, Type: events.StageCompleted, Stage: st.name, Counts: counts})
	}
	return nil
}

// writeFailed records a skipped per-record write.
func (r *run) writeFailed(op, userID, circleID string, err error) {
	werr := &RepositoryWriteError{Op: op, UserID: userID, CircleID: circleID, Err: err}
	if userID != "" {
		r.failed[userID] = true
	}
	r.log.Warn("matching: write skipped",
		zap.String("op", op),
		zap.String("user_id", userID),
		zap.String("circle_id", circleID),
		zap.Error(err),
	)
	r.summary.WriteFailures = append(r.summary.WriteFailures, model.WriteFailure{
		Operation: op,
		UserID:    userID,
		CircleID:  circleID,
		Error:     werr.Error(),
		ErrorType: resilience.ClassifyError(err),
		At:        r.o.now(),
	})
}

func (r *run) counts() map[string]int {
	return map[string]int{
		"unmatched_found":    r.summary.UnmatchedFound,
		"circles_evaluated":  r.summary.CirclesEvaluated,
		"rebalance_flagged":  len(r.summary.RebalanceFlagged),
		"transitions_opened": r.summary.TransitionsOpened,
		"placed":             r.summary.Placed,
		"circles_created":    len(r.summary.CirclesCreated),
		"left_unmatched":     r.summary.LeftUnmatched,
		"split_candidates":   len(r.summary.SplitCandidates),
		"write_failures":     len(r.summary.WriteFailures),
	}
}

// capacity reports whether c can take another active member.
func (r *run) capacity(c *circleState) bool {
	return len(c.members) < r.o.cfg.MaxCircleSize
}
