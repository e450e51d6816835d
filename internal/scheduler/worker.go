// Package scheduler executes durable scheduled tasks, ending the old
// membership of a rebalance transition once its grace period has passed.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/config"
	"github.com/circlesave/circle-matcher/internal/model"
)

const (
	// DefaultMaxAttempts is how many times a task runs before it is marked failed.
	DefaultMaxAttempts = 5
	defaultBatchSize   = 50
	defaultPoll        = time.Minute
	defaultLease       = 5 * time.Minute
)

// Tasks is the part of the store the worker uses.
type Tasks interface {
	ClaimDueTasks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.ScheduledTask, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, taskErr string, maxAttempts int) error
	DeactivateMembership(ctx context.Context, userID, circleID string) error
}

// Result counts the outcome of one poll.
type Result struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Worker polls for due tasks and executes them.
type Worker struct {
	tasks       Tasks
	log         *zap.Logger
	batchSize   int
	maxAttempts int
	poll        time.Duration
	lease       time.Duration
	now         func() time.Time
	started     bool
}

// NewWorker creates a Worker from cfg. Zero fields take defaults.
func NewWorker(tasks Tasks, cfg config.SchedulerConfig) *Worker {
	w := &Worker{
		tasks:       tasks,
		log:         zap.L().With(zap.String("component", "scheduler.worker")),
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		poll:        time.Duration(cfg.PollIntervalSecs) * time.Second,
		lease:       time.Duration(cfg.LeaseSecs) * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = DefaultMaxAttempts
	}
	if w.poll <= 0 {
		w.poll = defaultPoll
	}
	if w.lease <= 0 {
		w.lease = defaultLease
	}
	return w
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (w *Worker) Run(ctx context.Context) error {
	if w.started {
		return eris.New("scheduler: worker already started")
	}
	w.started = true
	w.log.Info("scheduler: worker started", zap.Duration("poll_interval", w.poll))

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.log.Error("scheduler: poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.log.Info("scheduler: worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch of due tasks and executes each. A failed
// task is retried on a later poll until it reaches the attempt limit.
func (w *Worker) ProcessOnce(ctx context.Context) (Result, error) {
	var res Result
	tasks, err := w.tasks.ClaimDueTasks(ctx, w.now(), w.batchSize, w.lease)
	if err != nil {
		return res, eris.Wrap(err, "scheduler: claim due tasks")
	}
	res.Claimed = len(tasks)

	for _, t := range tasks {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log := w.log.With(
			zap.String("task_id", t.ID),
			zap.String("kind", string(t.Kind)),
			zap.String("user_id", t.UserID),
			zap.String("circle_id", t.CircleID),
		)

		if execErr := w.execute(ctx, t); execErr != nil {
			res.Failed++
			log.Warn("scheduler: task failed",
				zap.Int("attempt", t.Attempts+1),
				zap.Bool("exhausted", t.Attempts+1 >= w.maxAttempts),
				zap.Error(execErr),
			)
			if err := w.tasks.FailTask(ctx, t.ID, execErr.Error(), w.maxAttempts); err != nil {
				log.Error("scheduler: record task failure", zap.Error(err))
			}
			continue
		}

		if err := w.tasks.CompleteTask(ctx, t.ID); err != nil {
			// The action is idempotent; the lease expires and it runs again.
			res.Failed++
			log.Error("scheduler: mark task done", zap.Error(err))
			continue
		}
		res.Completed++
		log.Info("scheduler: task done")
	}
	return res, nil
}

func (w *Worker) execute(ctx context.Context, t model.ScheduledTask) error {
	switch t.Kind {
	case model.TaskKindDeactivateMembership:
		return w.tasks.DeactivateMembership(ctx, t.UserID, t.CircleID)
	default:
		return eris.Errorf("scheduler: unknown task kind %q", t.Kind)
	}
}
