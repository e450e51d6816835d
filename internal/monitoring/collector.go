// Package monitoring watches matching runs and durable transitions and
// alerts a webhook when they look unhealthy.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/circlesave/circle-matcher/internal/model"
	"github.com/circlesave/circle-matcher/internal/store"
)

// recentRunLimit bounds how many runs one snapshot reads.
const recentRunLimit = 500

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal       int     `json:"runs_total"`
	RunsComplete    int     `json:"runs_complete"`
	RunsFailed      int     `json:"runs_failed"`
	RunsRunning     int     `json:"runs_running"`
	RunFailRate     float64 `json:"run_fail_rate"`
	WriteFailures   int     `json:"write_failures"`
	Placed          int     `json:"placed"`
	SplitCandidates int     `json:"split_candidates"`

	// Transition metrics.
	PendingTransitions int `json:"pending_transitions"`
	// OverdueTransitions are still open past due plus the grace allowance.
	OverdueTransitions int `json:"overdue_transitions"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the part of the store the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListPendingTasks(ctx context.Context) ([]model.ScheduledTask, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src     Source
	overdue time.Duration
	now     func() time.Time
}

// NewCollector creates a metrics collector. A task counts as overdue once
// it is still open overdue after its due time.
func NewCollector(src Source, overdue time.Duration) *Collector {
	if overdue <= 0 {
		overdue = time.Hour
	}
	return &Collector{src: src, overdue: overdue, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.src.ListRuns(ctx, store.RunFilter{Limit: recentRunLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	// Runs arrive newest first; the newest finished run sets the split count.
	latestSeen := false
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Summary == nil {
			continue
		}
		snap.WriteFailures += len(r.Summary.WriteFailures)
		snap.Placed += r.Summary.Placed
		if !latestSeen && r.Status == model.RunStatusComplete {
			snap.SplitCandidates = len(r.Summary.SplitCandidates)
			latestSeen = true
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	tasks, err := c.src.ListPendingTasks(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending tasks")
	}
	snap.PendingTransitions = len(tasks)
	for _, t := range tasks {
		if now.Sub(t.DueAt) > c.overdue {
			snap.OverdueTransitions++
		}
	}

	return snap, nil
}
