package model

import "time"

// RunStatus represents the current state of a matching run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is the persisted record of one matching invocation.
type Run struct {
	ID         string      `json:"id"`
	Status     RunStatus   `json:"status"`
	Summary    *RunSummary `json:"summary,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// SplitCandidate is a circle whose members drifted apart geographically.
type SplitCandidate struct {
	CircleID       string  `json:"circle_id"`
	Name           string  `json:"name"`
	MeanDistanceKm float64 `json:"mean_distance_km"`
}

// WriteFailure records a per-record write that was skipped.
type WriteFailure struct {
	Operation string    `json:"operation"`
	UserID    string    `json:"user_id,omitempty"`
	CircleID  string    `json:"circle_id,omitempty"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"` // "transient" or "permanent"
	At        time.Time `json:"at"`
}

// RunSummary holds the outcome counters of a matching run.
type RunSummary struct {
	RunID             string           `json:"run_id"`
	Status            RunStatus        `json:"status"`
	UnmatchedFound    int              `json:"unmatched_found"`
	CirclesEvaluated  int              `json:"circles_evaluated"`
	RebalanceFlagged  []string         `json:"rebalance_flagged,omitempty"`
	TransitionsOpened int              `json:"transitions_opened"`
	Placed            int              `json:"placed"`
	CirclesCreated    []string         `json:"circles_created,omitempty"`
	LeftUnmatched     int              `json:"left_unmatched"`
	SplitCandidates   []SplitCandidate `json:"split_candidates,omitempty"`
	WriteFailures     []WriteFailure   `json:"write_failures,omitempty"`
	Error             string           `json:"error,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
}
