// Package events carries structured progress events out of a matching run.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies an event.
type Type string

// Event types.
const (
	RunStarted     Type = "run_started"
	RunCompleted   Type = "run_completed"
	RunFailed      Type = "run_failed"
	StageStarted   Type = "stage_started"
	StageCompleted Type = "stage_completed"
)

// Stage names.
const (
	StageDiscover  = "discover"
	StageRebalance = "rebalance"
	StagePlacement = "placement"
	StageCohesion  = "cohesion"
)

// Event is one progress notification.
type Event struct {
	RunID  string         `json:"run_id"`
	Type   Type           `json:"type"`
	Stage  string         `json:"stage,omitempty"`
	Counts map[string]int `json:"counts,omitempty"`
	Error  string         `json:"error,omitempty"`
	At     time.Time      `json:"at"`
}

// Emitter receives events. Implementations must not block the run.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// ZapEmitter logs events with the global logger.
type ZapEmitter struct{}

// Emit implements Emitter.
func (ZapEmitter) Emit(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
		zap.String("event", string(e.Type)),
	}
	if e.Stage != "" {
		fields = append(fields, zap.String("stage", e.Stage))
	}
	for k, v := range e.Counts {
		fields = append(fields, zap.Int(k, v))
	}
	if e.Type == RunFailed {
		zap.L().Error("matching: "+string(e.Type), append(fields, zap.String("error", e.Error))...)
		return
	}
	zap.L().Info("matching: "+string(e.Type), fields...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		em.Emit(ctx, e)
	}
}
