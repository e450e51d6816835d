// Package store persists users, circles, memberships, the location cache,
// scheduled transition tasks and run records.
package store

import (
	"context"
	"time"

	"github.com/circlesave/circle-matcher/internal/model"
)

// UserFilter narrows ListUsers.
type UserFilter struct {
	HasPostalCode  bool
	HasLifeStage   bool
	ExcludeUserIDs []string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status model.RunStatus
	Limit  int
}

// Store is the repository consumed by the matching engine and its workers.
type Store interface {
	// Membership and circle reads.
	ListActiveMemberships(ctx context.Context) ([]model.MembershipRef, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]model.User, error)
	ListSpendingPatterns(ctx context.Context, userID string) ([]model.SpendingPattern, error)
	ListCirclesWithActiveMembers(ctx context.Context) ([]model.CircleWithMembers, error)

	// Membership and circle writes. Each is atomic on its own.
	CreateCircle(ctx context.Context, name, description string, radiusKm float64) (string, error)
	AddMembership(ctx context.Context, userID, circleID string) error
	DeactivateMembership(ctx context.Context, userID, circleID string) error

	// Location cache.
	GetCachedCoordinates(ctx context.Context, postalCode string) (*model.LocationEntry, error)
	UpsertCachedCoordinates(ctx context.Context, entry model.LocationEntry) error
	ImportLocations(ctx context.Context, entries []model.LocationEntry) (int64, error)
	ListUncachedPostalCodes(ctx context.Context) ([]string, error)

	// Durable transitions.
	ScheduleTask(ctx context.Context, task model.ScheduledTask) (*model.ScheduledTask, error)
	ListPendingTasks(ctx context.Context) ([]model.ScheduledTask, error)
	ClaimDueTasks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.ScheduledTask, error)
	CompleteTask(ctx context.Context, id string) error
	FailTask(ctx context.Context, id string, taskErr string, maxAttempts int) error

	// Run records.
	CreateRun(ctx context.Context, id string, startedAt time.Time) error
	FinishRun(ctx context.Context, summary model.RunSummary) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	Migrate(ctx context.Context) error
	Close() error
}

const defaultRunLimit = 20
