package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circlesave/circle-matcher/internal/model"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, now: func() time.Time { return fixedTime }}
	return s, mock
}

func TestPostgresStore_GetCachedCoordinates_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT postal_code, location, city, region, country, geocoded_at FROM location_cache`).
		WithArgs("M5V3L9").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetCachedCoordinates(context.Background(), "m5v 3l9")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedCoordinates_DecodesPoint(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	point, err := encodePoint(model.Coordinates{Latitude: 43.6426, Longitude: -79.3871})
	require.NoError(t, err)
	city := "Toronto"

	mock.ExpectQuery(`FROM location_cache WHERE postal_code = \$1`).
		WithArgs("M5V3L9").
		WillReturnRows(pgxmock.NewRows([]string{"postal_code", "location", "city", "region", "country", "geocoded_at"}).
			AddRow("M5V3L9", point, &city, (*string)(nil), "ca", fixedTime))

	entry, err := s.GetCachedCoordinates(context.Background(), "M5V3L9")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.InDelta(t, 43.6426, entry.Coordinates.Latitude, 1e-9)
	assert.InDelta(t, -79.3871, entry.Coordinates.Longitude, 1e-9)
	assert.Equal(t, "Toronto", entry.City)
	assert.Empty(t, entry.Region)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedCoordinates_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM location_cache`).
		WithArgs("K1A0B1").
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetCachedCoordinates(context.Background(), "K1A 0B1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get cached coordinates")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertCachedCoordinates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO location_cache .* ON CONFLICT \(postal_code\) DO UPDATE`).
		WithArgs("V6B1A1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "ca", fixedTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertCachedCoordinates(context.Background(), model.LocationEntry{
		PostalCode:  "v6b 1a1",
		Coordinates: model.Coordinates{Latitude: 49.28, Longitude: -123.11},
		City:        "Vancouver",
		Country:     "ca",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportLocations_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"postal_code", "location", "city", "region", "country", "geocoded_at"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_location_cache"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_location_cache"}, cols).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "location_cache"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.ImportLocations(context.Background(), []model.LocationEntry{
		{PostalCode: "M5V3L9", Coordinates: model.Coordinates{Latitude: 43.64, Longitude: -79.39}, Country: "ca"},
		{PostalCode: "K1A0B1", Coordinates: model.Coordinates{Latitude: 45.42, Longitude: -75.70}, Country: "ca"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListUsers_FilterAndOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	conf := 0.9
	postal := "M5V3L9"
	stage := "young_professional"
	freq := "weekly"
	cols := []string{"id", "email", "full_name", "postal_code", "life_stage", "life_stage_confidence", "shopping_frequency", "created_at"}

	mock.ExpectQuery(`FROM users WHERE true AND postal_code IS NOT NULL .* AND id <> ALL\(\$1\) ORDER BY life_stage_confidence DESC NULLS LAST, created_at ASC`).
		WithArgs([]string{"u-member"}).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("u-1", (*string)(nil), (*string)(nil), &postal, &stage, &conf, &freq, fixedTime).
			AddRow("u-2", (*string)(nil), (*string)(nil), &postal, &stage, (*float64)(nil), (*string)(nil), fixedTime))

	users, err := s.ListUsers(context.Background(), UserFilter{
		HasPostalCode:  true,
		HasLifeStage:   true,
		ExcludeUserIDs: []string{"u-member"},
	})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u-1", users[0].ID)
	assert.Equal(t, 0.9, users[0].Confidence())
	assert.Equal(t, model.FrequencyWeekly, users[0].ShoppingFrequency)
	assert.Nil(t, users[1].LifeStageConfidence)
	assert.Empty(t, users[1].ShoppingFrequency)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListUsers_ReadError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM users`).WillReturnError(errors.New("too many connections"))

	_, err := s.ListUsers(context.Background(), UserFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: list users")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListCirclesWithActiveMembers_Groups(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	stageA, stageB := "family", "retiree"
	desc := "A community"
	cols := []string{"id", "name", "description", "location_radius", "created_at",
		"id", "email", "full_name", "postal_code", "life_stage", "life_stage_confidence", "shopping_frequency", "created_at"}
	mock.ExpectQuery(`FROM circles c\s+JOIN circle_memberships m`).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("c-1", "Toronto Family", &desc, 5.0, fixedTime, "u-1", (*string)(nil), (*string)(nil), (*string)(nil), &stageA, (*float64)(nil), (*string)(nil), fixedTime).
			AddRow("c-1", "Toronto Family", &desc, 5.0, fixedTime, "u-2", (*string)(nil), (*string)(nil), (*string)(nil), &stageA, (*float64)(nil), (*string)(nil), fixedTime).
			AddRow("c-2", "Ottawa Retiree", (*string)(nil), 5.0, fixedTime, "u-3", (*string)(nil), (*string)(nil), (*string)(nil), &stageB, (*float64)(nil), (*string)(nil), fixedTime))

	circles, err := s.ListCirclesWithActiveMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, circles, 2)
	assert.Equal(t, 2, circles[0].MemberCount())
	assert.Equal(t, "A community", circles[0].Description)
	assert.True(t, circles[1].HasMember("u-3"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddMembership_OnConflictDoNothing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO circle_memberships .* ON CONFLICT \(user_id, circle_id\) WHERE is_active DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "u-1", "c-1", fixedTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.AddMembership(context.Background(), "u-1", "c-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddMembership_WriteError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO circle_memberships`).
		WithArgs(pgxmock.AnyArg(), "u-1", "c-1", fixedTime).
		WillReturnError(errors.New("deadlock detected"))

	err := s.AddMembership(context.Background(), "u-1", "c-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add membership u-1 -> c-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScheduleTask_ReusesOpenTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	due := fixedTime.Add(48 * time.Hour)
	mock.ExpectQuery(`FROM scheduled_tasks\s+WHERE kind = \$1 AND user_id = \$2 AND circle_id = \$3`).
		WithArgs("deactivate_membership", "u-1", "c-old").
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "user_id", "circle_id", "due_at", "status", "attempts", "last_error", "created_at"}).
			AddRow("t-1", "deactivate_membership", "u-1", "c-old", due, "pending", 0, (*string)(nil), fixedTime))

	task, err := s.ScheduleTask(context.Background(), model.ScheduledTask{
		Kind:     model.TaskKindDeactivateMembership,
		UserID:   "u-1",
		CircleID: "c-old",
		DueAt:    due.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", task.ID)
	assert.Equal(t, due, task.DueAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScheduleTask_Inserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	due := fixedTime.Add(48 * time.Hour)
	mock.ExpectQuery(`FROM scheduled_tasks`).
		WithArgs("deactivate_membership", "u-1", "c-old").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO scheduled_tasks`).
		WithArgs(pgxmock.AnyArg(), "deactivate_membership", "u-1", "c-old", due, "pending", fixedTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	task, err := s.ScheduleTask(context.Background(), model.ScheduledTask{
		Kind:     model.TaskKindDeactivateMembership,
		UserID:   "u-1",
		CircleID: "c-old",
		DueAt:    due,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimDueTasks_SkipLocked(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	lease := 5 * time.Minute
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(fixedTime, fixedTime.Add(-lease), 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "user_id", "circle_id", "due_at", "status", "attempts", "last_error", "created_at"}).
			AddRow("t-1", "deactivate_membership", "u-1", "c-old", fixedTime.Add(-time.Hour), "pending", 0, (*string)(nil), fixedTime))
	mock.ExpectExec(`UPDATE scheduled_tasks SET status = 'running'`).
		WithArgs(fixedTime, []string{"t-1"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	tasks, err := s.ClaimDueTasks(context.Background(), fixedTime, 10, lease)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusRunning, tasks[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimDueTasks_NoneDue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(fixedTime, fixedTime.Add(-time.Minute), 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "user_id", "circle_id", "due_at", "status", "attempts", "last_error", "created_at"}))
	mock.ExpectCommit()

	tasks, err := s.ClaimDueTasks(context.Background(), fixedTime, 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailTask_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scheduled_tasks\s+SET attempts = attempts \+ 1`).
		WithArgs("boom", 5, "t-missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FailTask(context.Background(), "t-missing", "boom", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE matching_runs SET status = \$1, summary = \$2`).
		WithArgs("complete", pgxmock.AnyArg(), fixedTime, "01HRUN").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FinishRun(context.Background(), model.RunSummary{
		RunID:      "01HRUN",
		Status:     model.RunStatusComplete,
		Placed:     3,
		FinishedAt: fixedTime,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_DecodesSummary(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	finished := fixedTime.Add(time.Minute)
	mock.ExpectQuery(`FROM matching_runs WHERE true ORDER BY started_at DESC LIMIT \$1`).
		WithArgs(20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "summary", "started_at", "finished_at"}).
			AddRow("01HRUN", "complete", []byte(`{"run_id":"01HRUN","placed":4}`), fixedTime, &finished))

	runs, err := s.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Summary)
	assert.Equal(t, 4, runs[0].Summary.Placed)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncodeDecodePoint(t *testing.T) {
	data, err := encodePoint(model.Coordinates{Latitude: 45.4215, Longitude: -75.6972})
	require.NoError(t, err)

	got, err := decodePoint(data)
	require.NoError(t, err)
	assert.InDelta(t, 45.4215, got.Latitude, 1e-12)
	assert.InDelta(t, -75.6972, got.Longitude, 1e-12)

	_, err = decodePoint([]byte{0x01, 0x02})
	assert.Error(t, err)
}
