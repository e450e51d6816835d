package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/circlesave/circle-matcher/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// due_at and claimed_at are unix milliseconds so range scans compare numerically.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS users (
	id                    TEXT PRIMARY KEY,
	email                 TEXT,
	full_name             TEXT,
	postal_code           TEXT,
	life_stage            TEXT,
	life_stage_confidence REAL,
	shopping_frequency    TEXT,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS spending_patterns (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	category        TEXT NOT NULL,
	frequency_score REAL NOT NULL DEFAULT 0,
	average_amount  REAL NOT NULL DEFAULT 0,
	last_updated    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS circles (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT,
	location_radius REAL NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS circle_memberships (
	id        TEXT PRIMARY KEY,
	user_id   TEXT NOT NULL REFERENCES users(id),
	circle_id TEXT NOT NULL REFERENCES circles(id),
	joined_at DATETIME NOT NULL DEFAULT (datetime('now')),
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS location_cache (
	postal_code TEXT PRIMARY KEY,
	latitude    REAL NOT NULL,
	longitude   REAL NOT NULL,
	city        TEXT,
	region      TEXT,
	country     TEXT NOT NULL,
	geocoded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	circle_id  TEXT NOT NULL,
	due_at     INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	claimed_at INTEGER,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS matching_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_spending_patterns_user_id ON spending_patterns(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_active ON circle_memberships(user_id, circle_id) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_memberships_circle_id ON circle_memberships(circle_id);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, due_at);
CREATE INDEX IF NOT EXISTS idx_matching_runs_started_at ON matching_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListActiveMemberships(ctx context.Context) ([]model.MembershipRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, circle_id FROM circle_memberships WHERE is_active = 1 ORDER BY joined_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active memberships")
	}
	defer rows.Close()

	var refs []model.MembershipRef
	for rows.Next() {
		var ref model.MembershipRef
		if err := rows.Scan(&ref.UserID, &ref.CircleID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan membership")
		}
		refs = append(refs, ref)
	}
	return refs, eris.Wrap(rows.Err(), "sqlite: list active memberships iterate")
}

func (s *SQLiteStore) ListUsers(ctx context.Context, filter UserFilter) ([]model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE 1=1`
	var args []any

	if filter.HasPostalCode {
		query += ` AND postal_code IS NOT NULL AND postal_code <> ''`
	}
	if filter.HasLifeStage {
		query += ` AND life_stage IS NOT NULL AND life_stage <> ''`
	}
	if len(filter.ExcludeUserIDs) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(filter.ExcludeUserIDs)) + `)`
		for _, id := range filter.ExcludeUserIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY life_stage_confidence IS NULL, life_stage_confidence DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list users")
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, eris.Wrap(rows.Err(), "sqlite: list users iterate")
}

func (s *SQLiteStore) ListSpendingPatterns(ctx context.Context, userID string) ([]model.SpendingPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, frequency_score, average_amount, last_updated
		 FROM spending_patterns WHERE user_id = ? ORDER BY last_updated DESC`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list spending patterns for %s", userID)
	}
	defer rows.Close()

	var patterns []model.SpendingPattern
	for rows.Next() {
		var p model.SpendingPattern
		if err := rows.Scan(&p.Category, &p.FrequencyScore, &p.AverageAmount, &p.LastUpdated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan spending pattern")
		}
		patterns = append(patterns, p)
	}
	return patterns, eris.Wrap(rows.Err(), "sqlite: list spending patterns iterate")
}

func (s *SQLiteStore) ListCirclesWithActiveMembers(ctx context.Context) ([]model.CircleWithMembers, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.description, c.location_radius, c.created_at, `+prefixedUserColumns+`
		 FROM circles c
		 JOIN circle_memberships m ON m.circle_id = c.id AND m.is_active = 1
		 JOIN users u ON u.id = m.user_id
		 ORDER BY c.created_at, c.id, m.joined_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list circles")
	}
	defer rows.Close()

	var circles []model.CircleWithMembers
	for rows.Next() {
		var c model.Circle
		var desc sql.NullString
		var u userRow
		dest := append([]any{&c.ID, &c.Name, &desc, &c.LocationRadius, &c.CreatedAt}, u.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan circle member")
		}
		c.Description = desc.String
		if n := len(circles); n == 0 || circles[n-1].ID != c.ID {
			circles = append(circles, model.CircleWithMembers{Circle: c})
		}
		last := &circles[len(circles)-1]
		last.Members = append(last.Members, u.user())
	}
	return circles, eris.Wrap(rows.Err(), "sqlite: list circles iterate")
}

func (s *SQLiteStore) CreateCircle(ctx context.Context, name, description string, radiusKm float64) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO circles (id, name, description, location_radius, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, description, radiusKm, s.now(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert circle %q", name)
	}
	return id, nil
}

func (s *SQLiteStore) AddMembership(ctx context.Context, userID, circleID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO circle_memberships (id, user_id, circle_id, joined_at, is_active)
		 SELECT ?, ?, ?, ?, 1
		 WHERE NOT EXISTS (
			SELECT 1 FROM circle_memberships WHERE user_id = ? AND circle_id = ? AND is_active = 1
		 )`,
		uuid.New().String(), userID, circleID, s.now(), userID, circleID,
	)
	return eris.Wrapf(err, "sqlite: add membership %s -> %s", userID, circleID)
}

func (s *SQLiteStore) DeactivateMembership(ctx context.Context, userID, circleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE circle_memberships SET is_active = 0 WHERE user_id = ? AND circle_id = ? AND is_active = 1`,
		userID, circleID,
	)
	return eris.Wrapf(err, "sqlite: deactivate membership %s -> %s", userID, circleID)
}

func (s *SQLiteStore) GetCachedCoordinates(ctx context.Context, postalCode string) (*model.LocationEntry, error) {
	var e model.LocationEntry
	var city, region sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT postal_code, latitude, longitude, city, region, country, geocoded_at
		 FROM location_cache WHERE postal_code = ?`,
		model.NormalizePostalCode(postalCode),
	).Scan(&e.PostalCode, &e.Coordinates.Latitude, &e.Coordinates.Longitude, &city, &region, &e.Country, &e.GeocodedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cached coordinates %s", postalCode)
	}
	e.City = city.String
	e.Region = region.String
	return &e, nil
}

const sqliteUpsertLocation = `INSERT INTO location_cache (postal_code, latitude, longitude, city, region, country, geocoded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (postal_code) DO UPDATE SET
		latitude = excluded.latitude, longitude = excluded.longitude,
		city = excluded.city, region = excluded.region,
		country = excluded.country, geocoded_at = excluded.geocoded_at`

func (s *SQLiteStore) UpsertCachedCoordinates(ctx context.Context, entry model.LocationEntry) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsertLocation, locationArgs(entry, s.now())...)
	return eris.Wrapf(err, "sqlite: upsert cached coordinates %s", entry.PostalCode)
}

func (s *SQLiteStore) ImportLocations(ctx context.Context, entries []model.LocationEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import locations begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertLocation)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import locations prepare")
	}
	defer stmt.Close()

	now := s.now()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, locationArgs(e, now)...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import location %s", e.PostalCode)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import locations commit")
	}
	return int64(len(entries)), nil
}

func (s *SQLiteStore) ListUncachedPostalCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT postal_code FROM users WHERE postal_code IS NOT NULL AND postal_code <> ''`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list user postal codes")
	}
	defer rows.Close()

	var raw []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan postal code")
		}
		raw = append(raw, code)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list user postal codes iterate")
	}

	// Codes are stored as entered; the cache is keyed by normalized form.
	var out []string
	seen := make(map[string]bool)
	for _, code := range raw {
		norm := model.NormalizePostalCode(code)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		cached, err := s.GetCachedCoordinates(ctx, norm)
		if err != nil {
			return nil, err
		}
		if cached == nil {
			out = append(out, norm)
		}
	}
	return out, nil
}

func (s *SQLiteStore) ScheduleTask(ctx context.Context, task model.ScheduledTask) (*model.ScheduledTask, error) {
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM scheduled_tasks
		 WHERE kind = ? AND user_id = ? AND circle_id = ? AND status IN ('pending', 'running')`,
		string(task.Kind), task.UserID, task.CircleID,
	).Scan(&existingID)
	switch {
	case err == nil:
		return s.getTask(ctx, existingID)
	case err != sql.ErrNoRows:
		return nil, eris.Wrap(err, "sqlite: find pending task")
	}

	task.ID = uuid.New().String()
	task.Status = model.TaskStatusPending
	task.Attempts = 0
	task.CreatedAt = s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, kind, user_id, circle_id, due_at, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		task.ID, string(task.Kind), task.UserID, task.CircleID, task.DueAt.UnixMilli(), string(task.Status), task.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert task for %s", task.UserID)
	}
	return &task, nil
}

const taskColumns = `id, kind, user_id, circle_id, due_at, status, attempts, last_error, created_at`

func (s *SQLiteStore) getTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("task not found: %s", id)
	}
	return t, err
}

func (s *SQLiteStore) ListPendingTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE status IN ('pending', 'running') ORDER BY due_at`)
}

// ClaimDueTasks marks due pending tasks, and running tasks whose lease expired, as running.
// SQLite serializes writers, so the select-then-update runs inside one transaction.
func (s *SQLiteStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.ScheduledTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim tasks begin")
	}
	defer tx.Rollback() //nolint:errcheck

	nowMs := now.UnixMilli()
	staleMs := now.Add(-lease).UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE (status = 'pending' AND due_at <= ?) OR (status = 'running' AND claimed_at <= ?)
		 ORDER BY due_at LIMIT ?`,
		nowMs, staleMs, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select due tasks")
	}
	var tasks []model.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: select due tasks iterate")
	}

	for i := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = 'running', claimed_at = ? WHERE id = ?`,
			nowMs, tasks[i].ID,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim task %s", tasks[i].ID)
		}
		tasks[i].Status = model.TaskStatusRunning
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim tasks commit")
	}
	return tasks, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = 'done', last_error = NULL WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete task %s", id)
	}
	return checkRowsAffected(res, "task", id)
}

// FailTask records a failed attempt. The task returns to pending until maxAttempts is reached.
func (s *SQLiteStore) FailTask(ctx context.Context, id string, taskErr string, maxAttempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET attempts = attempts + 1,
		     last_error = ?,
		     status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
		     claimed_at = NULL
		 WHERE id = ?`,
		taskErr, maxAttempts, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail task %s", id)
	}
	return checkRowsAffected(res, "task", id)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var tasks []model.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO matching_runs (id, status, started_at) VALUES (?, ?, ?)`,
		id, string(model.RunStatusRunning), startedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", id)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, summary model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE matching_runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?`,
		string(summary.Status), string(summaryJSON), summary.FinishedAt.UTC(), summary.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", summary.RunID)
	}
	return checkRowsAffected(res, "run", summary.RunID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, summary, started_at, finished_at FROM matching_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var summaryJSON sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Status, &summaryJSON, &r.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		if summaryJSON.Valid {
			r.Summary = &model.RunSummary{}
			if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

const userColumns = `id, email, full_name, postal_code, life_stage, life_stage_confidence, shopping_frequency, created_at`

const prefixedUserColumns = `u.id, u.email, u.full_name, u.postal_code, u.life_stage, u.life_stage_confidence, u.shopping_frequency, u.created_at`

// userRow holds the nullable columns of a users row.
type userRow struct {
	id, email, fullName, postal, stage, freq sql.NullString
	confidence                               sql.NullFloat64
	createdAt                                time.Time
}

func (r *userRow) dest() []any {
	return []any{&r.id, &r.email, &r.fullName, &r.postal, &r.stage, &r.confidence, &r.freq, &r.createdAt}
}

func (r *userRow) user() model.User {
	u := model.User{
		ID:                r.id.String,
		Email:             r.email.String,
		FullName:          r.fullName.String,
		PostalCode:        r.postal.String,
		LifeStage:         r.stage.String,
		ShoppingFrequency: model.ShoppingFrequency(r.freq.String),
		CreatedAt:         r.createdAt,
	}
	if r.confidence.Valid {
		c := r.confidence.Float64
		u.LifeStageConfidence = &c
	}
	return u
}

func scanUser(row scannable) (*model.User, error) {
	var r userRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan user")
	}
	u := r.user()
	return &u, nil
}

func scanTask(row scannable) (*model.ScheduledTask, error) {
	var t model.ScheduledTask
	var dueMs int64
	var lastErr sql.NullString
	err := row.Scan(&t.ID, &t.Kind, &t.UserID, &t.CircleID, &dueMs, &t.Status, &t.Attempts, &lastErr, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan task")
	}
	t.DueAt = time.UnixMilli(dueMs).UTC()
	t.LastError = lastErr.String
	return &t, nil
}

func locationArgs(e model.LocationEntry, now time.Time) []any {
	at := e.GeocodedAt
	if at.IsZero() {
		at = now
	}
	return []any{
		model.NormalizePostalCode(e.PostalCode),
		e.Coordinates.Latitude, e.Coordinates.Longitude,
		nullString(e.City), nullString(e.Region),
		e.Country, at.UTC(),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
