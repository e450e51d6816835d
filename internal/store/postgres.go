package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/circlesave/circle-matcher/internal/db"
	"github.com/circlesave/circle-matcher/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgSelectCached = `SELECT postal_code, location, city, region, country, geocoded_at FROM location_cache WHERE postal_code = $1`
	pgUpsertCached = `INSERT INTO location_cache (postal_code, location, city, region, country, geocoded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (postal_code) DO UPDATE SET
			location = EXCLUDED.location, city = EXCLUDED.city, region = EXCLUDED.region,
			country = EXCLUDED.country, geocoded_at = EXCLUDED.geocoded_at`
	pgAddMembership = `INSERT INTO circle_memberships (id, user_id, circle_id, joined_at, is_active)
		VALUES ($1, $2, $3, $4, true)
		ON CONFLICT (user_id, circle_id) WHERE is_active DO NOTHING`
	pgDeactivateMembership = `UPDATE circle_memberships SET is_active = false WHERE user_id = $1 AND circle_id = $2 AND is_active`
	pgListPatterns         = `SELECT category, frequency_score, average_amount, last_updated FROM spending_patterns WHERE user_id = $1 ORDER BY last_updated DESC`
)

// preparedStatements lists queries to prepare on each new connection.
// The resolver and the placement pass issue these once per user or postal code.
var preparedStatements = map[string]string{
	"select_cached_coordinates": pgSelectCached,
	"upsert_cached_coordinates": pgUpsertCached,
	"add_membership":            pgAddMembership,
	"deactivate_membership":     pgDeactivateMembership,
	"list_spending_patterns":    pgListPatterns,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: utcNow}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func utcNow() time.Time { return time.Now().UTC() }

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return utcNow()
	}
	return s.now()
}

// location is an EWKB point (SRID 4326) so the column can be cast to PostGIS geometry when available.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS users (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email                 TEXT,
	full_name             TEXT,
	postal_code           TEXT,
	life_stage            TEXT,
	life_stage_confidence DOUBLE PRECISION,
	shopping_frequency    TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS spending_patterns (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id         TEXT NOT NULL REFERENCES users(id),
	category        TEXT NOT NULL,
	frequency_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	average_amount  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_updated    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS circles (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name            TEXT NOT NULL,
	description     TEXT,
	location_radius DOUBLE PRECISION NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS circle_memberships (
	id        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id   TEXT NOT NULL REFERENCES users(id),
	circle_id TEXT NOT NULL REFERENCES circles(id),
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_active BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS location_cache (
	postal_code TEXT PRIMARY KEY,
	location    BYTEA NOT NULL,
	city        TEXT,
	region      TEXT,
	country     TEXT NOT NULL,
	geocoded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	kind       TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	circle_id  TEXT NOT NULL,
	due_at     TIMESTAMPTZ NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS matching_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     JSONB,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_spending_patterns_user_id ON spending_patterns(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_active ON circle_memberships(user_id, circle_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_memberships_circle_id ON circle_memberships(circle_id);
CREATE INDEX IF NOT EXISTS idx_users_confidence ON users(life_stage_confidence DESC NULLS LAST, created_at);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, due_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduled_tasks_open ON scheduled_tasks(kind, user_id, circle_id) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_matching_runs_started_at ON matching_runs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListActiveMemberships(ctx context.Context) ([]model.MembershipRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, circle_id FROM circle_memberships WHERE is_active ORDER BY joined_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active memberships")
	}
	defer rows.Close()

	var refs []model.MembershipRef
	for rows.Next() {
		var ref model.MembershipRef
		if err := rows.Scan(&ref.UserID, &ref.CircleID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan membership")
		}
		refs = append(refs, ref)
	}
	return refs, eris.Wrap(rows.Err(), "postgres: list active memberships iterate")
}

func (s *PostgresStore) ListUsers(ctx context.Context, filter UserFilter) ([]model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE true`
	args := []any{}
	argIdx := 1

	if filter.HasPostalCode {
		query += ` AND postal_code IS NOT NULL AND postal_code <> ''`
	}
	if filter.HasLifeStage {
		query += ` AND life_stage IS NOT NULL AND life_stage <> ''`
	}
	if len(filter.ExcludeUserIDs) > 0 {
		query += fmt.Sprintf(` AND id <> ALL($%d)`, argIdx)
		args = append(args, filter.ExcludeUserIDs)
	}
	query += ` ORDER BY life_stage_confidence DESC NULLS LAST, created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list users")
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var r pgUserRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan user")
		}
		users = append(users, r.user())
	}
	return users, eris.Wrap(rows.Err(), "postgres: list users iterate")
}

func (s *PostgresStore) ListSpendingPatterns(ctx context.Context, userID string) ([]model.SpendingPattern, error) {
	rows, err := s.pool.Query(ctx, pgListPatterns, userID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list spending patterns for %s", userID)
	}
	defer rows.Close()

	var patterns []model.SpendingPattern
	for rows.Next() {
		var p model.SpendingPattern
		var category string
		if err := rows.Scan(&category, &p.FrequencyScore, &p.AverageAmount, &p.LastUpdated); err != nil {
			return nil, eris.Wrap(err, "postgres: scan spending pattern")
		}
		p.Category = model.SpendingCategory(category)
		patterns = append(patterns, p)
	}
	return patterns, eris.Wrap(rows.Err(), "postgres: list spending patterns iterate")
}

func (s *PostgresStore) ListCirclesWithActiveMembers(ctx context.Context) ([]model.CircleWithMembers, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, c.description, c.location_radius, c.created_at, `+prefixedUserColumns+`
		 FROM circles c
		 JOIN circle_memberships m ON m.circle_id = c.id AND m.is_active
		 JOIN users u ON u.id = m.user_id
		 ORDER BY c.created_at, c.id, m.joined_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list circles")
	}
	defer rows.Close()

	var circles []model.CircleWithMembers
	for rows.Next() {
		var c model.Circle
		var desc *string
		var u pgUserRow
		dest := append([]any{&c.ID, &c.Name, &desc, &c.LocationRadius, &c.CreatedAt}, u.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan circle member")
		}
		c.Description = deref(desc)
		if n := len(circles); n == 0 || circles[n-1].ID != c.ID {
			circles = append(circles, model.CircleWithMembers{Circle: c})
		}
		last := &circles[len(circles)-1]
		last.Members = append(last.Members, u.user())
	}
	return circles, eris.Wrap(rows.Err(), "postgres: list circles iterate")
}

func (s *PostgresStore) CreateCircle(ctx context.Context, name, description string, radiusKm float64) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO circles (id, name, description, location_radius, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, name, description, radiusKm, s.clock(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert circle %q", name)
	}
	return id, nil
}

func (s *PostgresStore) AddMembership(ctx context.Context, userID, circleID string) error {
	_, err := s.pool.Exec(ctx, pgAddMembership, uuid.New().String(), userID, circleID, s.clock())
	return eris.Wrapf(err, "postgres: add membership %s -> %s", userID, circleID)
}

func (s *PostgresStore) DeactivateMembership(ctx context.Context, userID, circleID string) error {
	_, err := s.pool.Exec(ctx, pgDeactivateMembership, userID, circleID)
	return eris.Wrapf(err, "postgres: deactivate membership %s -> %s", userID, circleID)
}

func (s *PostgresStore) GetCachedCoordinates(ctx context.Context, postalCode string) (*model.LocationEntry, error) {
	var e model.LocationEntry
	var point []byte
	var city, region *string
	err := s.pool.QueryRow(ctx, pgSelectCached, model.NormalizePostalCode(postalCode)).
		Scan(&e.PostalCode, &point, &city, &region, &e.Country, &e.GeocodedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cached coordinates %s", postalCode)
	}
	coords, err := decodePoint(point)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: decode cached point %s", e.PostalCode)
	}
	e.Coordinates = coords
	e.City = deref(city)
	e.Region = deref(region)
	return &e, nil
}

func (s *PostgresStore) UpsertCachedCoordinates(ctx context.Context, entry model.LocationEntry) error {
	row, err := locationRow(entry, s.clock())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgUpsertCached, row...)
	return eris.Wrapf(err, "postgres: upsert cached coordinates %s", entry.PostalCode)
}

// ImportLocations seeds the cache through a COPY-backed bulk upsert.
func (s *PostgresStore) ImportLocations(ctx context.Context, entries []model.LocationEntry) (int64, error) {
	now := s.clock()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		row, err := locationRow(e, now)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "location_cache",
		Columns:      []string{"postal_code", "location", "city", "region", "country", "geocoded_at"},
		ConflictKeys: []string{"postal_code"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import locations")
	}
	return n, nil
}

func (s *PostgresStore) ListUncachedPostalCodes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT norm FROM (
			SELECT upper(regexp_replace(postal_code, '\s', '', 'g')) AS norm
			FROM users WHERE postal_code IS NOT NULL AND postal_code <> ''
		 ) u
		 WHERE norm <> '' AND NOT EXISTS (SELECT 1 FROM location_cache lc WHERE lc.postal_code = u.norm)
		 ORDER BY norm`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list uncached postal codes")
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, eris.Wrap(err, "postgres: scan postal code")
		}
		codes = append(codes, code)
	}
	return codes, eris.Wrap(rows.Err(), "postgres: list uncached postal codes iterate")
}

func (s *PostgresStore) ScheduleTask(ctx context.Context, task model.ScheduledTask) (*model.ScheduledTask, error) {
	existing, err := scanPgTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE kind = $1 AND user_id = $2 AND circle_id = $3 AND status IN ('pending', 'running')`,
		string(task.Kind), task.UserID, task.CircleID,
	))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: find pending task")
	}

	task.ID = uuid.New().String()
	task.Status = model.TaskStatusPending
	task.Attempts = 0
	task.CreatedAt = s.clock()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scheduled_tasks (id, kind, user_id, circle_id, due_at, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
		task.ID, string(task.Kind), task.UserID, task.CircleID, task.DueAt.UTC(), string(task.Status), task.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert task for %s", task.UserID)
	}
	return &task, nil
}

func (s *PostgresStore) ListPendingTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE status IN ('pending', 'running') ORDER BY due_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending tasks")
	}
	defer rows.Close()

	var tasks []model.ScheduledTask
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list pending tasks iterate")
}

// ClaimDueTasks marks due pending tasks, and running tasks whose lease expired, as running.
// Rows are claimed with FOR UPDATE SKIP LOCKED so several workers can poll the same table.
func (s *PostgresStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.ScheduledTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim tasks begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE (status = 'pending' AND due_at <= $1) OR (status = 'running' AND claimed_at <= $2)
		 ORDER BY due_at
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		now.UTC(), now.Add(-lease).UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select due tasks")
	}
	var tasks []model.ScheduledTask
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: select due tasks iterate")
	}

	if len(tasks) == 0 {
		_ = tx.Commit(ctx)
		return nil, nil
	}

	ids := make([]string, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
		tasks[i].Status = model.TaskStatusRunning
	}
	if _, err := tx.Exec(ctx,
		`UPDATE scheduled_tasks SET status = 'running', claimed_at = $1 WHERE id = ANY($2)`,
		now.UTC(), ids,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: mark tasks running")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: claim tasks commit")
	}
	return tasks, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_tasks SET status = 'done', last_error = NULL WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("task not found: %s", id)
	}
	return nil
}

// FailTask records a failed attempt. The task returns to pending until maxAttempts is reached.
func (s *PostgresStore) FailTask(ctx context.Context, id string, taskErr string, maxAttempts int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_tasks
		 SET attempts = attempts + 1,
		     last_error = $1,
		     status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		     claimed_at = NULL
		 WHERE id = $3`,
		taskErr, maxAttempts, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("task not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matching_runs (id, status, started_at) VALUES ($1, $2, $3)`,
		id, string(model.RunStatusRunning), startedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert run %s", id)
}

func (s *PostgresStore) FinishRun(ctx context.Context, summary model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE matching_runs SET status = $1, summary = $2, finished_at = $3 WHERE id = $4`,
		string(summary.Status), summaryJSON, summary.FinishedAt.UTC(), summary.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", summary.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", summary.RunID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, summary, started_at, finished_at FROM matching_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var summaryJSON []byte
		if err := rows.Scan(&r.ID, &status, &summaryJSON, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		if summaryJSON != nil {
			r.Summary = &model.RunSummary{}
			if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run summary")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// pgUserRow holds the nullable columns of a users row.
type pgUserRow struct {
	id                                   string
	email, fullName, postal, stage, freq *string
	confidence                           *float64
	createdAt                            time.Time
}

func (r *pgUserRow) dest() []any {
	return []any{&r.id, &r.email, &r.fullName, &r.postal, &r.stage, &r.confidence, &r.freq, &r.createdAt}
}

func (r *pgUserRow) user() model.User {
	return model.User{
		ID:                  r.id,
		Email:               deref(r.email),
		FullName:            deref(r.fullName),
		PostalCode:          deref(r.postal),
		LifeStage:           deref(r.stage),
		LifeStageConfidence: r.confidence,
		ShoppingFrequency:   model.ShoppingFrequency(deref(r.freq)),
		CreatedAt:           r.createdAt,
	}
}

func scanPgTask(row pgx.Row) (*model.ScheduledTask, error) {
	var t model.ScheduledTask
	var kind, status string
	var lastErr *string
	if err := row.Scan(&t.ID, &kind, &t.UserID, &t.CircleID, &t.DueAt, &status, &t.Attempts, &lastErr, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	t.LastError = deref(lastErr)
	return &t, nil
}

// encodePoint returns the EWKB encoding of a WGS84 point.
func encodePoint(c model.Coordinates) ([]byte, error) {
	g := geom.NewPointFlat(geom.XY, []float64{c.Longitude, c.Latitude}).SetSRID(4326)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode point")
	}
	return data, nil
}

func decodePoint(data []byte) (model.Coordinates, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return model.Coordinates{}, err
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return model.Coordinates{}, eris.Errorf("unexpected geometry %T", g)
	}
	return model.Coordinates{Latitude: p.Y(), Longitude: p.X()}, nil
}

func locationRow(e model.LocationEntry, now time.Time) ([]any, error) {
	point, err := encodePoint(e.Coordinates)
	if err != nil {
		return nil, err
	}
	at := e.GeocodedAt
	if at.IsZero() {
		at = now
	}
	return []any{
		model.NormalizePostalCode(e.PostalCode), point,
		nullableText(e.City), nullableText(e.Region),
		e.Country, at.UTC(),
	}, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
