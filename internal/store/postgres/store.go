// Package postgres provides the Postgres-backed persistence implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists builds, releases, and runs in Postgres.
type Store struct {
	pool querier
}

const schema = `
CREATE TABLE IF NOT EXISTS builds (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    public BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS releases (
    id TEXT PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES builds(id),
    name TEXT NOT NULL,
    number INTEGER NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (build_id, name, number)
);
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    release_id TEXT NOT NULL REFERENCES releases(id),
    name TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    image TEXT NOT NULL DEFAULT '',
    log TEXT NOT NULL DEFAULT '',
    config TEXT NOT NULL DEFAULT '',
    ref_url TEXT NOT NULL DEFAULT '',
    ref_image TEXT NOT NULL DEFAULT '',
    ref_log TEXT NOT NULL DEFAULT '',
    ref_config TEXT NOT NULL DEFAULT '',
    diff_image TEXT NOT NULL DEFAULT '',
    diff_log TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (release_id, name)
);
`

// NewStore connects to Postgres and bootstraps the schema.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (for testing).
func NewStoreWithPool(pool querier) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateBuild inserts a build, mapping unique-name violations to a conflict.
func (s *Store) CreateBuild(ctx context.Context, build vr.Build) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO builds (id, name, public, created_at) VALUES ($1, $2, $3, $4)`,
		build.ID, build.Name, build.Public, build.CreatedAt,
	)
	if isUniqueViolation(err) {
		return vr.Conflictf("build name %q already exists", build.Name)
	}
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, id string) (vr.Build, error) {
	return s.scanBuild(s.pool.QueryRow(ctx,
		`SELECT id, name, public, created_at FROM builds WHERE id = $1`, id))
}

// GetBuildByName fetches a build by its unique name.
func (s *Store) GetBuildByName(ctx context.Context, name string) (vr.Build, error) {
	return s.scanBuild(s.pool.QueryRow(ctx,
		`SELECT id, name, public, created_at FROM builds WHERE name = $1`, name))
}

func (s *Store) scanBuild(row pgx.Row) (vr.Build, error) {
	var b vr.Build
	err := row.Scan(&b.ID, &b.Name, &b.Public, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return vr.Build{}, fmt.Errorf("build: %w", vr.ErrNotFound)
	}
	if err != nil {
		return vr.Build{}, fmt.Errorf("scan build: %w", err)
	}
	return b, nil
}

// CreateRelease inserts a release.
func (s *Store) CreateRelease(ctx context.Context, release vr.Release) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO releases (id, build_id, name, number, url, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		release.ID, release.BuildID, release.Name, release.Number,
		release.URL, release.Status, release.CreatedAt,
	)
	if isUniqueViolation(err) {
		return vr.Conflictf("release %s #%d already exists", release.Name, release.Number)
	}
	if err != nil {
		return fmt.Errorf("insert release: %w", err)
	}
	return nil
}

const releaseColumns = `id, build_id, name, number, url, status, created_at`

// GetRelease fetches a release by id.
func (s *Store) GetRelease(ctx context.Context, id string) (vr.Release, error) {
	return s.scanRelease(s.pool.QueryRow(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE id = $1`, id))
}

// LatestRelease returns the highest-numbered release for (buildID, name).
func (s *Store) LatestRelease(ctx context.Context, buildID, name string) (vr.Release, error) {
	return s.scanRelease(s.pool.QueryRow(ctx,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE build_id = $1 AND name = $2
		 ORDER BY number DESC LIMIT 1`, buildID, name))
}

// LastGoodRelease returns the most recently created GOOD release for the
// build. Ordering is by created_at, not number.
func (s *Store) LastGoodRelease(ctx context.Context, buildID string) (vr.Release, error) {
	return s.scanRelease(s.pool.QueryRow(ctx,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE build_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`, buildID, vr.ReleaseGood))
}

// ListReleases returns all releases of a build, newest first.
func (s *Store) ListReleases(ctx context.Context, buildID string) ([]vr.Release, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE build_id = $1 ORDER BY created_at DESC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	var out []vr.Release
	for rows.Next() {
		var r vr.Release
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Name, &r.Number, &r.URL, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) scanRelease(row pgx.Row) (vr.Release, error) {
	var r vr.Release
	err := row.Scan(&r.ID, &r.BuildID, &r.Name, &r.Number, &r.URL, &r.Status, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return vr.Release{}, fmt.Errorf("release: %w", vr.ErrNotFound)
	}
	if err != nil {
		return vr.Release{}, fmt.Errorf("scan release: %w", err)
	}
	return r, nil
}

// UpdateReleaseStatus applies the transition guarded by the expected current
// status; a zero-row update means the release was mutated concurrently.
func (s *Store) UpdateReleaseStatus(ctx context.Context, id string, from, to vr.ReleaseStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE releases SET status = $1 WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return fmt.Errorf("update release status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetRelease(ctx, id); errors.Is(gerr, vr.ErrNotFound) {
			return fmt.Errorf("release %s: %w", id, vr.ErrNotFound)
		}
		return &vr.InvalidStateError{
			Entity: "release", ID: id,
			Msg: fmt.Sprintf("expected status %s", from),
		}
	}
	return nil
}

const runColumns = `id, release_id, name, url, status, image, log, config,
	ref_url, ref_image, ref_log, ref_config, diff_image, diff_log,
	created_at, updated_at`

// CreateRun inserts a run, unique by name within its release.
func (s *Store) CreateRun(ctx context.Context, run vr.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.ReleaseID, run.Name, run.URL, run.Status,
		run.Image, run.Log, run.Config,
		run.RefURL, run.RefImage, run.RefLog, run.RefConfig,
		run.DiffImage, run.DiffLog,
		run.CreatedAt, run.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return vr.Conflictf("run %q already exists in release %s", run.Name, run.ReleaseID)
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun replaces the mutable fields of a run.
func (s *Store) UpdateRun(ctx context.Context, run vr.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET url = $1, status = $2, image = $3, log = $4, config = $5,
		 diff_image = $6, diff_log = $7, updated_at = $8
		 WHERE release_id = $9 AND name = $10`,
		run.URL, run.Status, run.Image, run.Log, run.Config,
		run.DiffImage, run.DiffLog, run.UpdatedAt,
		run.ReleaseID, run.Name,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s/%s: %w", run.ReleaseID, run.Name, vr.ErrNotFound)
	}
	return nil
}

// GetRun fetches a run by release and name.
func (s *Store) GetRun(ctx context.Context, releaseID, name string) (vr.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE release_id = $1 AND name = $2`,
		releaseID, name)
	var r vr.Run
	err := row.Scan(
		&r.ID, &r.ReleaseID, &r.Name, &r.URL, &r.Status,
		&r.Image, &r.Log, &r.Config,
		&r.RefURL, &r.RefImage, &r.RefLog, &r.RefConfig,
		&r.DiffImage, &r.DiffLog,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return vr.Run{}, fmt.Errorf("run %s/%s: %w", releaseID, name, vr.ErrNotFound)
	}
	if err != nil {
		return vr.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns all runs of a release sorted by name.
func (s *Store) ListRuns(ctx context.Context, releaseID string) ([]vr.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE release_id = $1 ORDER BY name`, releaseID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []vr.Run
	for rows.Next() {
		var r vr.Run
		if err := rows.Scan(
			&r.ID, &r.ReleaseID, &r.Name, &r.URL, &r.Status,
			&r.Image, &r.Log, &r.Config,
			&r.RefURL, &r.RefImage, &r.RefLog, &r.RefConfig,
			&r.DiffImage, &r.DiffLog,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
