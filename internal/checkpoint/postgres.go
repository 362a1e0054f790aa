package checkpoint

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of *pgxpool.Pool the checkpoint store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps named checkpoints in a Postgres table.
type PostgresStore struct {
	pool    Pool
	name    string
	closeFn func()
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS zipgeo_checkpoints (
	name       TEXT PRIMARY KEY,
	last_line  BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgres connects to connString and migrates the checkpoint table.
func NewPostgres(ctx context.Context, connString, name string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint postgres: parse config")
	}
	pgxCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint postgres: connect")
	}

	s := NewPostgresWithPool(pool, name)
	s.closeFn = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns the pool.
func NewPostgresWithPool(pool Pool, name string) *PostgresStore {
	return &PostgresStore{pool: pool, name: name}
}

// Migrate creates the checkpoint table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "checkpoint postgres: migrate")
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_line FROM zipgeo_checkpoints WHERE name = $1`, s.name,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "checkpoint postgres: load %s", s.name)
	}
	if n < 0 {
		return 0, nil
	}
	return int(n), nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, lineNo int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO zipgeo_checkpoints (name, last_line, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET
			last_line = EXCLUDED.last_line,
			updated_at = now()`,
		s.name, int64(lineNo),
	)
	if err != nil {
		return eris.Wrapf(err, "checkpoint postgres: save %s", s.name)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
