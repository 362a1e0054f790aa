package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps named checkpoints in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS checkpoints (
	name       TEXT PRIMARY KEY,
	last_line  INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// NewSQLite opens the database at dsn and migrates the checkpoints table.
// synchronous=FULL makes every committed Save survive power loss.
func NewSQLite(ctx context.Context, dsn, name string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "checkpoint sqlite: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "checkpoint sqlite: migrate")
	}
	return &SQLiteStore{db: db, name: name, now: time.Now}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT last_line FROM checkpoints WHERE name = ?`, s.name,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "checkpoint sqlite: load %s", s.name)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, lineNo int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, last_line, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			last_line = excluded.last_line,
			updated_at = excluded.updated_at`,
		s.name, lineNo, s.now().Unix(),
	)
	if err != nil {
		return eris.Wrapf(err, "checkpoint sqlite: save %s", s.name)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
