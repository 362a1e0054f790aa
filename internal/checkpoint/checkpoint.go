// Package checkpoint persists how many input records have been committed to
// batch storage.
package checkpoint

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Store persists and retrieves the committed line count.
type Store interface {
	// Load returns the last saved line count, or 0 when nothing has been
	// saved yet.
	Load(ctx context.Context) (int, error)

	// Save durably records lineNo. It returns only after the value survives a
	// process restart.
	Save(ctx context.Context, lineNo int) error

	// Close releases any resources.
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Driver      string // "file" | "sqlite" | "postgres"
	Path        string // file or sqlite database path
	DatabaseURL string // postgres connection string
	Name        string // checkpoint row key for database drivers
}

// Record is the persisted checkpoint shape.
type Record struct {
	LastLine  int       `json:"last_line"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Open creates the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	switch cfg.Driver {
	case "", "file":
		return NewFile(cfg.Path), nil
	case "sqlite":
		return NewSQLite(ctx, cfg.Path, name)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, name)
	default:
		return nil, eris.Errorf("checkpoint: unknown driver %q", cfg.Driver)
	}
}
