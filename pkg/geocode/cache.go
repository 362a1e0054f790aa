package geocode

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"
)

// cacheKey returns SHA-256 hex of the NFKC-normalized address, so full-width
// and half-width spellings of the same address share an entry.
func cacheKey(address string) string {
	normalized := norm.NFKC.String(strings.TrimSpace(address))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// Cache stores lookup results in a local SQLite database.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

const cacheMigration = `
CREATE TABLE IF NOT EXISTS geocode_cache (
	address_hash TEXT PRIMARY KEY,
	address      TEXT NOT NULL,
	latitude     REAL NOT NULL DEFAULT 0,
	longitude    REAL NOT NULL DEFAULT 0,
	title        TEXT NOT NULL DEFAULT '',
	matched      INTEGER NOT NULL,
	cached_at    INTEGER NOT NULL
);
`

// OpenCache opens (and migrates) the cache database at path. A ttlDays of 0
// keeps entries forever.
func OpenCache(ctx context.Context, path string, ttlDays int) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "geocode cache: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "geocode cache: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, cacheMigration); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "geocode cache: migrate")
	}
	return &Cache{
		db:  db,
		ttl: time.Duration(ttlDays) * 24 * time.Hour,
		now: time.Now,
	}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached result for address, or nil on a miss.
func (c *Cache) Get(ctx context.Context, address string) (*Result, error) {
	query := `SELECT latitude, longitude, title, matched FROM geocode_cache WHERE address_hash = ?`
	args := []any{cacheKey(address)}
	if c.ttl > 0 {
		query += ` AND cached_at > ?`
		args = append(args, c.now().Add(-c.ttl).Unix())
	}

	var r Result
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&r.Latitude, &r.Longitude, &r.Title, &r.Matched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "geocode cache: get")
	}
	r.Source = "gsi"
	r.Cached = true
	return &r, nil
}

// Put stores a lookup result (match or non-match) for address.
func (c *Cache) Put(ctx context.Context, address string, r *Result) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO geocode_cache (address_hash, address, latitude, longitude, title, matched, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address_hash) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			title = excluded.title,
			matched = excluded.matched,
			cached_at = excluded.cached_at`,
		cacheKey(address), address, r.Latitude, r.Longitude, r.Title, r.Matched, c.now().Unix(),
	)
	if err != nil {
		return eris.Wrap(err, "geocode cache: put")
	}
	return nil
}

// CachedClient answers from the cache when it can and records every
// completed lookup. Failed lookups are never cached.
type CachedClient struct {
	inner Client
	cache *Cache
}

// NewCachedClient wraps inner with cache.
func NewCachedClient(inner Client, cache *Cache) *CachedClient {
	return &CachedClient{inner: inner, cache: cache}
}

// Geocode implements Client.
func (c *CachedClient) Geocode(ctx context.Context, address string) (*Result, error) {
	cached, err := c.cache.Get(ctx, address)
	if err != nil {
		zap.L().Debug("geocode cache: lookup failed, querying service", zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	r, err := c.inner.Geocode(ctx, address)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(address) != "" {
		if putErr := c.cache.Put(ctx, address, r); putErr != nil {
			zap.L().Warn("geocode cache: store failed", zap.String("address", address), zap.Error(putErr))
		}
	}
	return r, nil
}
