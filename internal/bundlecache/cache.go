// Package bundlecache keeps the last bundle source that loaded successfully
// for each fragment, so a fragment can still be served while its origin is
// down.
package bundlecache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fragmesh/internal/logging"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no bundle is cached for a name.
var ErrNotFound = errors.New("bundle not cached")

// Bundle is one cached bundle.
type Bundle struct {
	Name     string
	URL      string
	Export   string
	Source   []byte
	Checksum string
	StoredAt time.Time
}

// Cache is a SQLite-backed last-known-good store.
type Cache struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the cache database at path.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)

	c := &Cache{db: db, path: path, logger: logging.For(logger, logging.CategoryCache)}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bundles (
		name TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		export TEXT NOT NULL,
		source BLOB NOT NULL,
		checksum TEXT NOT NULL,
		stored_at INTEGER NOT NULL
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	if c.path != ":memory:" {
		if _, err := c.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			c.logger.Warn("could not enable WAL", zap.Error(err))
		}
	}
	return nil
}

// Put stores b as the last-known-good bundle for b.Name.
func (c *Cache) Put(ctx context.Context, b Bundle) error {
	if b.StoredAt.IsZero() {
		b.StoredAt = time.Now()
	}
	b.Checksum = Checksum(b.Source)

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO bundles (name, url, export, source, checksum, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			export = excluded.export,
			source = excluded.source,
			checksum = excluded.checksum,
			stored_at = excluded.stored_at`,
		b.Name, b.URL, b.Export, b.Source, b.Checksum, b.StoredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store bundle %s: %w", b.Name, err)
	}
	c.logger.Debug("cached bundle", zap.String("name", b.Name), zap.String("checksum", b.Checksum))
	return nil
}

// Get returns the cached bundle for name. A row whose checksum no longer
// matches its source is treated as missing.
func (c *Cache) Get(ctx context.Context, name string) (*Bundle, error) {
	var b Bundle
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT name, url, export, source, checksum, stored_at FROM bundles WHERE name = ?`, name,
	).Scan(&b.Name, &b.URL, &b.Export, &b.Source, &b.Checksum, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", name, err)
	}
	if Checksum(b.Source) != b.Checksum {
		c.logger.Warn("discarding corrupt cached bundle", zap.String("name", name))
		return nil, ErrNotFound
	}
	b.StoredAt = time.Unix(0, storedAt)
	return &b, nil
}

// Delete removes the bundle for name.
func (c *Cache) Delete(ctx context.Context, name string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM bundles WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete bundle %s: %w", name, err)
	}
	return nil
}

// Names lists cached bundle names in order.
func (c *Cache) Names(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM bundles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Checksum returns the hex sha256 of source.
func Checksum(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}
