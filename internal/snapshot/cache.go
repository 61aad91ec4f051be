package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JonMunkholm/ledgerclose/internal/model"
)

// Cache is the snapshot cache handle. It is created at process start,
// handed to the Service and closed at shutdown. Entries are keyed by
// closure and hold the latest snapshot only.
type Cache interface {
	Get(ctx context.Context, closureID int64) (model.IncidenceSnapshot, bool, error)
	Put(ctx context.Context, snap model.IncidenceSnapshot) error
	Invalidate(ctx context.Context, closureID int64) error
	Close() error
}

// ErrCacheClosed is returned by a cache used after Close.
var ErrCacheClosed = errors.New("snapshot cache closed")

// MemoryCache keeps snapshots in process memory.
type MemoryCache struct {
	mu     sync.RWMutex
	items  map[int64]model.IncidenceSnapshot
	closed bool
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[int64]model.IncidenceSnapshot)}
}

func (c *MemoryCache) Get(_ context.Context, closureID int64) (model.IncidenceSnapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return model.IncidenceSnapshot{}, false, ErrCacheClosed
	}
	snap, ok := c.items[closureID]
	return snap, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, snap model.IncidenceSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.items[snap.ClosureID] = snap
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, closureID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	delete(c.items, closureID)
	return nil
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.items = nil
	return nil
}

// SqliteCache persists snapshots in a local SQLite file so a restarted
// process serves warm reads.
type SqliteCache struct {
	db   *sql.DB
	path string
}

// OpenSqliteCache creates or opens the cache database at path.
func OpenSqliteCache(path string) (*SqliteCache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &SqliteCache{db: db, path: path}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *SqliteCache) initSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS snapshot_cache (
		closure_id INTEGER PRIMARY KEY,
		iteration INTEGER NOT NULL,
		digest TEXT NOT NULL,
		payload TEXT NOT NULL,
		stored_at DATETIME NOT NULL
	);`)
	return err
}

// Path returns the database file path.
func (c *SqliteCache) Path() string {
	return c.path
}

func (c *SqliteCache) Get(ctx context.Context, closureID int64) (model.IncidenceSnapshot, bool, error) {
	var payload string
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshot_cache WHERE closure_id = ?`, closureID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IncidenceSnapshot{}, false, nil
	}
	if err != nil {
		return model.IncidenceSnapshot{}, false, fmt.Errorf("read cached snapshot: %w", err)
	}

	var snap model.IncidenceSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return model.IncidenceSnapshot{}, false, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return snap, true, nil
}

func (c *SqliteCache) Put(ctx context.Context, snap model.IncidenceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshot_cache (closure_id, iteration, digest, payload, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(closure_id) DO UPDATE SET
			iteration = excluded.iteration,
			digest = excluded.digest,
			payload = excluded.payload,
			stored_at = excluded.stored_at`,
		snap.ClosureID, snap.Iteration, snap.Digest, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store cached snapshot: %w", err)
	}
	return nil
}

func (c *SqliteCache) Invalidate(ctx context.Context, closureID int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM snapshot_cache WHERE closure_id = ?`, closureID); err != nil {
		return fmt.Errorf("invalidate cached snapshot: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *SqliteCache) Close() error {
	return c.db.Close()
}

// OpenCache opens the cache selected by driver: "memory" or "sqlite".
func OpenCache(driver, path string) (Cache, error) {
	switch driver {
	case "", "memory":
		return NewMemoryCache(), nil
	case "sqlite":
		return OpenSqliteCache(path)
	default:
		return nil, fmt.Errorf("unknown snapshot cache driver %q", driver)
	}
}
