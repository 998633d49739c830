package marketdata

import (
	"container/list"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/henrysouchien/portfolio-risk-engine/internal/database"
)

// schemaVersion participates in every cache key so that payload layout
// changes invalidate old entries instead of misdecoding them.
const schemaVersion = "v1"

// CacheKey builds the deterministic cache key for a loader call: sha256 over
// function name, symbol (or maturity set), normalized window bounds, and the
// schema version, hex-encoded first 16 bytes.
func CacheKey(function, symbol string, start, end time.Time) string {
	parts := []string{function, symbol, normalizeBound(start), normalizeBound(end), schemaVersion}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:16])
}

func normalizeBound(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format("2006-01-02")
}

// Store is the disk level of the cache: a sqlite key-value table holding
// msgpack-encoded series and frames. Safe under concurrent readers; writers
// to the same key serialize through sqlite's single-writer WAL mode, and each
// write replaces the row in one transaction so partial payloads are never
// readable. Failures are never stored.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore opens (or creates) the cache table on the given database.
func NewStore(db *database.DB, log zerolog.Logger) (*Store, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS price_cache (
			key        TEXT PRIMARY KEY,
			prefix     TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_price_cache_prefix ON price_cache(prefix);
	`
	if _, err := db.Conn().Exec(schema); err != nil {
		return nil, err
	}
	return &Store{db: db, log: log.With().Str("component", "price_cache").Logger()}, nil
}

// Get decodes the cached payload for key into dst. Corrupt rows are evicted
// silently and reported as a miss so the loader recomputes.
func (s *Store) Get(key string, dst interface{}) bool {
	var payload []byte
	err := s.db.Conn().QueryRow(`SELECT payload FROM price_cache WHERE key = ?`, key).Scan(&payload)
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return false
	}
	if err := msgpack.Unmarshal(payload, dst); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Corrupt cache entry, evicting")
		s.Delete(key)
		return false
	}
	return true
}

// Set stores the msgpack encoding of value under key. The prefix (typically
// the symbol) supports targeted eviction during maintenance.
func (s *Store) Set(key, prefix string, value interface{}) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO price_cache (key, prefix, payload, created_at) VALUES (?, ?, ?, ?)`,
			key, prefix, payload, time.Now().Unix(),
		)
		return err
	})
}

// Delete removes a single entry.
func (s *Store) Delete(key string) {
	if _, err := s.db.Conn().Exec(`DELETE FROM price_cache WHERE key = ?`, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache delete failed")
	}
}

// EvictOlderThan removes entries created before the cutoff and returns the
// number removed. Run from the maintenance job.
func (s *Store) EvictOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Conn().Exec(`DELETE FROM price_cache WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("evicted", n).Time("cutoff", cutoff).Msg("Evicted stale cache entries")
	}
	return n, nil
}

// DBStats exposes the backing database statistics for monitoring.
func (s *Store) DBStats() (*database.Stats, error) {
	return s.db.GetStats()
}

// lruCache is the RAM level: a small bounded map in front of the disk store.
// One instance per loader function so sizes are tuned independently.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List
	entries map[string]*list.Element
}

type lruEntry struct {
	key   string
	value interface{}
}

func newLRUCache(maxSize int) *lruCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &lruCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(lruEntry).value, true
	}
	return nil, false
}

func (c *lruCache) put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value = lruEntry{key: key, value: value}
		return
	}
	c.entries[key] = c.order.PushFront(lruEntry{key: key, value: value})
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(lruEntry).key)
	}
}
