// Package cache provides persistent caching for fetched source data and
// finished calculation results. Values are stored as msgpack blobs with
// expiration timestamps for cache-first behavior; the pipeline stays testable
// against an in-memory database.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// TTL constants for different data types.
// These are added to time.Now() when storing to calculate expires_at.
const (
	// Monthly statistics move once a month; a day of staleness is invisible.
	TTLSourceSeries = 24 * time.Hour
	// Finished datasets are recomputed by the refresh job.
	TTLDataset = 24 * time.Hour
	// Quotes move intraday but the analysis is monthly.
	TTLQuotes = 6 * time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS calc_cache (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calc_cache_expires ON calc_cache(expires_at);
`

// Store is a TTL cache backed by SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the cache store and ensures its schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Key builds a deterministic cache key from a namespace and its parameters.
// Parameters are hashed so arbitrary strings (URLs, date ranges) can never
// produce an unbounded or unsafe key.
func Key(namespace string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return namespace + ":" + hex.EncodeToString(h[:16])
}

// Set serializes value with msgpack and stores it with expiration now + ttl.
func (s *Store) Set(key string, value interface{}, ttl time.Duration) error {
	blob, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	expiresAt := time.Now().Add(ttl).Unix()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO calc_cache (key, data, expires_at) VALUES (?, ?, ?)",
		key, blob, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}
	return nil
}

// Get unmarshals a fresh entry into dest. Returns false if the key is absent
// or expired. Use GetStale to fall back to expired data when a source fails.
func (s *Store) Get(key string, dest interface{}) (bool, error) {
	return s.get(key, dest, true)
}

// GetStale unmarshals an entry regardless of expiration. Stale data is better
// than no data when the upstream source is down.
func (s *Store) GetStale(key string, dest interface{}) (bool, error) {
	return s.get(key, dest, false)
}

func (s *Store) get(key string, dest interface{}, freshOnly bool) (bool, error) {
	query := "SELECT data FROM calc_cache WHERE key = ?"
	args := []interface{}{key}
	if freshOnly {
		query += " AND expires_at > ?"
		args = append(args, time.Now().Unix())
	}

	var blob []byte
	err := s.db.QueryRow(query, args...).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(blob, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache entry %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a specific entry.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM calc_cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes all rows where expires_at < now.
// Returns the number of rows deleted.
func (s *Store) DeleteExpired() (int64, error) {
	result, err := s.db.Exec("DELETE FROM calc_cache WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
