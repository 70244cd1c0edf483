// Package store is the evidence store: one verdict per (module, signal kind)
// cell in SQLite, merged monotonically within an epoch.
package store

import (
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hazyhaar/plugmon/dbopen"
)

const lockStripes = 64

// Store is the evidence database handle.
type Store struct {
	DB *sql.DB

	cache *readCache
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL sets the read cache lifetime. 0 disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cache = newReadCache(ttl) }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the evidence database at path and applies Schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return New(db, opts...), nil
}

// New wraps an already opened database. The caller applies Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, cache: newReadCache(2 * time.Second), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) cellLock(module, kind string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(module))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	return &s.locks[h.Sum32()%lockStripes]
}

// DropCache forgets every cached fingerprint. Used when another process
// wrote to the database.
func (s *Store) DropCache() {
	s.cache.clear()
}
