package docstore

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Store owns a single BadgerDB instance shared by every Collection opened
// against it. Collections never share a badger.Txn across each other's
// calls — each Collection operation is its own single-document
// round-trip, which is what keeps this package honest as a stand-in for a
// document store without cross-document transactions.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Options configures the underlying BadgerDB instance.
type Options struct {
	// DataDir is where data files are written. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower, more durable.
	SyncWrites bool
}

// Open opens a persistent Store rooted at dataDir.
func Open(dataDir string) (*Store, error) {
	return OpenWithOptions(Options{DataDir: dataDir})
}

// OpenInMemory opens a Store with no on-disk footprint, for tests and
// short-lived tooling.
func OpenInMemory() (*Store, error) {
	return OpenWithOptions(Options{InMemory: true})
}

// OpenWithOptions opens a Store with full control over the BadgerDB
// options that matter for this workload.
func OpenWithOptions(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// Quiet by default; the records core logs its own events at the
	// recordstore layer instead of surfacing Badger's internal logger.
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("docstore: opening badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying BadgerDB.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Collection returns a handle scoped to name. Two collections opened with
// different names over the same Store never see each other's documents —
// each gets its own key prefix.
func (s *Store) Collection(name string) *Collection {
	return &Collection{store: s, name: name}
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
