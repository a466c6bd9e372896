// Package store provides the boltDB-backed key-value store shared by the
// sortition store and the chainstate package, grounded on
// beacon-chain/db/kv/kv.go's use of boltDB plus a ristretto read cache and a
// prometheus collector registered for operational visibility (Prometheus
// itself stays an external collaborator per spec §1 — this package only
// exposes the counters, it never starts an HTTP server for them).
package store

import (
	"path"
	"time"

	"github.com/boltdb/bolt"
	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombolt "github.com/prysmaticlabs/prombbolt"

	"github.com/blockstack/stacks-blockchain/shared/fileutil"
)

// ReadCacheSize bounds the cost of the per-store ristretto read cache,
// sized for roughly 1000 cached snapshots/blocks.
const ReadCacheSize = int64(1 << 21)

// Store is a single boltDB file with a read-through cache and its buckets
// pre-created. sortition.db, the chainstate db, and peer_db each open one.
type Store struct {
	db           *bolt.DB
	databasePath string
	readCache    *ristretto.Cache
}

// Open creates (or reopens) a boltDB file at dirPath/fileName, creating the
// named buckets if they do not already exist.
func Open(dirPath, fileName string, buckets ...[]byte) (*Store, error) {
	if err := fileutil.MkdirAll(dirPath); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, fileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     ReadCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	s := &Store{db: boltDB, databasePath: datafile, readCache: cache}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := prometheus.Register(prombolt.New(fileName, s.db)); err != nil {
		// Re-registration under tests is expected; only surface unexpected errors.
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}
	return s, nil
}

// Bolt exposes the underlying DB so package-specific accessors (sortition,
// chainstate) can run their own bucket-scoped transactions.
func (s *Store) Bolt() *bolt.DB { return s.db }

// Cache exposes the read-through cache for hot lookups (ancestor snapshot
// walks, staging-block reads).
func (s *Store) Cache() *ristretto.Cache { return s.readCache }

// Close closes the underlying boltDB handle.
func (s *Store) Close() error {
	prometheus.Unregister(prombolt.New(s.databasePath, s.db))
	return s.db.Close()
}

// Path returns the on-disk file path this store writes to.
func (s *Store) Path() string { return s.databasePath }
