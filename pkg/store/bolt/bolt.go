// Package bolt is a BoltDB-backed implementation of the store
// interfaces, used for local development and tests in place of
// Postgres. Each entity is a JSON blob keyed within its own bucket,
// following the same encoding approach as the Postgres tables'
// conditional-update semantics, reimplemented here as read-modify-write
// inside a single Bolt transaction (Bolt's own transaction serializes
// writers, so this is still safe under concurrent callers).
package bolt

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

var (
	bucketRuns              = []byte("runs")
	bucketPartitionProgress = []byte("partition_progress")
	bucketWorkerRuns        = []byte("worker_runs")
	bucketWatermarks        = []byte("watermarks")
	bucketRaw               = []byte("raw")
	bucketDiamonds          = []byte("diamonds")
)

// Store implements RunStore, PartitionProgressStore, WorkerRunStore,
// RawStore, RawReader, and DiamondStore against a single BoltDB file;
// WatermarkStore is implemented by the separate Watermarks view.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a BoltDB file at path with all
// required buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketPartitionProgress, bucketWorkerRuns, bucketWatermarks, bucketRaw, bucketDiamonds} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Watermarks returns a store.WatermarkStore view over the same
// database. It is a separate type because Go cannot overload Store's
// own Get/Put methods (already used by the partition-progress and raw
// views) with the single-argument Get/Put the watermark contract needs.
func (s *Store) Watermarks() *Watermarks {
	return &Watermarks{db: s.db}
}

// Watermarks implements store.WatermarkStore against the watermarks bucket.
type Watermarks struct {
	db *bolt.DB
}

func ppKey(runID, partitionID string) []byte {
	return []byte(runID + "/" + partitionID)
}
