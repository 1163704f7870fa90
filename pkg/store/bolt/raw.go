package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

func rawKey(feedTable, supplierStoneID string) []byte {
	return []byte(feedTable + "/" + supplierStoneID)
}

// BulkUpsertAndAdvance implements store.RawStore, reusing the same
// single-writer Bolt transaction for both the raw upserts and the
// partition cursor CAS so the two can never diverge, same as the
// Postgres implementation's single SQL transaction.
func (s *Store) BulkUpsertAndAdvance(ctx context.Context, feedTable, runID, partitionID string, expectedOffset, newOffset int64, records []model.RawRecord) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		ppBucket := tx.Bucket(bucketPartitionProgress)
		key := ppKey(runID, partitionID)
		data := ppBucket.Get(key)
		if data == nil {
			return fmt.Errorf("bolt: partition progress %s/%s not found", runID, partitionID)
		}
		var p model.PartitionProgress
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Completed || p.NextOffset != expectedOffset {
			return nil
		}

		rawBucket := tx.Bucket(bucketRaw)
		for _, r := range records {
			r.Consolidated = false
			r.RunID = runID
			out, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := rawBucket.Put(rawKey(feedTable, r.SupplierStoneID), out); err != nil {
				return err
			}
		}

		p.NextOffset = newOffset
		p.UpdatedAt = time.Now()
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		ok = true
		return ppBucket.Put(key, out)
	})
	return ok, err
}

// ListUnconsolidated implements store.RawReader.
func (s *Store) ListUnconsolidated(ctx context.Context, feedTable string, limit int) ([]model.RawRecord, error) {
	var out []model.RawRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRaw).Cursor()
		prefix := []byte(feedTable + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var r model.RawRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Consolidated {
				continue
			}
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// MarkConsolidated implements store.RawReader.
func (s *Store) MarkConsolidated(ctx context.Context, feedTable string, supplierStoneIDs []string, status string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRaw)
		for _, id := range supplierStoneIDs {
			key := rawKey(feedTable, id)
			data := b.Get(key)
			if data == nil {
				continue
			}
			var r model.RawRecord
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			r.Consolidated = true
			r.ConsolidationStatus = status
			out, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put(key, out); err != nil {
				return err
			}
		}
		return nil
	})
}
