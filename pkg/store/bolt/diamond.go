package bolt

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

func diamondKey(feed, supplierStoneID string) []byte {
	return []byte(feed + "/" + supplierStoneID)
}

// UpsertIfChanged implements store.DiamondStore, suppressing the write
// when an existing row already matches on source_updated_at, feed
// price, and status, mirroring the Postgres WHERE clause.
func (s *Store) UpsertIfChanged(ctx context.Context, d model.Diamond) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDiamonds)
		key := diamondKey(d.Feed, d.SupplierStoneID)
		existing := b.Get(key)
		if existing != nil {
			var prev model.Diamond
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			if sameTime(prev.SourceUpdatedAt, d.SourceUpdatedAt) && prev.FeedPrice == d.FeedPrice && prev.Status == d.Status {
				return nil
			}
		}
		d.UpdatedAt = time.Now()
		out, err := json.Marshal(d)
		if err != nil {
			return err
		}
		changed = true
		return b.Put(key, out)
	})
	return changed, err
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
