package bolt

import (
	"context"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

// Get implements store.WatermarkStore.
func (w *Watermarks) Get(ctx context.Context, feed string) (*model.Watermark, error) {
	var wm model.Watermark
	found := false
	err := w.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWatermarks).Get([]byte(feed))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wm)
	})
	if err != nil || !found {
		return nil, err
	}
	return &wm, nil
}

// Put implements store.WatermarkStore.
func (w *Watermarks) Put(ctx context.Context, feed string, wm model.Watermark) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(wm)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWatermarks).Put([]byte(feed), data)
	})
}
