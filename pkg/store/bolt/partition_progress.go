package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

func (s *Store) Initialize(ctx context.Context, runID, partitionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionProgress)
		key := ppKey(runID, partitionID)
		if b.Get(key) != nil {
			return nil
		}
		p := model.PartitionProgress{RunID: runID, PartitionID: partitionID, UpdatedAt: time.Now()}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) Get(ctx context.Context, runID, partitionID string) (model.PartitionProgress, error) {
	var p model.PartitionProgress
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPartitionProgress).Get(ppKey(runID, partitionID))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

func (s *Store) Advance(ctx context.Context, runID, partitionID string, expectedOffset, newOffset int64) (bool, error) {
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionProgress)
		key := ppKey(runID, partitionID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("bolt: partition progress %s/%s: %w", runID, partitionID, store.ErrNotFound)
		}
		var p model.PartitionProgress
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Completed || p.NextOffset != expectedOffset {
			return nil
		}
		p.NextOffset = newOffset
		p.UpdatedAt = time.Now()
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		ok = true
		return b.Put(key, out)
	})
	return ok, err
}

func (s *Store) Complete(ctx context.Context, runID, partitionID string, finalOffset int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionProgress)
		key := ppKey(runID, partitionID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("bolt: partition progress %s/%s: %w", runID, partitionID, store.ErrNotFound)
		}
		var p model.PartitionProgress
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Completed {
			return nil
		}
		p.Completed = true
		p.NextOffset = finalOffset
		p.UpdatedAt = time.Now()
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *Store) MarkFailed(ctx context.Context, runID, partitionID string) (bool, error) {
	first := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionProgress)
		key := ppKey(runID, partitionID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("bolt: partition progress %s/%s: %w", runID, partitionID, store.ErrNotFound)
		}
		var p model.PartitionProgress
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Completed || p.Failed {
			return nil
		}
		p.Failed = true
		p.UpdatedAt = time.Now()
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		first = true
		return b.Put(key, out)
	})
	return first, err
}

func (s *Store) ResetForRetry(ctx context.Context, runID, partitionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionProgress)
		key := ppKey(runID, partitionID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("bolt: partition progress %s/%s: %w", runID, partitionID, store.ErrNotFound)
		}
		var p model.PartitionProgress
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.Failed = false
		p.UpdatedAt = time.Now()
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *Store) Tally(ctx context.Context, runID string) (completed, failed, total int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPartitionProgress).Cursor()
		prefix := []byte(runID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var p model.PartitionProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			total++
			if p.Completed {
				completed++
			}
			if p.Failed {
				failed++
			}
		}
		return nil
	})
	return completed, failed, total, err
}

func (s *Store) LastUpdateAge(ctx context.Context, runID string) (bool, float64, error) {
	var latest time.Time
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPartitionProgress).Cursor()
		prefix := []byte(runID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var p model.PartitionProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			found = true
			if p.UpdatedAt.After(latest) {
				latest = p.UpdatedAt
			}
		}
		return nil
	})
	if err != nil || !found {
		return found, 0, err
	}
	return true, time.Since(latest).Seconds(), nil
}

func (s *Store) ListIncomplete(ctx context.Context, runID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPartitionProgress).Cursor()
		prefix := []byte(runID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var p model.PartitionProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if !p.Completed && !p.Failed {
				ids = append(ids, p.PartitionID)
			}
		}
		return nil
	})
	return ids, err
}
