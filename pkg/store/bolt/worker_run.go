package bolt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

const errorMessageCap = 1000

func (s *Store) UpsertRunning(ctx context.Context, wr model.WorkerRun) error {
	wr.Status = model.WorkerStatusRunning
	wr.StartedAt = time.Now()
	wr.CompletedAt = nil
	wr.ErrorMessage = ""
	return s.putWorkerRun(wr)
}

func (s *Store) MarkCompleted(ctx context.Context, runID, partitionID string, recordsProcessed int64) error {
	return s.mutateWorkerRun(runID, partitionID, func(wr *model.WorkerRun) {
		now := time.Now()
		wr.Status = model.WorkerStatusCompleted
		wr.RecordsProcessed = recordsProcessed
		wr.CompletedAt = &now
	})
}

func (s *Store) MarkFailed(ctx context.Context, runID, partitionID string, errMsg string) error {
	if len(errMsg) > errorMessageCap {
		errMsg = errMsg[:errorMessageCap]
	}
	return s.mutateWorkerRun(runID, partitionID, func(wr *model.WorkerRun) {
		now := time.Now()
		wr.Status = model.WorkerStatusFailed
		wr.ErrorMessage = errMsg
		wr.CompletedAt = &now
	})
}

func (s *Store) MarkAllRunningFailed(ctx context.Context, runID string, reason string) error {
	if len(reason) > errorMessageCap {
		reason = reason[:errorMessageCap]
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkerRuns)
		c := b.Cursor()
		prefix := []byte(runID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var wr model.WorkerRun
			if err := json.Unmarshal(v, &wr); err != nil {
				return err
			}
			if wr.Status != model.WorkerStatusRunning {
				continue
			}
			now := time.Now()
			wr.Status = model.WorkerStatusFailed
			wr.ErrorMessage = reason
			wr.CompletedAt = &now
			out, err := json.Marshal(wr)
			if err != nil {
				return err
			}
			if err := b.Put(k, out); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) putWorkerRun(wr model.WorkerRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(wr)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkerRuns).Put(ppKey(wr.RunID, wr.PartitionID), data)
	})
}

func (s *Store) mutateWorkerRun(runID, partitionID string, mutate func(wr *model.WorkerRun)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkerRuns)
		key := ppKey(runID, partitionID)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		var wr model.WorkerRun
		if err := json.Unmarshal(data, &wr); err != nil {
			return err
		}
		mutate(&wr)
		out, err := json.Marshal(wr)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}
