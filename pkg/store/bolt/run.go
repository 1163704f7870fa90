package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put([]byte(run.RunID), data)
	})
}

func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var run model.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func (s *Store) CompleteRun(ctx context.Context, runID string) error {
	return s.mutateRun(runID, func(run *model.Run) {
		if run.CompletedAt == nil {
			now := time.Now()
			run.CompletedAt = &now
		}
	})
}

func (s *Store) RecordConsolidationStart(ctx context.Context, runID string) error {
	return s.mutateRun(runID, func(run *model.Run) {
		now := time.Now()
		run.ConsolidationStartedAt = &now
	})
}

func (s *Store) RecordConsolidationResult(ctx context.Context, runID string, processed, errorsCount, total int) error {
	return s.mutateRun(runID, func(run *model.Run) {
		now := time.Now()
		run.ConsolidationCompletedAt = &now
		run.ConsolidationProcessed = processed
		run.ConsolidationErrors = errorsCount
		run.ConsolidationTotal = total
	})
}

func (s *Store) mutateRun(runID string, mutate func(run *model.Run)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("bolt: run %s: %w", runID, store.ErrNotFound)
		}
		var run model.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		mutate(&run)
		out, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(runID), out)
	})
}
