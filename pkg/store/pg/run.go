// Package pg implements the store interfaces against Postgres via
// pgx/v5, using conditional UPDATE...WHERE statements, checked by rows
// affected, for every partition-progress transition instead of row locks.
package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

// RunStore implements store.RunStore against the run_metadata table.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore builds a RunStore over pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

func (s *RunStore) CreateRun(ctx context.Context, run model.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_metadata
			(run_id, feed, run_type, expected_workers, watermark_before, watermark_after, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.RunID, run.Feed, string(run.RunType), run.ExpectedWorkers,
		watermarkJSON(run.WatermarkBefore), watermarkJSON(run.WatermarkAfter), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("pg: creating run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var run model.Run
	var runType string
	var watermarkBefore, watermarkAfter []byte
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, feed, run_type, expected_workers, watermark_before, watermark_after,
		       started_at, completed_at,
		       consolidation_started_at, consolidation_completed_at,
		       consolidation_processed, consolidation_errors, consolidation_total
		FROM run_metadata WHERE run_id = $1`, runID).Scan(
		&run.RunID, &run.Feed, &runType, &run.ExpectedWorkers, &watermarkBefore, &watermarkAfter,
		&run.StartedAt, &run.CompletedAt,
		&run.ConsolidationStartedAt, &run.ConsolidationCompletedAt,
		&run.ConsolidationProcessed, &run.ConsolidationErrors, &run.ConsolidationTotal,
	)
	if err == pgx.ErrNoRows {
		return model.Run{}, store.ErrNotFound
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("pg: getting run %s: %w", runID, err)
	}
	run.RunType = model.RunType(runType)
	if run.WatermarkBefore, err = unmarshalWatermark(watermarkBefore); err != nil {
		return model.Run{}, fmt.Errorf("pg: decoding watermark_before for run %s: %w", runID, err)
	}
	if run.WatermarkAfter, err = unmarshalWatermark(watermarkAfter); err != nil {
		return model.Run{}, fmt.Errorf("pg: decoding watermark_after for run %s: %w", runID, err)
	}
	return run, nil
}

func (s *RunStore) CompleteRun(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_metadata SET completed_at = now() WHERE run_id = $1 AND completed_at IS NULL`, runID)
	if err != nil {
		return fmt.Errorf("pg: completing run %s: %w", runID, err)
	}
	return nil
}

func (s *RunStore) RecordConsolidationStart(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_metadata SET consolidation_started_at = now() WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("pg: recording consolidation start for %s: %w", runID, err)
	}
	return nil
}

func (s *RunStore) RecordConsolidationResult(ctx context.Context, runID string, processed, errorsCount, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_metadata
		SET consolidation_completed_at = now(),
		    consolidation_processed = $2,
		    consolidation_errors = $3,
		    consolidation_total = $4
		WHERE run_id = $1`, runID, processed, errorsCount, total)
	if err != nil {
		return fmt.Errorf("pg: recording consolidation result for %s: %w", runID, err)
	}
	return nil
}

func watermarkJSON(wm *model.Watermark) []byte {
	if wm == nil {
		return nil
	}
	data, _ := json.Marshal(wm)
	return data
}

func unmarshalWatermark(data []byte) (*model.Watermark, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wm model.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, err
	}
	return &wm, nil
}
