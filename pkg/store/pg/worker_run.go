package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

const errorMessageCap = 1000

// WorkerRunStore implements store.WorkerRunStore against the
// worker_runs table.
type WorkerRunStore struct {
	pool *pgxpool.Pool
}

// NewWorkerRunStore builds a WorkerRunStore over pool.
func NewWorkerRunStore(pool *pgxpool.Pool) *WorkerRunStore {
	return &WorkerRunStore{pool: pool}
}

func (s *WorkerRunStore) UpsertRunning(ctx context.Context, wr model.WorkerRun) error {
	payload, err := json.Marshal(wr.WorkItemPayload)
	if err != nil {
		return fmt.Errorf("pg: marshaling work item payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO worker_runs
			(run_id, partition_id, worker_id, status, records_processed, work_item_payload, started_at)
		VALUES ($1, $2, $3, 'running', $4, $5, now())
		ON CONFLICT (run_id, partition_id) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			status = 'running',
			records_processed = EXCLUDED.records_processed,
			work_item_payload = EXCLUDED.work_item_payload,
			started_at = now(),
			completed_at = NULL,
			error_message = NULL`,
		wr.RunID, wr.PartitionID, wr.WorkerID, wr.RecordsProcessed, payload)
	if err != nil {
		return fmt.Errorf("pg: upserting worker run %s/%s: %w", wr.RunID, wr.PartitionID, err)
	}
	return nil
}

func (s *WorkerRunStore) MarkCompleted(ctx context.Context, runID, partitionID string, recordsProcessed int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE worker_runs
		SET status = 'completed', records_processed = $3, completed_at = now()
		WHERE run_id = $1 AND partition_id = $2`, runID, partitionID, recordsProcessed)
	if err != nil {
		return fmt.Errorf("pg: completing worker run %s/%s: %w", runID, partitionID, err)
	}
	return nil
}

func (s *WorkerRunStore) MarkFailed(ctx context.Context, runID, partitionID string, errMsg string) error {
	if len(errMsg) > errorMessageCap {
		errMsg = errMsg[:errorMessageCap]
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE worker_runs
		SET status = 'failed', error_message = $3, completed_at = now()
		WHERE run_id = $1 AND partition_id = $2`, runID, partitionID, errMsg)
	if err != nil {
		return fmt.Errorf("pg: failing worker run %s/%s: %w", runID, partitionID, err)
	}
	return nil
}

func (s *WorkerRunStore) MarkAllRunningFailed(ctx context.Context, runID string, reason string) error {
	if len(reason) > errorMessageCap {
		reason = reason[:errorMessageCap]
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE worker_runs
		SET status = 'failed', error_message = $2, completed_at = now()
		WHERE run_id = $1 AND status = 'running'`, runID, reason)
	if err != nil {
		return fmt.Errorf("pg: failing running worker runs for run %s: %w", runID, err)
	}
	return nil
}
