package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

// PartitionProgressStore implements store.PartitionProgressStore
// against the partition_progress table, using conditional
// UPDATE...WHERE, checked by rows affected, for every transition instead
// of row locks.
type PartitionProgressStore struct {
	pool *pgxpool.Pool
}

// NewPartitionProgressStore builds a PartitionProgressStore over pool.
func NewPartitionProgressStore(pool *pgxpool.Pool) *PartitionProgressStore {
	return &PartitionProgressStore{pool: pool}
}

func (s *PartitionProgressStore) Initialize(ctx context.Context, runID, partitionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO partition_progress (run_id, partition_id, next_offset, completed, failed, updated_at)
		VALUES ($1, $2, 0, false, false, now())
		ON CONFLICT (run_id, partition_id) DO NOTHING`, runID, partitionID)
	if err != nil {
		return fmt.Errorf("pg: initializing partition progress %s/%s: %w", runID, partitionID, err)
	}
	return nil
}

func (s *PartitionProgressStore) Get(ctx context.Context, runID, partitionID string) (model.PartitionProgress, error) {
	var p model.PartitionProgress
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, partition_id, next_offset, completed, failed, updated_at
		FROM partition_progress WHERE run_id = $1 AND partition_id = $2`, runID, partitionID).Scan(
		&p.RunID, &p.PartitionID, &p.NextOffset, &p.Completed, &p.Failed, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.PartitionProgress{}, store.ErrNotFound
	}
	if err != nil {
		return model.PartitionProgress{}, fmt.Errorf("pg: getting partition progress %s/%s: %w", runID, partitionID, err)
	}
	return p, nil
}

// Advance is the CAS at the heart of the worker's per-page state
// machine: it only succeeds when the row is still at expectedOffset and
// not yet completed, so concurrent/duplicate deliveries for the same
// partition serialize through this single conditional update.
func (s *PartitionProgressStore) Advance(ctx context.Context, runID, partitionID string, expectedOffset, newOffset int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE partition_progress
		SET next_offset = $4, updated_at = now()
		WHERE run_id = $1 AND partition_id = $2 AND next_offset = $3 AND NOT completed`,
		runID, partitionID, expectedOffset, newOffset)
	if err != nil {
		return false, fmt.Errorf("pg: advancing partition progress %s/%s: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PartitionProgressStore) Complete(ctx context.Context, runID, partitionID string, finalOffset int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE partition_progress
		SET completed = true, next_offset = $3, updated_at = now()
		WHERE run_id = $1 AND partition_id = $2 AND NOT completed`,
		runID, partitionID, finalOffset)
	if err != nil {
		return fmt.Errorf("pg: completing partition progress %s/%s: %w", runID, partitionID, err)
	}
	return nil
}

// MarkFailed is conditional on completed=false AND failed=false, so the
// returned bool is true only for the transition's first caller — used
// to avoid emitting a duplicate Work Done on redelivered failure.
func (s *PartitionProgressStore) MarkFailed(ctx context.Context, runID, partitionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE partition_progress
		SET failed = true, updated_at = now()
		WHERE run_id = $1 AND partition_id = $2 AND NOT completed AND NOT failed`,
		runID, partitionID)
	if err != nil {
		return false, fmt.Errorf("pg: marking partition progress %s/%s failed: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PartitionProgressStore) ResetForRetry(ctx context.Context, runID, partitionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE partition_progress SET failed = false, updated_at = now()
		WHERE run_id = $1 AND partition_id = $2`, runID, partitionID)
	if err != nil {
		return fmt.Errorf("pg: resetting partition progress %s/%s: %w", runID, partitionID, err)
	}
	return nil
}

func (s *PartitionProgressStore) Tally(ctx context.Context, runID string) (completed, failed, total int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE completed) AS completed,
			count(*) FILTER (WHERE failed) AS failed,
			count(*) AS total
		FROM partition_progress WHERE run_id = $1`, runID).Scan(&completed, &failed, &total)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("pg: tallying run %s: %w", runID, err)
	}
	return completed, failed, total, nil
}

func (s *PartitionProgressStore) LastUpdateAge(ctx context.Context, runID string) (bool, float64, error) {
	var secondsAgo *float64
	err := s.pool.QueryRow(ctx, `
		SELECT extract(epoch FROM now() - max(updated_at))
		FROM partition_progress WHERE run_id = $1`, runID).Scan(&secondsAgo)
	if err == pgx.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("pg: checking last update age for run %s: %w", runID, err)
	}
	if secondsAgo == nil {
		// max() over zero rows yields NULL: no partition progress yet.
		return false, 0, nil
	}
	return true, *secondsAgo, nil
}

func (s *PartitionProgressStore) ListIncomplete(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partition_id FROM partition_progress
		WHERE run_id = $1 AND NOT completed AND NOT failed`, runID)
	if err != nil {
		return nil, fmt.Errorf("pg: listing incomplete partitions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
