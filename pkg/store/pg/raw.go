package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

// RawStore implements store.RawStore. BulkUpsertAndAdvance upserts a
// page of records into a feed's raw table and advances the partition
// cursor in one transaction, so raw rows and the cursor can never
// diverge — the invariant that makes crash-safe continuation possible.
type RawStore struct {
	pool *pgxpool.Pool
}

// NewRawStore builds a RawStore over pool.
func NewRawStore(pool *pgxpool.Pool) *RawStore {
	return &RawStore{pool: pool}
}

func (s *RawStore) BulkUpsertAndAdvance(ctx context.Context, feedTable, runID, partitionID string, expectedOffset, newOffset int64, records []model.RawRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("pg: beginning bulk upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s (feed, supplier_stone_id, offer_id, payload, source_updated_at, consolidated, run_id)
		VALUES ($1, $2, $3, $4, $5, false, $6)
		ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
			offer_id = EXCLUDED.offer_id,
			payload = EXCLUDED.payload,
			source_updated_at = EXCLUDED.source_updated_at,
			consolidated = false,
			run_id = EXCLUDED.run_id`, feedTable)

	for _, r := range records {
		if _, err := tx.Exec(ctx, upsertSQL, r.Feed, r.SupplierStoneID, r.OfferID, r.Payload, r.SourceUpdatedAt, runID); err != nil {
			return false, fmt.Errorf("pg: upserting raw record %s: %w", r.SupplierStoneID, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE partition_progress
		SET next_offset = $4, updated_at = now()
		WHERE run_id = $1 AND partition_id = $2 AND next_offset = $3 AND NOT completed`,
		runID, partitionID, expectedOffset, newOffset)
	if err != nil {
		return false, fmt.Errorf("pg: advancing cursor in bulk upsert tx: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("pg: committing bulk upsert tx: %w", err)
	}
	return true, nil
}

// ListUnconsolidated implements store.RawReader.
func (s *RawStore) ListUnconsolidated(ctx context.Context, feedTable string, limit int) ([]model.RawRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT feed, supplier_stone_id, offer_id, payload, source_updated_at, consolidated, consolidation_status, run_id
		FROM %s WHERE NOT consolidated ORDER BY supplier_stone_id LIMIT $1`, feedTable), limit)
	if err != nil {
		return nil, fmt.Errorf("pg: listing unconsolidated rows from %s: %w", feedTable, err)
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var r model.RawRecord
		if err := rows.Scan(&r.Feed, &r.SupplierStoneID, &r.OfferID, &r.Payload, &r.SourceUpdatedAt, &r.Consolidated, &r.ConsolidationStatus, &r.RunID); err != nil {
			return nil, fmt.Errorf("pg: scanning raw row from %s: %w", feedTable, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg: iterating raw rows from %s: %w", feedTable, err)
	}
	return out, nil
}

// MarkConsolidated implements store.RawReader.
func (s *RawStore) MarkConsolidated(ctx context.Context, feedTable string, supplierStoneIDs []string, status string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET consolidated = true, consolidation_status = $2
		WHERE supplier_stone_id = ANY($1)`, feedTable), supplierStoneIDs, status)
	if err != nil {
		return fmt.Errorf("pg: marking rows consolidated in %s: %w", feedTable, err)
	}
	return nil
}
