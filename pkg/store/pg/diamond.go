package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

// DiamondStore implements store.DiamondStore against the diamonds
// table, suppressing no-op updates per §4.11 via a WHERE clause that
// only lets the UPDATE through when something observable changed.
type DiamondStore struct {
	pool *pgxpool.Pool
}

// NewDiamondStore builds a DiamondStore over pool.
func NewDiamondStore(pool *pgxpool.Pool) *DiamondStore {
	return &DiamondStore{pool: pool}
}

func (s *DiamondStore) UpsertIfChanged(ctx context.Context, d model.Diamond) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO diamonds (feed, supplier_stone_id, offer_id, payload, source_updated_at, feed_price, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
			offer_id = EXCLUDED.offer_id,
			payload = EXCLUDED.payload,
			source_updated_at = EXCLUDED.source_updated_at,
			feed_price = EXCLUDED.feed_price,
			status = EXCLUDED.status,
			updated_at = now()
		WHERE diamonds.source_updated_at IS DISTINCT FROM EXCLUDED.source_updated_at
		   OR diamonds.feed_price IS DISTINCT FROM EXCLUDED.feed_price
		   OR diamonds.status IS DISTINCT FROM EXCLUDED.status`,
		d.Feed, d.SupplierStoneID, d.OfferID, d.Payload, d.SourceUpdatedAt, d.FeedPrice, d.Status)
	if err != nil {
		return false, fmt.Errorf("pg: upserting diamond %s/%s: %w", d.Feed, d.SupplierStoneID, err)
	}
	return tag.RowsAffected() == 1, nil
}
