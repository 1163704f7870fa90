// Package consolidator implements the consolidate-message handler
// described as a supplemented feature in SPEC_FULL.md: §4.11 specifies
// the raw-to-diamond contract as "contracts only, not core," but the
// pipeline needs something consuming CONSOLIDATE messages, applying the
// no-op-suppression upsert, and advancing the watermark for the whole
// system to be demonstrable end to end.
package consolidator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nivoda/diamond-ingest/pkg/events"
	"github.com/nivoda/diamond-ingest/pkg/log"
	"github.com/nivoda/diamond-ingest/pkg/metrics"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/notify"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

// Normalizer turns one opaque raw record into a Diamond. Pricing/rating
// rule application is out of scope per §1; callers supply whatever
// normalization their feed needs.
type Normalizer func(raw model.RawRecord) (model.Diamond, error)

// batchSize bounds how many unconsolidated rows one pass processes, so
// a very large backlog doesn't hold one transaction open indefinitely.
const batchSize = 500

// Consolidator handles Consolidate messages for one feed.
type Consolidator struct {
	Feed       string
	RawTable   string
	Runs       store.RunStore
	Watermarks store.WatermarkStore
	Raw        store.RawReader
	Diamonds   store.DiamondStore
	Normalize  Normalizer
	Notify     notify.Sink
}

// Handle processes one Consolidate message, idempotently per run_id: a
// run whose consolidation already completed is a no-op, per §9's open
// question on force/retry interaction (a fresh retry's non-forced
// consolidate dedupes the same way a redelivered forced one does).
func (c *Consolidator) Handle(ctx context.Context, msg model.Consolidate) error {
	run, err := c.Runs.GetRun(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("consolidator: loading run %s: %w", msg.RunID, err)
	}
	if run.ConsolidationCompletedAt != nil {
		log.WithTrace(msg.TraceID).Info().Str("run_id", msg.RunID).Msg("consolidation already completed, skipping")
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ConsolidationDuration, c.Feed)

	if err := c.Runs.RecordConsolidationStart(ctx, msg.RunID); err != nil {
		return fmt.Errorf("consolidator: recording consolidation start for %s: %w", msg.RunID, err)
	}

	rows, err := c.Raw.ListUnconsolidated(ctx, c.RawTable, batchSize)
	if err != nil {
		return fmt.Errorf("consolidator: listing unconsolidated rows: %w", err)
	}

	var (
		processed int
		errored   int
		ids       []string
	)
	for _, row := range rows {
		diamond, err := c.Normalize(row)
		if err != nil {
			errored++
			log.WithTrace(msg.TraceID).Warn().Err(err).Str("supplier_stone_id", row.SupplierStoneID).Msg("normalization failed")
			continue
		}

		changed, err := c.Diamonds.UpsertIfChanged(ctx, diamond)
		if err != nil {
			errored++
			log.WithTrace(msg.TraceID).Warn().Err(err).Str("supplier_stone_id", row.SupplierStoneID).Msg("upsert failed")
			continue
		}
		if !changed {
			metrics.ConsolidationNoopSuppressedTotal.WithLabelValues(c.Feed).Inc()
		}

		ids = append(ids, row.SupplierStoneID)
		processed++
	}

	if len(ids) > 0 {
		if err := c.Raw.MarkConsolidated(ctx, c.RawTable, ids, "consolidated"); err != nil {
			return fmt.Errorf("consolidator: marking rows consolidated: %w", err)
		}
	}

	if err := c.Runs.RecordConsolidationResult(ctx, msg.RunID, processed, errored, len(rows)); err != nil {
		return fmt.Errorf("consolidator: recording consolidation result for %s: %w", msg.RunID, err)
	}
	if err := c.Runs.CompleteRun(ctx, msg.RunID); err != nil {
		return fmt.Errorf("consolidator: completing run %s: %w", msg.RunID, err)
	}

	if run.WatermarkAfter != nil {
		if err := c.Watermarks.Put(ctx, c.Feed, *run.WatermarkAfter); err != nil {
			return fmt.Errorf("consolidator: advancing watermark for %s: %w", c.Feed, err)
		}
	}

	c.Notify.Notify(ctx, notify.Event{
		Type: events.EventConsolidationDone, RunID: msg.RunID, TraceID: msg.TraceID, Feed: c.Feed,
		Completed: processed, Failed: errored, Expected: len(rows),
		Reason: fmt.Sprintf("consolidation complete: %d processed, %d errors", processed, errored),
	})

	return nil
}

// DecodeMessage is a small helper bus consumers use to turn a raw
// payload into a model.Consolidate before calling Handle.
func DecodeMessage(payload []byte) (model.Consolidate, error) {
	var msg model.Consolidate
	if err := json.Unmarshal(payload, &msg); err != nil {
		return model.Consolidate{}, fmt.Errorf("consolidator: decoding message: %w", err)
	}
	return msg, nil
}
