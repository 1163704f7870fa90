// Package store defines the persistence contracts the ingestion core
// depends on: Run, PartitionProgress, WorkerRun, Watermark, and Raw
// record storage. Postgres-backed implementations live in
// pkg/store/pg; a BoltDB-backed implementation for local dev/test lives
// in pkg/store/bolt.
package store

import (
	"context"
	"errors"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = errors.New("store: not found")

// RunStore persists Run rows.
type RunStore interface {
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, runID string) (model.Run, error)
	CompleteRun(ctx context.Context, runID string) error
	RecordConsolidationStart(ctx context.Context, runID string) error
	RecordConsolidationResult(ctx context.Context, runID string, processed, errorsCount, total int) error
}

// PartitionProgressStore persists the per-(run, partition) cursor and
// terminal flags, under optimistic concurrency (CAS), never row locks.
type PartitionProgressStore interface {
	// Initialize is an idempotent insert with next_offset=0,
	// completed=false, failed=false. It is a no-op if the row already
	// exists.
	Initialize(ctx context.Context, runID, partitionID string) error
	Get(ctx context.Context, runID, partitionID string) (model.PartitionProgress, error)
	// Advance performs `next_offset = newOffset WHERE next_offset =
	// expectedOffset AND NOT completed`, returning whether the CAS
	// succeeded. newOffset must never move the cursor backwards.
	Advance(ctx context.Context, runID, partitionID string, expectedOffset, newOffset int64) (bool, error)
	// Complete is idempotent if already completed at the same offset.
	Complete(ctx context.Context, runID, partitionID string, finalOffset int64) error
	// MarkFailed is conditional on completed=false AND failed=false; the
	// returned bool reports whether this call made the first failure,
	// so callers can avoid double-counting Work Done emission.
	MarkFailed(ctx context.Context, runID, partitionID string) (bool, error)
	// ResetForRetry clears failed, preserving next_offset.
	ResetForRetry(ctx context.Context, runID, partitionID string) error
	// Tally aggregates (completed, failed, total rows) for a run,
	// computed at read time — never from a maintained counter.
	Tally(ctx context.Context, runID string) (completed, failed, total int, err error)
	// LastUpdateAge returns how long it has been since any partition
	// progress row for runID changed, for stall detection.
	LastUpdateAge(ctx context.Context, runID string) (found bool, secondsAgo float64, err error)
	// ListIncomplete returns partition IDs that are neither completed
	// nor failed, for cancel() to sweep.
	ListIncomplete(ctx context.Context, runID string) ([]string, error)
}

// WorkerRunStore persists per-(run, partition) worker attempt bookkeeping.
type WorkerRunStore interface {
	UpsertRunning(ctx context.Context, wr model.WorkerRun) error
	MarkCompleted(ctx context.Context, runID, partitionID string, recordsProcessed int64) error
	MarkFailed(ctx context.Context, runID, partitionID string, errMsg string) error
	MarkAllRunningFailed(ctx context.Context, runID string, reason string) error
}

// WatermarkStore persists the per-feed high-water mark blob.
type WatermarkStore interface {
	// Get returns (nil, nil) when no watermark exists yet — a
	// well-defined "no prior run" state, not an error.
	Get(ctx context.Context, feed string) (*model.Watermark, error)
	Put(ctx context.Context, feed string, wm model.Watermark) error
}

// RawStore persists opaque feed records and bulk-upserts pages.
type RawStore interface {
	// BulkUpsertAndAdvance upserts items into the feed's raw table and
	// advances the partition's cursor in the same transaction, so the
	// raw rows and the cursor can never diverge.
	BulkUpsertAndAdvance(ctx context.Context, feedTable, runID, partitionID string, expectedOffset, newOffset int64, records []model.RawRecord) (bool, error)
}

// RawReader is the read side of a feed's raw table the consolidator
// needs: find rows not yet folded into diamonds, and flip them once
// they are.
type RawReader interface {
	// ListUnconsolidated returns up to limit rows from feedTable with
	// consolidated=false.
	ListUnconsolidated(ctx context.Context, feedTable string, limit int) ([]model.RawRecord, error)
	// MarkConsolidated flips consolidated=true and sets
	// consolidation_status for the given supplier_stone_ids.
	MarkConsolidated(ctx context.Context, feedTable string, supplierStoneIDs []string, status string) error
}

// DiamondStore persists normalized diamonds, keyed (feed,
// supplier_stone_id), suppressing no-op updates per §4.11.
type DiamondStore interface {
	// UpsertIfChanged inserts or updates d, returning changed=false when
	// an existing row already matches on source_updated_at, feed_price,
	// and status — the WHERE clause that suppresses no-op updates.
	UpsertIfChanged(ctx context.Context, d model.Diamond) (changed bool, err error)
}
