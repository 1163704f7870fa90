// Package worker implements the per-page work-item state machine
// (§4.6): a long-lived consumer that processes exactly one page per
// message, then commits or self-enqueues the continuation. Ordering
// guarantees and idempotency under at-least-once delivery are enforced
// entirely through the partition-progress CAS (§4.7); the worker itself
// holds no authoritative state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nivoda/diamond-ingest/pkg/bus"
	"github.com/nivoda/diamond-ingest/pkg/coordinator"
	"github.com/nivoda/diamond-ingest/pkg/feed"
	"github.com/nivoda/diamond-ingest/pkg/log"
	"github.com/nivoda/diamond-ingest/pkg/metrics"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/ratelimiter"
	"github.com/nivoda/diamond-ingest/pkg/resilience"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

// pollBackoff is how long a worker sleeps after Receive returns nothing.
const pollBackoff = 500 * time.Millisecond

// Worker processes work_items messages for one feed adapter.
type Worker struct {
	ID          string
	Adapter     feed.Adapter
	Limiter     *ratelimiter.Limiter
	Bus         bus.Gateway
	Runs        store.RunStore
	Progress    store.PartitionProgressStore
	WorkerRuns  store.WorkerRunStore
	Raw         store.RawStore
	Coordinator *coordinator.Coordinator
}

// Run polls work_items until ctx is canceled, processing one message at
// a time. On SIGTERM/SIGINT (a canceled ctx) it finishes the in-flight
// page before returning, per §5 cancellation guarantees.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent("worker").With().Str("worker_id", w.ID).Logger()
	logger.Info().Str("feed", w.Adapter.FeedID()).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker stopping")
			return nil
		default:
		}

		msg, err := w.Bus.Receive(ctx, bus.TopicWorkItems)
		if err != nil {
			logger.Error().Err(err).Msg("receive failed")
			select {
			case <-time.After(pollBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if msg == nil {
			select {
			case <-time.After(pollBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if err := w.handle(ctx, msg); err != nil {
			logger.Error().Err(err).Msg("handling work item failed")
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *bus.Message) error {
	var item model.WorkItem
	if err := json.Unmarshal(msg.Value, &item); err != nil {
		// A malformed payload can never succeed; ack it so it doesn't
		// redeliver forever.
		return errors.Join(fmt.Errorf("worker: unmarshaling work item: %w", err), msg.Complete(ctx))
	}

	logger := log.WithTrace(item.TraceID).With().
		Str("run_id", item.RunID).Str("partition_id", item.PartitionID).Int64("offset", item.Offset).Logger()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkerPageLatency, item.Feed)

	skip, reason, err := w.guard(ctx, item)
	if err != nil {
		return fmt.Errorf("worker: idempotency guard for %s/%s: %w", item.RunID, item.PartitionID, err)
	}
	if skip {
		logger.Info().Str("reason", reason).Msg("skipping work item")
		metrics.IdempotencySkipsTotal.WithLabelValues(item.Feed, reason).Inc()
		return msg.Complete(ctx)
	}

	if item.OffsetEnd != nil && item.Offset >= *item.OffsetEnd {
		if err := w.Progress.Complete(ctx, item.RunID, item.PartitionID, item.Offset); err != nil {
			return fmt.Errorf("worker: finalizing bounded partition %s/%s: %w", item.RunID, item.PartitionID, err)
		}
		return msg.Complete(ctx)
	}

	if err := w.WorkerRuns.UpsertRunning(ctx, model.WorkerRun{
		RunID: item.RunID, PartitionID: item.PartitionID, WorkerID: w.ID,
		RecordsProcessed: item.Offset, WorkItemPayload: item,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to record worker run as running")
	}

	newOffset, hasMore, racedAway, err := w.processPage(ctx, item)
	if err != nil {
		return w.fail(ctx, msg, item, err)
	}
	if racedAway {
		logger.Info().Msg("next_offset CAS lost to a concurrent delivery, acking without finalizing")
		metrics.IdempotencySkipsTotal.WithLabelValues(item.Feed, "cas-lost").Inc()
		return msg.Complete(ctx)
	}

	if hasMore {
		next := item
		next.Offset = newOffset
		payload, merr := json.Marshal(next)
		if merr != nil {
			return w.fail(ctx, msg, item, fmt.Errorf("marshaling continuation: %w", merr))
		}
		if serr := w.Bus.Send(ctx, bus.TopicWorkItems, item.PartitionID, payload); serr != nil {
			// Abandon without completing: the updated next_offset makes
			// the eventual redelivery of this same message the
			// idempotent skip, and a retry will self-enqueue again.
			logger.Error().Err(serr).Msg("self-enqueue failed, abandoning message for redelivery")
			return msg.Abandon(ctx)
		}
		return msg.Complete(ctx)
	}

	if err := w.finalizeSuccess(ctx, item, newOffset); err != nil {
		return fmt.Errorf("worker: finalizing partition %s/%s: %w", item.RunID, item.PartitionID, err)
	}
	return msg.Complete(ctx)
}

// guard implements §4.6 step 1-2: lazily create the partition progress
// row, then ack-without-processing on either a completed partition or a
// stale/duplicate offset.
func (w *Worker) guard(ctx context.Context, item model.WorkItem) (skip bool, reason string, err error) {
	if err := w.Progress.Initialize(ctx, item.RunID, item.PartitionID); err != nil {
		return false, "", fmt.Errorf("initializing partition progress: %w", err)
	}
	p, err := w.Progress.Get(ctx, item.RunID, item.PartitionID)
	if err != nil {
		return false, "", fmt.Errorf("reading partition progress: %w", err)
	}
	if p.Completed {
		return true, "completed", nil
	}
	if p.Failed {
		return true, "failed", nil
	}
	if item.Offset != p.NextOffset {
		return true, "stale-offset", nil
	}
	return false, "", nil
}

// processPage implements §4.6 steps 4-7: fetch one page, bulk-upsert it
// transactionally with the cursor advance, and determine has_more.
// racedAway reports that the next_offset CAS lost to a concurrent
// delivery of the same partition that already advanced the cursor
// further than this call knows about; the caller must not finalize or
// otherwise treat this delivery as the one that determined the
// partition's outcome — see §5's single-writer-per-partition guarantee.
func (w *Worker) processPage(ctx context.Context, item model.WorkItem) (newOffset int64, hasMore bool, racedAway bool, err error) {
	base := w.Adapter.BuildBaseQuery(timeOrZero(item.UpdatedFrom), timeOrZero(item.UpdatedTo))
	pr, ok := base.(feed.PriceRange)
	if !ok {
		return 0, false, false, fmt.Errorf("adapter %s's query does not support price-range narrowing", w.Adapter.FeedID())
	}
	query := pr.WithPriceRange(item.MinPrice, item.MaxPrice)

	var result feed.SearchResult
	err = resilience.WithRetry(ctx, resilience.DefaultRetryConfig, func(ctx context.Context) error {
		if err := w.Limiter.Acquire(ctx); err != nil {
			return err
		}
		r, err := w.Adapter.Search(ctx, query, int(item.Offset), item.Limit, feed.CreatedAtAsc)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return 0, false, false, fmt.Errorf("searching page at offset %d: %w", item.Offset, err)
	}

	if len(result.Items) == 0 {
		return item.Offset, false, false, nil
	}

	records := make([]model.RawRecord, 0, len(result.Items))
	for _, raw := range result.Items {
		id, err := w.Adapter.ExtractIdentity(raw)
		if err != nil {
			return 0, false, false, fmt.Errorf("extracting identity: %w", err)
		}
		records = append(records, model.RawRecord{
			Feed:            item.Feed,
			SupplierStoneID: id.SupplierStoneID,
			OfferID:         id.OfferID,
			Payload:         id.Payload,
			SourceUpdatedAt: id.SourceUpdatedAt,
			RunID:           item.RunID,
		})
	}

	newOffset = item.Offset + int64(len(result.Items))
	advanced, err := w.Raw.BulkUpsertAndAdvance(ctx, w.Adapter.RawTableName(), item.RunID, item.PartitionID, item.Offset, newOffset, records)
	if err != nil {
		return 0, false, false, fmt.Errorf("bulk upserting page: %w", err)
	}
	if !advanced {
		// The cursor moved out from under us: a concurrent delivery
		// already advanced past this offset and owns this partition's
		// outcome. This delivery must not finalize, regress next_offset,
		// or mark the partition completed.
		return 0, false, true, nil
	}

	metrics.PagesProcessedTotal.WithLabelValues(item.Feed).Inc()
	metrics.RecordsUpsertedTotal.WithLabelValues(item.Feed).Add(float64(len(records)))

	hasMore = len(result.Items) == item.Limit
	if hasMore && item.OffsetEnd != nil && newOffset >= *item.OffsetEnd {
		hasMore = false
	}
	return newOffset, hasMore, false, nil
}

// finalizeSuccess implements §4.6 step 9: mark the partition complete,
// emit exactly one Work Done message, and invoke the run coordinator.
func (w *Worker) finalizeSuccess(ctx context.Context, item model.WorkItem, finalOffset int64) error {
	if err := w.Progress.Complete(ctx, item.RunID, item.PartitionID, finalOffset); err != nil {
		return fmt.Errorf("completing partition progress: %w", err)
	}
	if err := w.WorkerRuns.MarkCompleted(ctx, item.RunID, item.PartitionID, finalOffset); err != nil {
		log.WithTrace(item.TraceID).Warn().Err(err).Msg("failed to mark worker run completed")
	}
	metrics.PartitionsCompletedTotal.WithLabelValues(item.Feed).Inc()

	if err := w.emitWorkDone(ctx, item, finalOffset, model.WorkerStatusCompleted, ""); err != nil {
		return err
	}
	if w.Coordinator != nil {
		if err := w.Coordinator.Evaluate(ctx, item.RunID, item.TraceID); err != nil {
			return fmt.Errorf("invoking run coordinator: %w", err)
		}
	}
	return nil
}

// fail implements §4.6's failure semantics: mark the worker run and, on
// the first failure only, the partition failed; emit Work Done; invoke
// the coordinator; then abandon the original message so the broker
// redelivers it (where it will see failed and terminate quickly, or be
// reset for retry).
func (w *Worker) fail(ctx context.Context, msg *bus.Message, item model.WorkItem, cause error) error {
	logger := log.WithTrace(item.TraceID).With().Str("run_id", item.RunID).Str("partition_id", item.PartitionID).Logger()
	logger.Error().Err(cause).Msg("partition page failed")

	if err := w.WorkerRuns.MarkFailed(ctx, item.RunID, item.PartitionID, cause.Error()); err != nil {
		logger.Warn().Err(err).Msg("failed to record worker run failure")
	}

	first, err := w.Progress.MarkFailed(ctx, item.RunID, item.PartitionID)
	if err != nil {
		return fmt.Errorf("marking partition progress failed: %w", err)
	}

	if first {
		metrics.PartitionsFailedTotal.WithLabelValues(item.Feed).Inc()
		if werr := w.emitWorkDone(ctx, item, item.Offset, model.WorkerStatusFailed, truncate(cause.Error())); werr != nil {
			logger.Error().Err(werr).Msg("failed to emit work done for failed partition")
		}
		if w.Coordinator != nil {
			if cerr := w.Coordinator.Evaluate(ctx, item.RunID, item.TraceID); cerr != nil {
				logger.Error().Err(cerr).Msg("coordinator evaluation failed")
			}
		}
	}

	return msg.Abandon(ctx)
}

func (w *Worker) emitWorkDone(ctx context.Context, item model.WorkItem, recordsProcessed int64, status model.WorkerStatus, errMsg string) error {
	done := model.WorkDone{
		Feed: item.Feed, RunID: item.RunID, TraceID: item.TraceID, WorkerID: w.ID,
		PartitionID: item.PartitionID, RecordsProcessed: recordsProcessed, Status: status, Error: errMsg,
	}
	payload, err := json.Marshal(done)
	if err != nil {
		return fmt.Errorf("marshaling work done: %w", err)
	}
	if err := w.Bus.Send(ctx, bus.TopicWorkDone, item.PartitionID, payload); err != nil {
		return fmt.Errorf("sending work done: %w", err)
	}
	return nil
}

const errorMessageCap = 1000

func truncate(s string) string {
	if len(s) > errorMessageCap {
		return s[:errorMessageCap]
	}
	return s
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
