// Package coordinator implements the run coordinator (§4.8): a pure
// function over Partition Progress tallies that decides whether a run's
// partitions, taken together, warrant consolidation, a delayed
// force-consolidate under partial success, or a declared failure. It
// also implements stall detection and explicit cancellation.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nivoda/diamond-ingest/pkg/bus"
	"github.com/nivoda/diamond-ingest/pkg/config"
	"github.com/nivoda/diamond-ingest/pkg/events"
	"github.com/nivoda/diamond-ingest/pkg/log"
	"github.com/nivoda/diamond-ingest/pkg/metrics"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/notify"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

// Coordinator computes run status from store.PartitionProgressStore
// tallies, taken at read time, never from a maintained counter — so
// concurrent worker updates cannot under- or over-count (§4.8
// correctness note).
type Coordinator struct {
	runs       store.RunStore
	partitions store.PartitionProgressStore
	workerRuns store.WorkerRunStore
	bus        bus.Gateway
	notify     notify.Sink
	cfg        config.Consolidation
	stall      time.Duration
}

// New builds a Coordinator.
func New(runs store.RunStore, partitions store.PartitionProgressStore, workerRuns store.WorkerRunStore, gateway bus.Gateway, sink notify.Sink, cfg config.Consolidation, stallThreshold time.Duration) *Coordinator {
	return &Coordinator{
		runs:       runs,
		partitions: partitions,
		workerRuns: workerRuns,
		bus:        gateway,
		notify:     sink,
		cfg:        cfg,
		stall:      stallThreshold,
	}
}

// Evaluate is called after any worker finalization, success or failure.
// It recomputes (completed, failed, expected) from the partition
// progress store and applies the §4.8 decision table. It may run
// concurrently for the same run_id under adversarial interleavings; the
// consolidator it feeds is responsible for deduping by run_id.
func (c *Coordinator) Evaluate(ctx context.Context, runID, traceID string) error {
	run, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("coordinator: loading run %s: %w", runID, err)
	}

	completed, failed, _, err := c.partitions.Tally(ctx, runID)
	if err != nil {
		return fmt.Errorf("coordinator: tallying run %s: %w", runID, err)
	}
	expected := run.ExpectedWorkers

	logger := log.WithRun(runID, run.Feed)
	logger.Debug().Int("completed", completed).Int("failed", failed).Int("expected", expected).Msg("coordinator evaluating run")

	switch {
	case completed == expected && failed == 0:
		return c.consolidate(ctx, run, traceID, false, 0)

	case completed+failed >= expected:
		ratio := 0.0
		if expected > 0 {
			ratio = float64(completed) / float64(expected)
		}
		if ratio >= c.cfg.SuccessThreshold && completed > 0 {
			c.notify.Notify(ctx, notify.Event{
				Type: events.EventRunPartialSuccess, RunID: runID, TraceID: traceID, Feed: run.Feed,
				Completed: completed, Failed: failed, Expected: expected,
				Reason: fmt.Sprintf("partial success: %d/%d partitions completed, force-consolidating in %s", completed, expected, c.cfg.Delay),
			})
			return c.consolidate(ctx, run, traceID, true, c.cfg.Delay)
		}
		metrics.RunFailedTotal.WithLabelValues(run.Feed).Inc()
		c.notify.Notify(ctx, notify.Event{
			Type: events.EventRunFailed, RunID: runID, TraceID: traceID, Feed: run.Feed,
			Completed: completed, Failed: failed, Expected: expected,
			Reason: fmt.Sprintf("run failed: only %d/%d partitions completed (threshold %.0f%%)", completed, expected, c.cfg.SuccessThreshold*100),
		})
		return nil

	default:
		// More partitions in flight; no action.
		return nil
	}
}

func (c *Coordinator) consolidate(ctx context.Context, run model.Run, traceID string, force bool, delay time.Duration) error {
	msg := model.Consolidate{Feed: run.Feed, RunID: run.RunID, TraceID: traceID, Force: force}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("coordinator: marshaling consolidate message for run %s: %w", run.RunID, err)
	}

	forcedLabel := "false"
	if force {
		forcedLabel = "true"
	}

	if force {
		if err := c.bus.SendDelayed(ctx, bus.TopicConsolidate, run.RunID, payload, delay); err != nil {
			return fmt.Errorf("coordinator: scheduling delayed consolidate for run %s: %w", run.RunID, err)
		}
	} else {
		if err := c.bus.Send(ctx, bus.TopicConsolidate, run.RunID, payload); err != nil {
			return fmt.Errorf("coordinator: sending consolidate for run %s: %w", run.RunID, err)
		}
	}

	metrics.ConsolidateEmittedTotal.WithLabelValues(run.Feed, forcedLabel).Inc()
	log.WithRun(run.RunID, run.Feed).Info().Bool("force", force).Msg("coordinator emitted consolidate")
	return nil
}

// Status derives the run's current lifecycle state without mutating
// persisted state: completed_at set means completed; otherwise stall
// detection fires when no partition progress row has updated for more
// than the configured threshold.
func (c *Coordinator) Status(ctx context.Context, runID string) (model.RunStatus, error) {
	run, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("coordinator: loading run %s: %w", runID, err)
	}
	if run.CompletedAt != nil {
		return model.RunStatusCompleted, nil
	}

	completed, failed, _, err := c.partitions.Tally(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("coordinator: tallying run %s: %w", runID, err)
	}
	if failed > 0 && completed+failed >= run.ExpectedWorkers {
		return model.RunStatusFailed, nil
	}

	found, age, err := c.partitions.LastUpdateAge(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("coordinator: checking staleness of run %s: %w", runID, err)
	}
	if found && age > c.stall.Seconds() {
		metrics.StalledRunsTotal.WithLabelValues(run.Feed).Set(1)
		return model.RunStatusStalled, nil
	}

	return model.RunStatusRunning, nil
}

// Cancel sweeps every incomplete partition and running worker row to
// failed, then marks the run completed. It is the operator-invoked
// counterpart to stall detection.
func (c *Coordinator) Cancel(ctx context.Context, runID, reason string) error {
	ids, err := c.partitions.ListIncomplete(ctx, runID)
	if err != nil {
		return fmt.Errorf("coordinator: listing incomplete partitions for run %s: %w", runID, err)
	}
	for _, id := range ids {
		if _, err := c.partitions.MarkFailed(ctx, runID, id); err != nil {
			return fmt.Errorf("coordinator: marking partition %s/%s failed on cancel: %w", runID, id, err)
		}
	}
	if err := c.workerRuns.MarkAllRunningFailed(ctx, runID, reason); err != nil {
		return fmt.Errorf("coordinator: marking running worker rows failed on cancel: %w", err)
	}
	if err := c.runs.CompleteRun(ctx, runID); err != nil {
		return fmt.Errorf("coordinator: completing cancelled run %s: %w", runID, err)
	}

	run, err := c.runs.GetRun(ctx, runID)
	if err == nil {
		c.notify.Notify(ctx, notify.Event{
			Type: events.EventRunFailed, RunID: runID, TraceID: uuid.NewString(), Feed: run.Feed,
			Reason: "run cancelled: " + reason,
		})
	}
	return nil
}
