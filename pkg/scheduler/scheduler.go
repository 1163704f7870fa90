// Package scheduler implements the run scheduler (§4.5): it resolves
// the run type and update window from the persisted watermark, drives
// the heatmap scanner and partitioner to turn the feed's price range
// into balanced work units, records a new run, and enqueues one work
// item per partition.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nivoda/diamond-ingest/pkg/bus"
	"github.com/nivoda/diamond-ingest/pkg/cache"
	"github.com/nivoda/diamond-ingest/pkg/config"
	"github.com/nivoda/diamond-ingest/pkg/events"
	"github.com/nivoda/diamond-ingest/pkg/feed"
	"github.com/nivoda/diamond-ingest/pkg/heatmap"
	"github.com/nivoda/diamond-ingest/pkg/log"
	"github.com/nivoda/diamond-ingest/pkg/metrics"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/notify"
	"github.com/nivoda/diamond-ingest/pkg/partition"
	"github.com/nivoda/diamond-ingest/pkg/ratelimiter"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

// Scheduler resolves one run for one feed and enqueues its initial work
// items. It is a short-lived batch task, not a long-lived process: one
// call to Run corresponds to one scheduler invocation (§5).
type Scheduler struct {
	Feeds      feed.Registry
	Watermarks store.WatermarkStore
	Runs       store.RunStore
	Bus        bus.Gateway
	Notify     notify.Sink
	Limiter    *ratelimiter.Limiter
	Cache      cache.CountCache
	Cfg        config.Config
}

// Run executes one scheduler invocation for cfg.Feed. runTypeOverride,
// if non-nil, forces the run type instead of deriving it from the
// watermark (§6 CLI surface).
func (s *Scheduler) Run(ctx context.Context, runTypeOverride *model.RunType) error {
	adapter, ok := s.Feeds.Get(s.Cfg.Feed)
	if !ok {
		return fmt.Errorf("scheduler: no adapter registered for feed %q", s.Cfg.Feed)
	}
	if err := adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("scheduler: initializing adapter %s: %w", s.Cfg.Feed, err)
	}
	defer adapter.Dispose(ctx)

	traceID := uuid.NewString()
	logger := log.WithTrace(traceID).With().Str("feed", s.Cfg.Feed).Logger()

	wm, err := s.Watermarks.Get(ctx, s.Cfg.Feed)
	if err != nil {
		return fmt.Errorf("scheduler: reading watermark for %s: %w", s.Cfg.Feed, err)
	}

	runType, updatedFrom := s.resolveWindow(wm, runTypeOverride)
	updatedTo := time.Now().UTC()

	base := adapter.BuildBaseQuery(updatedFrom, updatedTo)
	scanner := heatmap.New(adapter, s.Limiter, s.Cfg.Heatmap)
	if s.Cache != nil {
		scanner = scanner.WithCache(s.Cache)
	}

	result, err := scanner.Scan(ctx, base)
	if err != nil {
		return fmt.Errorf("scheduler: scanning %s: %w", s.Cfg.Feed, err)
	}

	if result.TotalRecords == 0 {
		logger.Info().Str("run_type", string(runType)).Msg("no records found, skipping run")
		return nil
	}

	desired := desiredWorkerCount(result.TotalRecords, s.Cfg.Heatmap)
	partitions := partition.Build(result.DensityMap, desired)
	metrics.PartitionsTotal.WithLabelValues(s.Cfg.Feed).Set(float64(len(partitions)))

	runID := uuid.NewString()
	run := model.Run{
		RunID:           runID,
		Feed:            s.Cfg.Feed,
		RunType:         runType,
		ExpectedWorkers: len(partitions),
		WatermarkBefore: wm,
		WatermarkAfter:  &model.Watermark{LastUpdatedAt: updatedTo, LastRunID: runID},
		StartedAt:       time.Now(),
	}
	if err := s.Runs.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("scheduler: creating run %s: %w", runID, err)
	}
	metrics.RunsStartedTotal.WithLabelValues(s.Cfg.Feed, string(runType)).Inc()
	metrics.RunStatus.WithLabelValues(s.Cfg.Feed, string(model.RunStatusRunning)).Set(1)

	for _, p := range partitions {
		item := model.WorkItem{
			Feed: s.Cfg.Feed, RunID: runID, TraceID: traceID, PartitionID: p.PartitionID,
			MinPrice: p.MinPrice, MaxPrice: p.MaxPrice, EstimatedRecords: p.TotalRecords,
			Offset: 0, Limit: adapter.WorkerPageSize(),
			UpdatedFrom: &updatedFrom, UpdatedTo: &updatedTo,
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("scheduler: marshaling work item for %s: %w", p.PartitionID, err)
		}
		if err := s.Bus.Send(ctx, bus.TopicWorkItems, p.PartitionID, payload); err != nil {
			return fmt.Errorf("scheduler: enqueuing work item for %s: %w", p.PartitionID, err)
		}
	}

	logger.Info().Str("run_id", runID).Str("run_type", string(runType)).
		Int64("total_records", result.TotalRecords).Int("partitions", len(partitions)).
		Msg("run scheduled")

	s.Notify.Notify(ctx, notify.Event{
		Type: events.EventRunStarted, RunID: runID, TraceID: traceID, Feed: s.Cfg.Feed,
		Expected: len(partitions),
		Reason:   fmt.Sprintf("%s run started: %d records across %d partitions", runType, result.TotalRecords, len(partitions)),
	})

	return nil
}

// resolveWindow implements §4.5 step 2: an explicit full override or a
// missing watermark both mean "scan from the beginning"; otherwise the
// incremental window starts at the watermark minus the safety buffer,
// to tolerate clock skew and update latency in the upstream feed.
func (s *Scheduler) resolveWindow(wm *model.Watermark, override *model.RunType) (model.RunType, time.Time) {
	if override != nil && *override == model.RunTypeFull {
		return model.RunTypeFull, config.FullRunStartDate
	}
	if wm == nil {
		return model.RunTypeFull, config.FullRunStartDate
	}
	return model.RunTypeIncremental, wm.LastUpdatedAt.Add(-s.Cfg.IncrementalRunSafetyBuffer)
}

// desiredWorkerCount bounds the partitioner's target worker count
// between 1 and HEATMAP_MAX_WORKERS, aiming for roughly
// HEATMAP_MIN_RECORDS_PER_WORKER records each so small runs don't get
// over-partitioned.
func desiredWorkerCount(totalRecords int64, cfg config.Heatmap) int {
	n := int(math.Ceil(float64(totalRecords) / float64(cfg.MinRecordsPerWorker)))
	if n < 1 {
		n = 1
	}
	if n > cfg.MaxWorkers {
		n = cfg.MaxWorkers
	}
	return n
}
