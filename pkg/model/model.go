// Package model holds the plain data types shared across the ingestion
// pipeline: runs, partition progress, worker runs, bus payloads, watermark
// envelopes, and the transient density/partition shapes produced by the
// heatmap scanner.
package model

import "time"

// RunType distinguishes a full historical backfill from an incremental
// delta run driven by the watermark.
type RunType string

const (
	RunTypeFull        RunType = "full"
	RunTypeIncremental RunType = "incremental"
)

// RunStatus is the derived lifecycle state of a Run. The run row has no
// status column; coordinator.Status derives Completed, Failed, Stalled
// or Running when asked.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStalled   RunStatus = "stalled"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one ingestion attempt against a named feed.
type Run struct {
	RunID           string
	Feed            string
	RunType         RunType
	ExpectedWorkers int
	WatermarkBefore *Watermark
	WatermarkAfter  *Watermark
	StartedAt       time.Time
	CompletedAt     *time.Time

	ConsolidationStartedAt   *time.Time
	ConsolidationCompletedAt *time.Time
	ConsolidationProcessed   int
	ConsolidationErrors      int
	ConsolidationTotal       int
}

// PartitionProgress is the durable per-(run, partition) cursor and
// terminal-state row. It is the sole authority on which partitions are
// done; WorkerRun records how the most recent attempt went.
type PartitionProgress struct {
	RunID       string
	PartitionID string
	NextOffset  int64
	Completed   bool
	Failed      bool
	UpdatedAt   time.Time
}

// WorkerStatus is the terminal or in-flight state of a WorkerRun.
type WorkerStatus string

const (
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusCompleted WorkerStatus = "completed"
	WorkerStatusFailed    WorkerStatus = "failed"
)

// WorkerRun is per-(run, partition) bookkeeping of the most recent worker
// attempt: how far it got and, if it failed, why.
type WorkerRun struct {
	ID               int64
	RunID            string
	PartitionID      string
	WorkerID         string
	Status           WorkerStatus
	RecordsProcessed int64
	ErrorMessage     string
	WorkItemPayload  WorkItem
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// WorkItem is the in-flight message a worker receives: one page of one
// partition. Offset is the continuation token.
type WorkItem struct {
	Feed             string    `json:"feed"`
	RunID            string    `json:"run_id"`
	TraceID          string    `json:"trace_id"`
	PartitionID      string    `json:"partition_id"`
	MinPrice         float64   `json:"min_price"`
	MaxPrice         float64   `json:"max_price"`
	EstimatedRecords int64     `json:"estimated_records"`
	Offset           int64     `json:"offset"`
	OffsetEnd        *int64    `json:"offset_end,omitempty"`
	Limit            int       `json:"limit"`
	UpdatedFrom      *time.Time `json:"updated_from,omitempty"`
	UpdatedTo        *time.Time `json:"updated_to,omitempty"`
}

// WorkDone is emitted exactly once per partition when it terminates.
type WorkDone struct {
	Feed             string       `json:"feed"`
	RunID            string       `json:"run_id"`
	TraceID          string       `json:"trace_id"`
	WorkerID         string       `json:"worker_id"`
	PartitionID      string       `json:"partition_id"`
	RecordsProcessed int64        `json:"records_processed"`
	Status           WorkerStatus `json:"status"`
	Error            string       `json:"error,omitempty"`
}

// Consolidate is emitted at most once per successful or partially
// successful run; the consolidator must honor it idempotently per run_id.
type Consolidate struct {
	Feed    string `json:"feed"`
	RunID   string `json:"run_id"`
	TraceID string `json:"trace_id"`
	Force   bool   `json:"force,omitempty"`
}

// Watermark is the per-feed high-water mark of successfully consolidated
// upstream update times, persisted as a small JSON blob.
type Watermark struct {
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	LastRunID     string    `json:"lastRunId"`
}

// RawRecord is one opaque supplier payload in a feed's raw table, keyed
// by (feed, supplier_stone_id).
type RawRecord struct {
	Feed               string
	SupplierStoneID    string
	OfferID            string
	Payload            []byte
	SourceUpdatedAt    *time.Time
	Consolidated       bool
	ConsolidationStatus string
	RunID              string
}

// Diamond is the normalized, consolidated record the core's diamonds
// table holds, keyed (feed, supplier_stone_id). Pricing/rating rule
// application that produces FeedPrice/Status is out of scope; the
// consolidator only applies the no-op-suppression upsert described in
// §4.11.
type Diamond struct {
	Feed            string
	SupplierStoneID string
	OfferID         string
	Payload         []byte
	SourceUpdatedAt *time.Time
	FeedPrice       float64
	Status          string
	UpdatedAt       time.Time
}

// Identity is what a Feed Adapter extracts from an opaque search result
// item; it is the only thing the core ever interprets about an item.
type Identity struct {
	SupplierStoneID string
	OfferID         string
	Payload         []byte
	SourceUpdatedAt *time.Time
}

// DensityChunk is a transient half-open price range with its observed
// record count, produced by the heatmap scanner.
type DensityChunk struct {
	Min   float64
	Max   float64
	Count int64
}

// Partition is a transient contiguous price range assigned to exactly
// one worker stream, the unit of parallelism.
type Partition struct {
	PartitionID  string
	MinPrice     float64
	MaxPrice     float64
	TotalRecords int64
}

// ScanStats describes one heatmap scan for observability.
type ScanStats struct {
	APICalls        int
	ScanDuration    time.Duration
	RangesScanned   int
	NonEmptyRanges  int
	UsedTwoPass     bool
}

// ScanResult is the output of the heatmap scanner, consumed by the
// partitioner.
type ScanResult struct {
	DensityMap   []DensityChunk
	TotalRecords int64
	Stats        ScanStats
}
