package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivoda/diamond-ingest/pkg/bus"
	"github.com/nivoda/diamond-ingest/pkg/feed/fakefeed"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/ratelimiter"
	"github.com/nivoda/diamond-ingest/pkg/store"
)

type fakeRuns struct{}

func (f *fakeRuns) CreateRun(ctx context.Context, run model.Run) error           { return nil }
func (f *fakeRuns) GetRun(ctx context.Context, runID string) (model.Run, error) { return model.Run{}, nil }
func (f *fakeRuns) CompleteRun(ctx context.Context, runID string) error          { return nil }
func (f *fakeRuns) RecordConsolidationStart(ctx context.Context, runID string) error {
	return nil
}
func (f *fakeRuns) RecordConsolidationResult(ctx context.Context, runID string, processed, errorsCount, total int) error {
	return nil
}

type fakeProgress struct {
	mu    sync.Mutex
	rows  map[string]*model.PartitionProgress
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{rows: map[string]*model.PartitionProgress{}}
}

func (f *fakeProgress) key(runID, partitionID string) string { return runID + "/" + partitionID }

func (f *fakeProgress) Initialize(ctx context.Context, runID, partitionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(runID, partitionID)
	if _, ok := f.rows[k]; !ok {
		f.rows[k] = &model.PartitionProgress{RunID: runID, PartitionID: partitionID}
	}
	return nil
}

func (f *fakeProgress) Get(ctx context.Context, runID, partitionID string) (model.PartitionProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[f.key(runID, partitionID)]
	if !ok {
		return model.PartitionProgress{}, store.ErrNotFound
	}
	return *p, nil
}

func (f *fakeProgress) Advance(ctx context.Context, runID, partitionID string, expectedOffset, newOffset int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[f.key(runID, partitionID)]
	if p == nil || p.Completed || p.NextOffset != expectedOffset {
		return false, nil
	}
	p.NextOffset = newOffset
	return true, nil
}

func (f *fakeProgress) Complete(ctx context.Context, runID, partitionID string, finalOffset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[f.key(runID, partitionID)]
	if p == nil {
		return nil
	}
	p.Completed = true
	p.NextOffset = finalOffset
	return nil
}

func (f *fakeProgress) MarkFailed(ctx context.Context, runID, partitionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.rows[f.key(runID, partitionID)]
	if p == nil || p.Completed || p.Failed {
		return false, nil
	}
	p.Failed = true
	return true, nil
}

func (f *fakeProgress) ResetForRetry(ctx context.Context, runID, partitionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.rows[f.key(runID, partitionID)]; p != nil {
		p.Failed = false
	}
	return nil
}

func (f *fakeProgress) Tally(ctx context.Context, runID string) (int, int, int, error) {
	return 0, 0, 0, nil
}
func (f *fakeProgress) LastUpdateAge(ctx context.Context, runID string) (bool, float64, error) {
	return false, 0, nil
}
func (f *fakeProgress) ListIncomplete(ctx context.Context, runID string) ([]string, error) {
	return nil, nil
}

type fakeWorkerRuns struct {
	mu      sync.Mutex
	running int
	failed  int
	done    int
}

func (f *fakeWorkerRuns) UpsertRunning(ctx context.Context, wr model.WorkerRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running++
	return nil
}
func (f *fakeWorkerRuns) MarkCompleted(ctx context.Context, runID, partitionID string, recordsProcessed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done++
	return nil
}
func (f *fakeWorkerRuns) MarkFailed(ctx context.Context, runID, partitionID string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
	return nil
}
func (f *fakeWorkerRuns) MarkAllRunningFailed(ctx context.Context, runID string, reason string) error {
	return nil
}

type fakeRaw struct {
	mu         sync.Mutex
	records    []model.RawRecord
	rejectNext bool
	// progress, when set, receives the cursor advance the way the real
	// store's single transaction does.
	progress *fakeProgress
}

func (f *fakeRaw) BulkUpsertAndAdvance(ctx context.Context, feedTable, runID, partitionID string, expectedOffset, newOffset int64, records []model.RawRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectNext {
		// Models a concurrent delivery winning the next_offset CAS first:
		// the winner's advance lands and this call loses.
		f.rejectNext = false
		if f.progress != nil {
			f.progress.Advance(ctx, runID, partitionID, expectedOffset, newOffset)
		}
		return false, nil
	}
	if f.progress != nil {
		ok, err := f.progress.Advance(ctx, runID, partitionID, expectedOffset, newOffset)
		if !ok || err != nil {
			return ok, err
		}
	}
	f.records = append(f.records, records...)
	return true, nil
}

type fakeGateway struct {
	mu    sync.Mutex
	sent  []bus.Message
}

func (f *fakeGateway) Send(ctx context.Context, topic bus.Topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, bus.Message{Topic: topic, Key: key, Value: value})
	return nil
}
func (f *fakeGateway) SendDelayed(ctx context.Context, topic bus.Topic, key string, value []byte, delay time.Duration) error {
	return f.Send(ctx, topic, key, value)
}
func (f *fakeGateway) Receive(ctx context.Context, topic bus.Topic) (*bus.Message, error) {
	return nil, nil
}
func (f *fakeGateway) Close() error { return nil }

func (f *fakeGateway) sentTo(topic bus.Topic) []bus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bus.Message
	for _, m := range f.sent {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func completingMessage(value []byte, completed, abandoned *bool) *bus.Message {
	return &bus.Message{
		Value: value,
		Complete: func(ctx context.Context) error {
			*completed = true
			return nil
		},
		Abandon: func(ctx context.Context) error {
			*abandoned = true
			return nil
		},
	}
}

func newTestLimiter() *ratelimiter.Limiter {
	return ratelimiter.New("test", ratelimiter.Config{
		MaxRequestsPerWindow: 1000,
		Window:               time.Millisecond,
		MaxWait:              time.Second,
	})
}

func TestHandleProcessesFullPageAndCompletesPartition(t *testing.T) {
	items := make([]fakefeed.Item, 3)
	for i := range items {
		items[i] = fakefeed.Item{StoneID: string(rune('a' + i)), OfferID: "offer", Price: 100, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	}
	adapter := fakefeed.New("nivoda", items, 10)

	progress := newFakeProgress()
	workerRuns := &fakeWorkerRuns{}
	raw := &fakeRaw{}
	gw := &fakeGateway{}
	limiter := newTestLimiter()
	defer limiter.Destroy()

	w := &Worker{
		ID: "worker-1", Adapter: adapter, Limiter: limiter, Bus: gw,
		Runs: &fakeRuns{}, Progress: progress, WorkerRuns: workerRuns, Raw: raw,
	}

	item := model.WorkItem{Feed: "nivoda", RunID: "run-1", TraceID: "trace-1", PartitionID: "p0", MinPrice: 0, MaxPrice: 1000, Offset: 0, Limit: 10}
	payload, err := json.Marshal(item)
	require.NoError(t, err)

	var completed, abandoned bool
	msg := completingMessage(payload, &completed, &abandoned)

	require.NoError(t, w.handle(context.Background(), msg))

	assert.True(t, completed)
	assert.False(t, abandoned)
	assert.Len(t, raw.records, 3)
	assert.Equal(t, 1, workerRuns.done)

	done := gw.sentTo(bus.TopicWorkDone)
	require.Len(t, done, 1)
	var wd model.WorkDone
	require.NoError(t, json.Unmarshal(done[0].Value, &wd))
	assert.Equal(t, model.WorkerStatusCompleted, wd.Status)
	assert.Equal(t, int64(3), wd.RecordsProcessed)

	p, err := progress.Get(context.Background(), "run-1", "p0")
	require.NoError(t, err)
	assert.True(t, p.Completed)
}

func TestHandleSelfEnqueuesContinuationWhenPageIsFull(t *testing.T) {
	items := make([]fakefeed.Item, 5)
	for i := range items {
		items[i] = fakefeed.Item{StoneID: string(rune('a' + i)), OfferID: "offer", Price: 100, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	}
	adapter := fakefeed.New("nivoda", items, 2)

	progress := newFakeProgress()
	gw := &fakeGateway{}
	limiter := newTestLimiter()
	defer limiter.Destroy()

	w := &Worker{
		ID: "worker-1", Adapter: adapter, Limiter: limiter, Bus: gw,
		Runs: &fakeRuns{}, Progress: progress, WorkerRuns: &fakeWorkerRuns{}, Raw: &fakeRaw{progress: progress},
	}

	item := model.WorkItem{Feed: "nivoda", RunID: "run-2", TraceID: "trace-2", PartitionID: "p0", MinPrice: 0, MaxPrice: 1000, Offset: 0, Limit: 2}
	payload, err := json.Marshal(item)
	require.NoError(t, err)

	var completed, abandoned bool
	msg := completingMessage(payload, &completed, &abandoned)

	require.NoError(t, w.handle(context.Background(), msg))

	assert.True(t, completed)
	workItems := gw.sentTo(bus.TopicWorkItems)
	require.Len(t, workItems, 1)

	var next model.WorkItem
	require.NoError(t, json.Unmarshal(workItems[0].Value, &next))
	assert.Equal(t, int64(2), next.Offset)

	p, err := progress.Get(context.Background(), "run-2", "p0")
	require.NoError(t, err)
	assert.False(t, p.Completed)
	assert.Equal(t, int64(2), p.NextOffset)
}

func TestHandleAcksWithoutFinalizingWhenCursorCASLosesRace(t *testing.T) {
	items := make([]fakefeed.Item, 3)
	for i := range items {
		items[i] = fakefeed.Item{StoneID: string(rune('a' + i)), OfferID: "offer", Price: 100, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	}
	adapter := fakefeed.New("nivoda", items, 10)

	progress := newFakeProgress()
	require.NoError(t, progress.Initialize(context.Background(), "run-5", "p0"))
	// Simulate a concurrent delivery that already won the CAS and moved
	// the cursor past this delivery's expected offset.
	ok, err := progress.Advance(context.Background(), "run-5", "p0", 0, 3)
	require.NoError(t, err)
	require.True(t, ok)

	workerRuns := &fakeWorkerRuns{}
	raw := &fakeRaw{rejectNext: true, progress: progress}
	gw := &fakeGateway{}
	limiter := newTestLimiter()
	defer limiter.Destroy()

	w := &Worker{
		ID: "worker-1", Adapter: adapter, Limiter: limiter, Bus: gw,
		Runs: &fakeRuns{}, Progress: progress, WorkerRuns: workerRuns, Raw: raw,
	}

	// This delivery still believes the offset is 0, matching guard's
	// stale-offset check failing to catch it only because the race
	// window sits inside BulkUpsertAndAdvance, not before it: widen the
	// partition's NextOffset back down to simulate the narrow window
	// where guard's read-then-act observes the old value.
	progress.mu.Lock()
	progress.rows["run-5/p0"].NextOffset = 0
	progress.mu.Unlock()

	item := model.WorkItem{Feed: "nivoda", RunID: "run-5", TraceID: "trace-5", PartitionID: "p0", MinPrice: 0, MaxPrice: 1000, Offset: 0, Limit: 10}
	payload, err := json.Marshal(item)
	require.NoError(t, err)

	var completed, abandoned bool
	msg := completingMessage(payload, &completed, &abandoned)

	require.NoError(t, w.handle(context.Background(), msg))

	assert.True(t, completed, "the losing delivery must still ack so it isn't redelivered forever")
	assert.False(t, abandoned)
	assert.Empty(t, raw.records, "the losing delivery's records must not be upserted")
	assert.Empty(t, gw.sentTo(bus.TopicWorkDone), "the losing delivery must not emit work done")

	p, err := progress.Get(context.Background(), "run-5", "p0")
	require.NoError(t, err)
	assert.False(t, p.Completed, "the losing delivery must not mark the partition completed")
	assert.Equal(t, int64(3), p.NextOffset, "the winning delivery's cursor must not be regressed")
}

func TestHandleSkipsAlreadyCompletedPartition(t *testing.T) {
	adapter := fakefeed.New("nivoda", nil, 10)
	progress := newFakeProgress()
	require.NoError(t, progress.Initialize(context.Background(), "run-3", "p0"))
	require.NoError(t, progress.Complete(context.Background(), "run-3", "p0", 10))

	gw := &fakeGateway{}
	limiter := newTestLimiter()
	defer limiter.Destroy()
	w := &Worker{
		ID: "worker-1", Adapter: adapter, Limiter: limiter, Bus: gw,
		Runs: &fakeRuns{}, Progress: progress, WorkerRuns: &fakeWorkerRuns{}, Raw: &fakeRaw{},
	}

	item := model.WorkItem{Feed: "nivoda", RunID: "run-3", TraceID: "trace-3", PartitionID: "p0", Offset: 0, Limit: 10}
	payload, err := json.Marshal(item)
	require.NoError(t, err)

	var completed, abandoned bool
	msg := completingMessage(payload, &completed, &abandoned)

	require.NoError(t, w.handle(context.Background(), msg))

	assert.True(t, completed)
	assert.Empty(t, gw.sentTo(bus.TopicWorkDone))
}

func TestHandleSkipsStaleOffsetRedelivery(t *testing.T) {
	adapter := fakefeed.New("nivoda", nil, 10)
	progress := newFakeProgress()
	require.NoError(t, progress.Initialize(context.Background(), "run-4", "p0"))
	_, err := progress.Advance(context.Background(), "run-4", "p0", 0, 10)
	require.NoError(t, err)

	gw := &fakeGateway{}
	limiter := newTestLimiter()
	defer limiter.Destroy()
	w := &Worker{
		ID: "worker-1", Adapter: adapter, Limiter: limiter, Bus: gw,
		Runs: &fakeRuns{}, Progress: progress, WorkerRuns: &fakeWorkerRuns{}, Raw: &fakeRaw{},
	}

	item := model.WorkItem{Feed: "nivoda", RunID: "run-4", TraceID: "trace-4", PartitionID: "p0", Offset: 0, Limit: 10}
	payload, err := json.Marshal(item)
	require.NoError(t, err)

	var completed, abandoned bool
	msg := completingMessage(payload, &completed, &abandoned)

	require.NoError(t, w.handle(context.Background(), msg))
	assert.True(t, completed)
	assert.Empty(t, gw.sentTo(bus.TopicWorkDone))
}

func TestHandleMalformedPayloadCompletesWithoutRetry(t *testing.T) {
	w := &Worker{ID: "worker-1"}
	var completed, abandoned bool
	msg := completingMessage([]byte("not json"), &completed, &abandoned)

	err := w.handle(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, completed)
	assert.False(t, abandoned)
}
