package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivoda/diamond-ingest/pkg/bus"
	"github.com/nivoda/diamond-ingest/pkg/config"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/notify"
)

type fakeRuns struct {
	run model.Run
}

func (f *fakeRuns) CreateRun(ctx context.Context, run model.Run) error { return nil }
func (f *fakeRuns) GetRun(ctx context.Context, runID string) (model.Run, error) {
	return f.run, nil
}
func (f *fakeRuns) CompleteRun(ctx context.Context, runID string) error {
	now := time.Now()
	f.run.CompletedAt = &now
	return nil
}
func (f *fakeRuns) RecordConsolidationStart(ctx context.Context, runID string) error { return nil }
func (f *fakeRuns) RecordConsolidationResult(ctx context.Context, runID string, processed, errorsCount, total int) error {
	return nil
}

type fakePartitions struct {
	completed, failed, total int
	ageSeconds               float64
	found                    bool
	incomplete               []string
	failedCalls              []string
}

func (f *fakePartitions) Initialize(ctx context.Context, runID, partitionID string) error { return nil }
func (f *fakePartitions) Get(ctx context.Context, runID, partitionID string) (model.PartitionProgress, error) {
	return model.PartitionProgress{}, nil
}
func (f *fakePartitions) Advance(ctx context.Context, runID, partitionID string, expectedOffset, newOffset int64) (bool, error) {
	return true, nil
}
func (f *fakePartitions) Complete(ctx context.Context, runID, partitionID string, finalOffset int64) error {
	return nil
}
func (f *fakePartitions) MarkFailed(ctx context.Context, runID, partitionID string) (bool, error) {
	f.failedCalls = append(f.failedCalls, partitionID)
	return true, nil
}
func (f *fakePartitions) ResetForRetry(ctx context.Context, runID, partitionID string) error { return nil }
func (f *fakePartitions) Tally(ctx context.Context, runID string) (int, int, int, error) {
	return f.completed, f.failed, f.total, nil
}
func (f *fakePartitions) LastUpdateAge(ctx context.Context, runID string) (bool, float64, error) {
	return f.found, f.ageSeconds, nil
}
func (f *fakePartitions) ListIncomplete(ctx context.Context, runID string) ([]string, error) {
	return f.incomplete, nil
}

type fakeWorkerRuns struct {
	markedAllFailedReason string
}

func (f *fakeWorkerRuns) UpsertRunning(ctx context.Context, wr model.WorkerRun) error { return nil }
func (f *fakeWorkerRuns) MarkCompleted(ctx context.Context, runID, partitionID string, recordsProcessed int64) error {
	return nil
}
func (f *fakeWorkerRuns) MarkFailed(ctx context.Context, runID, partitionID string, errMsg string) error {
	return nil
}
func (f *fakeWorkerRuns) MarkAllRunningFailed(ctx context.Context, runID string, reason string) error {
	f.markedAllFailedReason = reason
	return nil
}

type fakeGateway struct {
	sent        []bus.Topic
	sentDelayed []bus.Topic
	delay       time.Duration
}

func (f *fakeGateway) Send(ctx context.Context, topic bus.Topic, key string, value []byte) error {
	f.sent = append(f.sent, topic)
	return nil
}
func (f *fakeGateway) SendDelayed(ctx context.Context, topic bus.Topic, key string, value []byte, delay time.Duration) error {
	f.sentDelayed = append(f.sentDelayed, topic)
	f.delay = delay
	return nil
}
func (f *fakeGateway) Receive(ctx context.Context, topic bus.Topic) (*bus.Message, error) {
	return nil, nil
}
func (f *fakeGateway) Close() error { return nil }

type fakeSink struct {
	events []notify.Event
}

func (f *fakeSink) Notify(ctx context.Context, evt notify.Event) {
	f.events = append(f.events, evt)
}

func newCoordinator(runs *fakeRuns, parts *fakePartitions, wr *fakeWorkerRuns, gw *fakeGateway, sink *fakeSink) *Coordinator {
	return New(runs, parts, wr, gw, sink, config.Consolidation{SuccessThreshold: 0.70, Delay: 5 * time.Minute}, 30*time.Minute)
}

func TestEvaluateAllCompletedConsolidatesImmediately(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-1", Feed: "nivoda", ExpectedWorkers: 4}}
	parts := &fakePartitions{completed: 4, failed: 0, total: 4}
	gw := &fakeGateway{}
	sink := &fakeSink{}
	c := newCoordinator(runs, parts, &fakeWorkerRuns{}, gw, sink)

	require.NoError(t, c.Evaluate(context.Background(), "run-1", "trace-1"))

	assert.Equal(t, []bus.Topic{bus.TopicConsolidate}, gw.sent)
	assert.Empty(t, gw.sentDelayed)
}

func TestEvaluatePartialSuccessForceConsolidatesWithDelay(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-2", Feed: "nivoda", ExpectedWorkers: 10}}
	parts := &fakePartitions{completed: 7, failed: 3, total: 10}
	gw := &fakeGateway{}
	sink := &fakeSink{}
	c := newCoordinator(runs, parts, &fakeWorkerRuns{}, gw, sink)

	require.NoError(t, c.Evaluate(context.Background(), "run-2", "trace-2"))

	assert.Empty(t, gw.sent)
	assert.Equal(t, []bus.Topic{bus.TopicConsolidate}, gw.sentDelayed)
	assert.Equal(t, 5*time.Minute, gw.delay)

	require.Len(t, sink.events, 1)
	assert.Equal(t, 7, sink.events[0].Completed)
	assert.Equal(t, 3, sink.events[0].Failed)
}

func TestEvaluateBelowThresholdFailsWithoutConsolidating(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-3", Feed: "nivoda", ExpectedWorkers: 10}}
	parts := &fakePartitions{completed: 2, failed: 8, total: 10}
	gw := &fakeGateway{}
	sink := &fakeSink{}
	c := newCoordinator(runs, parts, &fakeWorkerRuns{}, gw, sink)

	require.NoError(t, c.Evaluate(context.Background(), "run-3", "trace-3"))

	assert.Empty(t, gw.sent)
	assert.Empty(t, gw.sentDelayed)
	require.Len(t, sink.events, 1)
}

func TestEvaluateMoreInFlightTakesNoAction(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-4", Feed: "nivoda", ExpectedWorkers: 10}}
	parts := &fakePartitions{completed: 3, failed: 1, total: 10}
	gw := &fakeGateway{}
	sink := &fakeSink{}
	c := newCoordinator(runs, parts, &fakeWorkerRuns{}, gw, sink)

	require.NoError(t, c.Evaluate(context.Background(), "run-4", "trace-4"))

	assert.Empty(t, gw.sent)
	assert.Empty(t, gw.sentDelayed)
	assert.Empty(t, sink.events)
}

func TestStatusCompletedTakesPrecedenceOverTally(t *testing.T) {
	now := time.Now()
	runs := &fakeRuns{run: model.Run{RunID: "run-5", Feed: "nivoda", ExpectedWorkers: 4, CompletedAt: &now}}
	parts := &fakePartitions{completed: 1, failed: 3, total: 4}
	c := newCoordinator(runs, parts, &fakeWorkerRuns{}, &fakeGateway{}, &fakeSink{})

	status, err := c.Status(context.Background(), "run-5")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)
}

func TestStatusFailedWhenTerminalAndHasFailures(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-6", Feed: "nivoda", ExpectedWorkers: 4}}
	parts := &fakePartitions{completed: 2, failed: 2, total: 4}
	c := newCoordinator(runs, parts, &fakeWorkerRuns{}, &fakeGateway{}, &fakeSink{})

	status, err := c.Status(context.Background(), "run-6")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)
}

func TestStatusStalledWhenNoRecentUpdate(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-7", Feed: "nivoda", ExpectedWorkers: 4}}
	parts := &fakePartitions{completed: 1, failed: 0, total: 4, found: true, ageSeconds: 3601}
	c := newCoordinator(runs, parts, &fakeWorkerRuns{}, &fakeGateway{}, &fakeSink{})

	status, err := c.Status(context.Background(), "run-7")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusStalled, status)
}

func TestStatusRunningWhenWithinStallThreshold(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-8", Feed: "nivoda", ExpectedWorkers: 4}}
	parts := &fakePartitions{completed: 1, failed: 0, total: 4, found: true, ageSeconds: 5}
	c := newCoordinator(runs, parts, &fakeWorkerRuns{}, &fakeGateway{}, &fakeSink{})

	status, err := c.Status(context.Background(), "run-8")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, status)
}

func TestCancelSweepsIncompletePartitionsAndCompletesRun(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-9", Feed: "nivoda", ExpectedWorkers: 3}}
	parts := &fakePartitions{incomplete: []string{"partition-0", "partition-1"}}
	wr := &fakeWorkerRuns{}
	c := newCoordinator(runs, parts, wr, &fakeGateway{}, &fakeSink{})

	require.NoError(t, c.Cancel(context.Background(), "run-9", "operator requested cancellation"))

	assert.ElementsMatch(t, []string{"partition-0", "partition-1"}, parts.failedCalls)
	assert.Equal(t, "operator requested cancellation", wr.markedAllFailedReason)
	assert.NotNil(t, runs.run.CompletedAt)
}
