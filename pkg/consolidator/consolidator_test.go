package consolidator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/notify"
)

type fakeRuns struct {
	run            model.Run
	consolidated   bool
	completed      bool
	recordedResult bool
}

func (f *fakeRuns) CreateRun(ctx context.Context, run model.Run) error { return nil }

func (f *fakeRuns) GetRun(ctx context.Context, runID string) (model.Run, error) {
	return f.run, nil
}

func (f *fakeRuns) CompleteRun(ctx context.Context, runID string) error {
	f.completed = true
	return nil
}

func (f *fakeRuns) RecordConsolidationStart(ctx context.Context, runID string) error {
	f.consolidated = true
	return nil
}

func (f *fakeRuns) RecordConsolidationResult(ctx context.Context, runID string, processed, errorsCount, total int) error {
	f.recordedResult = true
	f.run.ConsolidationProcessed = processed
	f.run.ConsolidationErrors = errorsCount
	f.run.ConsolidationTotal = total
	return nil
}

type fakeWatermarks struct {
	puts map[string]model.Watermark
}

func (f *fakeWatermarks) Get(ctx context.Context, feed string) (*model.Watermark, error) {
	return nil, nil
}

func (f *fakeWatermarks) Put(ctx context.Context, feed string, wm model.Watermark) error {
	if f.puts == nil {
		f.puts = make(map[string]model.Watermark)
	}
	f.puts[feed] = wm
	return nil
}

type fakeRaw struct {
	rows           []model.RawRecord
	markedConsolidated []string
}

func (f *fakeRaw) ListUnconsolidated(ctx context.Context, feedTable string, limit int) ([]model.RawRecord, error) {
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeRaw) MarkConsolidated(ctx context.Context, feedTable string, supplierStoneIDs []string, status string) error {
	f.markedConsolidated = append(f.markedConsolidated, supplierStoneIDs...)
	return nil
}

type fakeDiamonds struct {
	upserted []model.Diamond
	suppress map[string]bool
}

func (f *fakeDiamonds) UpsertIfChanged(ctx context.Context, d model.Diamond) (bool, error) {
	f.upserted = append(f.upserted, d)
	if f.suppress[d.SupplierStoneID] {
		return false, nil
	}
	return true, nil
}

type fakeSink struct {
	events []notify.Event
}

func (f *fakeSink) Notify(ctx context.Context, evt notify.Event) {
	f.events = append(f.events, evt)
}

func normalizeForTest(raw model.RawRecord) (model.Diamond, error) {
	if raw.SupplierStoneID == "bad" {
		return model.Diamond{}, fmt.Errorf("malformed payload")
	}
	return model.Diamond{Feed: raw.Feed, SupplierStoneID: raw.SupplierStoneID, Status: "active"}, nil
}

func newConsolidator(runs *fakeRuns, wm *fakeWatermarks, raw *fakeRaw, diamonds *fakeDiamonds, sink *fakeSink) *Consolidator {
	return &Consolidator{
		Feed:       "nivoda",
		RawTable:   "raw_nivoda",
		Runs:       runs,
		Watermarks: wm,
		Raw:        raw,
		Diamonds:   diamonds,
		Normalize:  normalizeForTest,
		Notify:     sink,
	}
}

func TestHandleProcessesUnconsolidatedRowsAndCompletesRun(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-1"}}
	raw := &fakeRaw{rows: []model.RawRecord{
		{SupplierStoneID: "stone-1"},
		{SupplierStoneID: "stone-2"},
	}}
	diamonds := &fakeDiamonds{}
	sink := &fakeSink{}
	c := newConsolidator(runs, &fakeWatermarks{}, raw, diamonds, sink)

	err := c.Handle(context.Background(), model.Consolidate{RunID: "run-1"})
	require.NoError(t, err)

	assert.True(t, runs.consolidated)
	assert.True(t, runs.completed)
	assert.Equal(t, 2, runs.run.ConsolidationProcessed)
	assert.Equal(t, 0, runs.run.ConsolidationErrors)
	assert.ElementsMatch(t, []string{"stone-1", "stone-2"}, raw.markedConsolidated)
	require.Len(t, sink.events, 1)
	assert.Equal(t, 2, sink.events[0].Completed)
}

func TestHandleCountsNormalizationFailuresAsErrorsWithoutMarkingConsolidated(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-1"}}
	raw := &fakeRaw{rows: []model.RawRecord{
		{SupplierStoneID: "stone-1"},
		{SupplierStoneID: "bad"},
	}}
	diamonds := &fakeDiamonds{}
	c := newConsolidator(runs, &fakeWatermarks{}, raw, diamonds, &fakeSink{})

	err := c.Handle(context.Background(), model.Consolidate{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, runs.run.ConsolidationProcessed)
	assert.Equal(t, 1, runs.run.ConsolidationErrors)
	assert.Equal(t, []string{"stone-1"}, raw.markedConsolidated)
}

func TestHandleIsIdempotentWhenConsolidationAlreadyCompleted(t *testing.T) {
	now := time.Now()
	runs := &fakeRuns{run: model.Run{RunID: "run-1", ConsolidationCompletedAt: &now}}
	raw := &fakeRaw{rows: []model.RawRecord{{SupplierStoneID: "stone-1"}}}
	c := newConsolidator(runs, &fakeWatermarks{}, raw, &fakeDiamonds{}, &fakeSink{})

	err := c.Handle(context.Background(), model.Consolidate{RunID: "run-1"})
	require.NoError(t, err)

	assert.False(t, runs.consolidated, "already-completed run must skip before RecordConsolidationStart")
	assert.Empty(t, raw.markedConsolidated)
}

func TestHandleAdvancesWatermarkWhenRunCarriesOne(t *testing.T) {
	wmAfter := model.Watermark{LastUpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), LastRunID: "run-1"}
	runs := &fakeRuns{run: model.Run{RunID: "run-1", WatermarkAfter: &wmAfter}}
	wm := &fakeWatermarks{}
	c := newConsolidator(runs, wm, &fakeRaw{}, &fakeDiamonds{}, &fakeSink{})

	err := c.Handle(context.Background(), model.Consolidate{RunID: "run-1"})
	require.NoError(t, err)

	require.Contains(t, wm.puts, "nivoda")
	assert.Equal(t, "run-1", wm.puts["nivoda"].LastRunID)
}

func TestHandleSkipsWatermarkAdvanceWhenRunHasNone(t *testing.T) {
	runs := &fakeRuns{run: model.Run{RunID: "run-1"}}
	wm := &fakeWatermarks{}
	c := newConsolidator(runs, wm, &fakeRaw{}, &fakeDiamonds{}, &fakeSink{})

	err := c.Handle(context.Background(), model.Consolidate{RunID: "run-1"})
	require.NoError(t, err)
	assert.Empty(t, wm.puts)
}

func TestDecodeMessageRoundTripsValidPayload(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"feed":"nivoda","run_id":"run-1","trace_id":"t-1","force":true}`))
	require.NoError(t, err)
	assert.Equal(t, "nivoda", msg.Feed)
	assert.Equal(t, "run-1", msg.RunID)
	assert.True(t, msg.Force)
}

func TestDecodeMessageRejectsMalformedPayload(t *testing.T) {
	_, err := DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}
