// Package notify implements the run-started / partial-success /
// run-failed / consolidation-done notifications described in §4.5 step 7
// and §4.8; no notification is sent for a stalled run. Email/Slack
// delivery is out of scope per §1; the Sink boundary and call sites are
// part of the core, and the coordinator's and consolidator's call sites
// are exercised by their tests.
package notify

import (
	"context"
	"strconv"

	"github.com/nivoda/diamond-ingest/pkg/events"
	"github.com/nivoda/diamond-ingest/pkg/log"
)

// Event is the payload every Sink method receives: run id, trace id,
// feed, worker ratios, and a human-readable reason, per §7's
// user-visible behavior requirement.
type Event struct {
	Type      events.EventType
	RunID     string
	TraceID   string
	Feed      string
	Completed int
	Failed    int
	Expected  int
	Reason    string
}

// Sink is the boundary between the core and wherever notifications
// ultimately go.
type Sink interface {
	Notify(ctx context.Context, evt Event)
}

// LogSink writes a structured zerolog event for every notification.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, evt Event) {
	logger := log.WithTrace(evt.TraceID)
	logger.Info().
		Str("event", string(evt.Type)).
		Str("run_id", evt.RunID).
		Str("feed", evt.Feed).
		Int("completed", evt.Completed).
		Int("failed", evt.Failed).
		Int("expected", evt.Expected).
		Str("reason", evt.Reason).
		Msg("ingestion notification")
}

// BrokerSink republishes notifications onto an events.Broker, for
// any in-process subscriber (dashboards, alerting hooks) the consumer
// wires up.
type BrokerSink struct {
	Broker *events.Broker
}

func (b BrokerSink) Notify(_ context.Context, evt Event) {
	b.Broker.Publish(&events.Event{
		Type:    evt.Type,
		Message: evt.Reason,
		Metadata: map[string]string{
			"run_id":    evt.RunID,
			"trace_id":  evt.TraceID,
			"feed":      evt.Feed,
			"completed": strconv.Itoa(evt.Completed),
			"failed":    strconv.Itoa(evt.Failed),
			"expected":  strconv.Itoa(evt.Expected),
		},
	})
}

// MultiSink fans a notification out to every wrapped Sink.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Notify(ctx, evt)
	}
}
