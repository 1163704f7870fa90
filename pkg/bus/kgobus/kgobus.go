// Package kgobus is the franz-go-backed concrete implementation of
// bus.Gateway. SendDelayed has no native Kafka equivalent, so it is
// implemented via a Postgres outbox table dispatched by
// bus/outbox.Dispatcher; this package's SendDelayed simply inserts into
// that table.
package kgobus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/nivoda/diamond-ingest/pkg/bus"
	"github.com/nivoda/diamond-ingest/pkg/bus/outbox"
	"github.com/nivoda/diamond-ingest/pkg/log"
)

// Gateway is a bus.Gateway backed by a single franz-go client used for
// both producing and consuming. One Gateway is shared across all
// concurrent operations in a process.
type Gateway struct {
	client *kgo.Client
	outbox *outbox.Store
}

// Config configures the underlying kgo client.
type Config struct {
	Brokers []string
	GroupID string
	Topics  []bus.Topic
}

// New dials brokers and subscribes to topics as a consumer group, while
// remaining usable as a producer for any topic. outboxStore may be nil
// if this Gateway is never used to send delayed messages; SendDelayed
// then returns an error.
func New(cfg Config, outboxStore *outbox.Store) (*Gateway, error) {
	topics := make([]string, len(cfg.Topics))
	for i, t := range cfg.Topics {
		topics[i] = string(t)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.DisableAutoCommit(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kgobus: dialing brokers: %w", err)
	}

	return &Gateway{client: client, outbox: outboxStore}, nil
}

// Send publishes value to topic, partitioned by key.
func (g *Gateway) Send(ctx context.Context, topic bus.Topic, key string, value []byte) error {
	record := &kgo.Record{Topic: string(topic), Key: []byte(key), Value: value}
	result := g.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("kgobus: send to %s: %w", topic, err)
	}
	return nil
}

// SendDelayed inserts value into the outbox table for dispatch no
// earlier than delay from now.
func (g *Gateway) SendDelayed(ctx context.Context, topic bus.Topic, key string, value []byte, delay time.Duration) error {
	if g.outbox == nil {
		return errors.New("kgobus: gateway has no outbox store configured")
	}
	return g.outbox.Schedule(ctx, string(topic), key, value, time.Now().Add(delay))
}

// Receive polls for the next available record on any subscribed topic
// matching the requested topic, returning nil if nothing is ready.
// Workers should call this in a loop with a fixed backoff sleep when it
// returns (nil, nil).
func (g *Gateway) Receive(ctx context.Context, topic bus.Topic) (*bus.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	fetches := g.client.PollRecords(fetchCtx, 1)
	if fetches.IsClientClosed() {
		return nil, errors.New("kgobus: client closed")
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, e := range errs {
			if !errors.Is(e.Err, context.DeadlineExceeded) {
				log.Logger.Warn().Err(e.Err).Str("topic", e.Topic).Msg("kgobus: fetch error")
			}
		}
	}

	var found *kgo.Record
	fetches.EachRecord(func(r *kgo.Record) {
		if found == nil && r.Topic == string(topic) {
			found = r
		}
	})
	if found == nil {
		return nil, nil
	}

	rec := found
	return &bus.Message{
		Topic: topic,
		Key:   string(rec.Key),
		Value: rec.Value,
		Complete: func(ctx context.Context) error {
			g.client.MarkCommitRecords(rec)
			return g.client.CommitUncommittedOffsets(ctx)
		},
		Abandon: func(ctx context.Context) error {
			// Leaving the offset uncommitted lets the broker redeliver
			// this record on the next poll after a rebalance or restart.
			return nil
		},
	}, nil
}

// Close releases the underlying client.
func (g *Gateway) Close() error {
	g.client.Close()
	return nil
}
