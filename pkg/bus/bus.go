// Package bus defines the message bus gateway contract used by the
// scheduler, worker, coordinator, and consolidator: three logical
// queues (work_items, work_done, consolidate), at-least-once delivery,
// and scheduled (delayed) enqueue for the coordinator's force-consolidate
// path.
package bus

import (
	"context"
	"time"
)

// Topic names the three logical queues the core ever sends to.
type Topic string

const (
	TopicWorkItems   Topic = "work_items"
	TopicWorkDone    Topic = "work_done"
	TopicConsolidate Topic = "consolidate"
)

// Message is one envelope received off the bus. Key is used for
// partition affinity (the partition_id, so all pages of one partition
// land on the same consumer in order); Value is the JSON payload;
// Complete/Abandon resolve delivery.
type Message struct {
	Topic     Topic
	Key       string
	Value     []byte
	Complete  func(ctx context.Context) error
	Abandon   func(ctx context.Context) error
}

// Gateway is the abstraction over a broker that the rest of the core
// depends on. Because the broker's message size ceiling implies
// payloads must stay small, only coordinates (offsets, bounds, IDs) are
// ever placed on the bus — never adapter responses.
type Gateway interface {
	// Send publishes value to topic with the given partition key,
	// at-least-once.
	Send(ctx context.Context, topic Topic, key string, value []byte) error
	// SendDelayed publishes value to topic no earlier than delay from
	// now. Used by the run coordinator's force-consolidate path.
	SendDelayed(ctx context.Context, topic Topic, key string, value []byte, delay time.Duration) error
	// Receive returns the next available message for topic, or nil if
	// none is available; callers poll with a fixed backoff sleep.
	Receive(ctx context.Context, topic Topic) (*Message, error)
	// Close releases broker resources.
	Close() error
}
