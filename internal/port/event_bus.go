package port

import "context"

// Handler processes one delivered event. Delivery is at-least-once and
// unordered across keys, so handlers must be idempotent. A returned error
// is logged by the router; it never blocks the partition.
type Handler func(ctx context.Context, key, payload []byte) error

// EventBus connects the coordination core to peer services. Publishing is
// fire-and-forget relative to local state: the caller's state change has
// already committed when Publish runs, and a failed publish is recovered by
// the expiry scanner, not by rolling back.
type EventBus interface {
	// Publish sends event (JSON-encoded) to topic, partitioned by key so
	// events for the same entity stay in order.
	Publish(ctx context.Context, topic, key string, event any) error

	// Consume reads topic in a loop until ctx is cancelled, invoking h for
	// every message.
	Consume(ctx context.Context, topic, group string, h Handler) error

	Close() error
}
