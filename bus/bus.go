// Package bus carries cache-invalidation events from gateway write paths
// to every consumer instance. The contract is at-least-once with
// explicit acknowledgement, bounded redelivery, and a dead-letter area;
// the journal implementation rides a Gazette journal, and the memory one
// serves tests and single-node runs.
package bus

import (
	"context"

	"github.com/workersql/workersql/protocol"
)

// Message is one delivery of an invalidation event. Attempt counts
// deliveries of this event to this consumer group, starting at one.
type Message struct {
	Event   protocol.InvalidateEvent
	Attempt int

	// token is backend bookkeeping carried between Consume and Ack.
	token interface{}
}

// Bus is the invalidation event transport.
type Bus interface {
	// Publish appends one event. It returns once the event is durable.
	Publish(ctx context.Context, ev protocol.InvalidateEvent) error
	// Consume blocks for at least one message and returns up to max
	// immediately available ones, in order.
	Consume(ctx context.Context, max int) ([]Message, error)
	// Ack marks the message fully processed.
	Ack(ctx context.Context, msg Message) error
	// Nack schedules the message for redelivery with Attempt+1.
	Nack(ctx context.Context, msg Message) error
	// DeadLetter moves the message to the dead-letter area and acks it.
	DeadLetter(ctx context.Context, msg Message) error
	// DeadLetters lists up to limit dead-lettered events, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]protocol.InvalidateEvent, error)
}
