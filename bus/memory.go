package bus

import (
	"context"
	"sync"

	"github.com/workersql/workersql/protocol"
)

// Memory is a process-local Bus for tests and single-node runs.
type Memory struct {
	ch chan Message

	mu   sync.Mutex
	dead []protocol.InvalidateEvent
}

// NewMemory builds a Memory bus buffering up to depth undelivered events.
func NewMemory(depth int) *Memory {
	if depth <= 0 {
		depth = 1024
	}
	return &Memory{ch: make(chan Message, depth)}
}

func (m *Memory) Publish(ctx context.Context, ev protocol.InvalidateEvent) error {
	select {
	case m.ch <- Message{Event: ev, Attempt: 1}:
		published.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	var out []Message
	select {
	case msg := <-m.ch:
		out = append(out, msg)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(out) < max {
		select {
		case msg := <-m.ch:
			out = append(out, msg)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (m *Memory) Ack(context.Context, Message) error { return nil }

func (m *Memory) Nack(ctx context.Context, msg Message) error {
	msg.Attempt++
	redelivered.Inc()
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) DeadLetter(_ context.Context, msg Message) error {
	m.mu.Lock()
	m.dead = append(m.dead, msg.Event)
	m.mu.Unlock()
	deadLettered.Inc()
	return nil
}

func (m *Memory) DeadLetters(_ context.Context, limit int) ([]protocol.InvalidateEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = append([]protocol.InvalidateEvent(nil), m.dead...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Bus = &Memory{}
