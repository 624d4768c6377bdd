package transport

import (
	"context"
	"sync"

	"github.com/continuum-dev/jtag/pkg/message"
)

// DefaultQueueCapacity bounds a connection's outbound queue.
const DefaultQueueCapacity = 256

// sendQueue is a connection's bounded outbound queue. Single-writer (the
// router) and single-reader (the transport pump). When full, Push evicts
// the lowest-priority queued item ranking strictly below the incoming
// one; if no such item exists the send fails with QueueFull.
// Within a priority class ordering stays FIFO — priority only resolves
// eviction.
type sendQueue struct {
	mu       sync.Mutex
	capacity int
	items    []*message.Envelope
	notify   chan struct{}
	closed   bool
}

func newSendQueue(capacity int) *sendQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &sendQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues an envelope, applying the eviction policy at capacity.
func (q *sendQueue) Push(env *message.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return message.NewError(message.PeerDisconnected, "connection is closed")
	}

	if len(q.items) >= q.capacity {
		victim := q.evictionVictim(env.Priority)
		if victim < 0 {
			return message.Errorf(message.QueueFull,
				"outbound queue full (%d) and no lower-priority item to evict", q.capacity)
		}
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}

	q.items = append(q.items, env)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// evictionVictim returns the index of the oldest item in the lowest
// priority class strictly outranked by incoming, or -1 when nothing
// queued ranks below it. Evicting an equal-priority item to admit its
// twin would be pure churn, so equals never qualify.
func (q *sendQueue) evictionVictim(incoming message.Priority) int {
	victim := -1
	for i, item := range q.items {
		if !incoming.Outranks(item.Priority) {
			continue
		}
		if victim < 0 || q.items[victim].Priority.Outranks(item.Priority) {
			victim = i
		}
	}
	return victim
}

// Pop blocks until an envelope is available or ctx/queue terminates.
func (q *sendQueue) Pop(ctx context.Context) (*message.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, message.NewError(message.PeerDisconnected, "connection is closed")
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Depth returns the number of queued envelopes.
func (q *sendQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards queued envelopes and unblocks the reader.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drained reports whether the queue is empty (used by shutdown checks).
func (q *sendQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}
