package connection

import (
	"sync"

	"github.com/livecalc/streamlink/internal/wire"
)

// sendQueue is a fixed-capacity ring buffer of outbound envelopes. When a
// push arrives at capacity the oldest entry is dropped; insertion order is
// otherwise preserved.
type sendQueue struct {
	mu       sync.Mutex
	buf      []wire.Envelope
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	// Stats
	totalPushed  int64
	totalDropped int64
}

// newSendQueue creates a queue with the given capacity.
func newSendQueue(capacity int) *sendQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &sendQueue{
		buf:      make([]wire.Envelope, capacity),
		capacity: capacity,
	}
}

// Push appends an envelope, dropping the oldest entry when full.
// Returns true when an entry was dropped to make room.
func (q *sendQueue) Push(env wire.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.count == q.capacity {
		// Overwrite the oldest entry
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.totalDropped++
		dropped = true
	}

	q.buf[q.tail] = env
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalPushed++

	return dropped
}

// Drain removes and returns all queued envelopes in insertion order.
func (q *sendQueue) Drain() []wire.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	result := make([]wire.Envelope, q.count)
	for i := range result {
		result[i] = q.buf[q.head]
		q.buf[q.head] = wire.Envelope{} // clear reference for GC
		q.head = (q.head + 1) % q.capacity
	}
	q.count = 0

	return result
}

// Len returns the current number of queued envelopes.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the number of envelopes dropped at capacity.
func (q *sendQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalDropped
}
