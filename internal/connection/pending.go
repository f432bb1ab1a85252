package connection

import (
	"sync"
	"time"

	"github.com/livecalc/streamlink/internal/wire"
)

// pendingTable matches correlated replies to waiting callers. Ack, health
// check, and latency requests all share the one table; each entry resolves
// exactly once (reply, timeout, or connection-loss cancellation) and its
// channel is buffered so resolution never blocks.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

type pendingEntry struct {
	ch    chan AckResult
	timer *time.Timer
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[string]*pendingEntry),
	}
}

// Register creates a pending request for the given correlation id. The
// returned channel receives exactly one result: the matching reply, or
// ErrTimeout after the timeout elapses.
func (t *pendingTable) Register(id string, timeout time.Duration) <-chan AckResult {
	entry := &pendingEntry{
		ch: make(chan AckResult, 1),
	}

	// Arm the timer under the lock so an immediate expiry cannot observe a
	// half-registered entry.
	t.mu.Lock()
	entry.timer = time.AfterFunc(timeout, func() {
		t.fail(id, ErrTimeout)
	})
	t.entries[id] = entry
	t.mu.Unlock()

	return entry.ch
}

// Resolve completes the pending request matching the reply's correlation id.
// Returns false when no such request is waiting (late or unknown reply).
func (t *pendingTable) Resolve(reply wire.Envelope) bool {
	id := reply.CorrelationID()
	if id == "" {
		return false
	}

	entry := t.remove(id)
	if entry == nil {
		return false
	}

	entry.ch <- AckResult{Reply: reply}
	return true
}

// FailAll rejects every pending request with the given error. Used on
// disconnect and connection loss so no caller waits past the connection.
func (t *pendingTable) FailAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()

	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.ch <- AckResult{Err: err}
	}
}

// Len returns the number of outstanding requests.
func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// fail rejects a single pending request.
func (t *pendingTable) fail(id string, err error) {
	entry := t.remove(id)
	if entry == nil {
		return
	}
	entry.ch <- AckResult{Err: err}
}

// remove detaches an entry so it can be resolved exactly once.
func (t *pendingTable) remove(id string) *pendingEntry {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}
