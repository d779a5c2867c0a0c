package exchange

import (
	"sync"
	"time"
)

// retransmitEntry is one in-flight reliable message. The encrypted
// bytes are retransmitted verbatim, counter included, until the peer
// acknowledges them or MaxTransmissions is reached.
type retransmitEntry struct {
	key     key
	counter uint32
	data    []byte
	sends   int
	timer   *time.Timer
}

// retransmitTable tracks at most one in-flight reliable message per
// exchange: the layer refuses new sends while one is pending
// (Spec Section 4.12.3).
type retransmitTable struct {
	mu      sync.Mutex
	entries map[key]*retransmitEntry
}

func newRetransmitTable() *retransmitTable {
	return &retransmitTable{entries: make(map[key]*retransmitEntry)}
}

// Track registers a just-sent reliable message.
func (t *retransmitTable) Track(k key, counter uint32, data []byte) (*retransmitEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[k]; ok {
		return nil, ErrReliablePending
	}
	entry := &retransmitEntry{key: k, counter: counter, data: data, sends: 1}
	t.entries[k] = entry
	return entry, nil
}

// Ack stops retransmission if counter matches the in-flight message on
// k. It reports whether an entry was cleared.
func (t *retransmitTable) Ack(k key, counter uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[k]
	if !ok || entry.counter != counter {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(t.entries, k)
	return true
}

// Remove drops the in-flight entry for k, if any.
func (t *retransmitTable) Remove(k key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[k]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(t.entries, k)
	}
}

// Status returns the entry's send count and whether it is still the
// tracked message for its exchange. Timer callbacks use this to detect
// a racing ack.
func (t *retransmitTable) Status(entry *retransmitEntry) (sends int, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return entry.sends, t.entries[entry.key] == entry
}

// Bump counts one more transmission of the entry.
func (t *retransmitTable) Bump(entry *retransmitEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.sends++
}

// Arm starts the entry's retransmission timer, unless the entry was
// already acknowledged.
func (t *retransmitTable) Arm(entry *retransmitEntry, delay time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[entry.key] != entry {
		return
	}
	entry.timer = time.AfterFunc(delay, fire)
}

// Pending reports whether k has an in-flight reliable message.
func (t *retransmitTable) Pending(k key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[k]
	return ok
}
