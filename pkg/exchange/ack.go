package exchange

import (
	"sync"
	"time"
)

// ackEntry is one acknowledgement owed to a peer. The timer fires
// StandaloneAckTimeout after the reliable message arrived; an outbound
// message before then carries the ack instead.
type ackEntry struct {
	counter        uint32
	standaloneSent bool
	timer          *time.Timer
}

// ackTable tracks at most one pending acknowledgement per exchange
// (Spec Section 4.12.3).
type ackTable struct {
	mu      sync.Mutex
	entries map[key]*ackEntry
	timeout time.Duration
}

func newAckTable(timeout time.Duration) *ackTable {
	if timeout <= 0 {
		timeout = StandaloneAckTimeout
	}
	return &ackTable{
		entries: make(map[key]*ackEntry),
		timeout: timeout,
	}
}

// Schedule records that counter must be acknowledged on exchange k,
// invoking fire if no outbound message carries the ack in time. When a
// second reliable message arrives before the first was acknowledged,
// the displaced counter is returned and must be acknowledged
// immediately (Spec Section 4.12.5.2.2).
func (t *ackTable) Schedule(k key, counter uint32, fire func(counter uint32)) (displaced uint32, mustFlush bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.entries[k]; ok {
		prev.timer.Stop()
		if !prev.standaloneSent && prev.counter != counter {
			displaced, mustFlush = prev.counter, true
		}
	}

	entry := &ackEntry{counter: counter}
	entry.timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		cur, ok := t.entries[k]
		if !ok || cur != entry {
			t.mu.Unlock()
			return
		}
		// Keep the entry: a duplicate arriving later still needs an
		// immediate ack, and a future outbound message may repeat it.
		cur.standaloneSent = true
		t.mu.Unlock()
		fire(counter)
	})
	t.entries[k] = entry
	return displaced, mustFlush
}

// Piggyback removes and returns the pending ack for k, if any, for
// inclusion in an outbound message.
func (t *ackTable) Piggyback(k key) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[k]
	if !ok {
		return 0, false
	}
	entry.timer.Stop()
	delete(t.entries, k)
	return entry.counter, true
}

// Remove drops any pending ack for k without sending it.
func (t *ackTable) Remove(k key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[k]; ok {
		entry.timer.Stop()
		delete(t.entries, k)
	}
}

// Pending reports the counter awaiting acknowledgement on k.
func (t *ackTable) Pending(k key) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[k]
	if !ok {
		return 0, false
	}
	return entry.counter, true
}
