package wire

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// TxCounter is a monotonically increasing outbound message counter.
// Safe for concurrent use.
type TxCounter struct {
	mu    sync.Mutex
	value uint32
}

// NewTxCounter creates a counter initialized to a random value in
// [1, 2^28] per Spec 4.6.1.1.
func NewTxCounter() *TxCounter {
	return &TxCounter{value: randomCounterInit()}
}

// NewTxCounterAt creates a counter with a fixed initial value, for
// tests and restored state.
func NewTxCounterAt(initial uint32) *TxCounter {
	return &TxCounter{value: initial}
}

// Next returns the current value and advances the counter.
func (c *TxCounter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.value
	c.value++
	return v, nil
}

// Current returns the current value without advancing.
func (c *TxCounter) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// randomCounterInit returns Crypto_DRBG(28 bits) + 1, range [1, 2^28].
func randomCounterInit() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return (binary.LittleEndian.Uint32(buf[:]) & (CounterInitMax - 1)) + 1
}

// GlobalCounter numbers unsecured (and group control) messages. It is
// shared across sessions and allowed to roll over.
type GlobalCounter struct {
	*TxCounter
}

// NewGlobalCounter creates a global counter with random initialization.
func NewGlobalCounter() *GlobalCounter {
	return &GlobalCounter{TxCounter: NewTxCounter()}
}

// SessionCounter numbers messages under one session key. A session
// counter must never repeat a value for the same key: once it wraps,
// the session is dead and Next returns ErrCounterExhausted forever.
type SessionCounter struct {
	*TxCounter
	exhausted bool
}

// NewSessionCounter creates a session counter with random
// initialization.
func NewSessionCounter() *SessionCounter {
	return &SessionCounter{TxCounter: NewTxCounter()}
}

// NewSessionCounterAt creates a session counter with a fixed initial
// value, for tests.
func NewSessionCounterAt(initial uint32) *SessionCounter {
	return &SessionCounter{TxCounter: NewTxCounterAt(initial)}
}

// Next returns the next counter value, or ErrCounterExhausted once the
// counter has wrapped.
func (c *SessionCounter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exhausted {
		return 0, ErrCounterExhausted
	}
	v := c.value
	c.value++
	if c.value == 0 {
		c.exhausted = true
	}
	return v, nil
}

// Exhausted reports whether the counter has wrapped.
func (c *SessionCounter) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// ReplayWindow is the sliding bitmap filter for incoming message
// counters (Spec Section 4.6.5). It tracks the largest counter seen and
// a 32-bit window of the counters just below it.
type ReplayWindow struct {
	mu     sync.Mutex
	max    uint32
	bitmap uint32
	primed bool
}

// NewReplayWindow creates an empty window that accepts any first
// counter.
func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{}
}

// NewReplayWindowAt creates a window synchronized to a known peer
// counter. Everything at or below it is treated as already seen.
func NewReplayWindowAt(max uint32) *ReplayWindow {
	return &ReplayWindow{max: max, bitmap: 0xFFFFFFFF, primed: true}
}

// Admit checks an encrypted message counter and records it, returning
// true when the message is new. rollover selects the group-session
// policy (signed 31-bit distance, Spec 4.6.5.2.2) instead of the strict
// unicast policy (Spec 4.6.5.2.1).
func (w *ReplayWindow) Admit(counter uint32, rollover bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.primed {
		w.prime(counter)
		return true
	}
	if rollover {
		return w.admitSigned(counter, false)
	}
	return w.admitStrict(counter)
}

// AdmitUnencrypted applies the relaxed policy for unencrypted messages
// (Spec 4.6.5.3): duplicates inside the window are rejected, but
// counters behind the window are accepted since the peer may have
// rebooted and reset its counter.
func (w *ReplayWindow) AdmitUnencrypted(counter uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.primed {
		w.prime(counter)
		return true
	}
	return w.admitSigned(counter, true)
}

// MaxCounter returns the largest counter admitted so far.
func (w *ReplayWindow) MaxCounter() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max
}

func (w *ReplayWindow) prime(counter uint32) {
	w.max = counter
	w.bitmap = 0
	w.primed = true
}

// admitStrict never treats the counter space as circular: anything at
// or below max outside the window is a replay.
func (w *ReplayWindow) admitStrict(counter uint32) bool {
	if counter > w.max {
		w.advance(counter)
		return true
	}
	if counter == w.max {
		return false
	}
	behind := w.max - counter
	if behind <= CounterWindowSize {
		return w.markSeen(behind - 1)
	}
	return false
}

// admitSigned compares counters with wraparound-aware signed distance.
// acceptBehind admits counters beyond the window (unencrypted policy).
func (w *ReplayWindow) admitSigned(counter uint32, acceptBehind bool) bool {
	diff := int32(counter - w.max)
	switch {
	case diff > 0:
		w.advance(counter)
		return true
	case diff == 0:
		return false
	}
	behind := uint32(-diff)
	if behind <= CounterWindowSize {
		return w.markSeen(behind - 1)
	}
	if acceptBehind {
		// The peer likely rebooted and restarted its counter;
		// resynchronize the window to the new sequence.
		w.prime(counter)
		return true
	}
	return false
}

// markSeen records the window bit at offset, returning false if it was
// already set.
func (w *ReplayWindow) markSeen(offset uint32) bool {
	mask := uint32(1) << offset
	if w.bitmap&mask != 0 {
		return false
	}
	w.bitmap |= mask
	return true
}

// advance slides the window up to a new maximum. The caller has already
// established that newMax is ahead under its comparison policy.
func (w *ReplayWindow) advance(newMax uint32) {
	shift := newMax - w.max
	if shift > CounterWindowSize {
		w.bitmap = 0
	} else {
		w.bitmap = w.bitmap<<shift | 1<<(shift-1)
	}
	w.max = newMax
}
