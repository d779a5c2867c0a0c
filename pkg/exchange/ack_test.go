package exchange

import (
	"testing"
	"time"
)

var testKey = key{localSessionID: 7, exchangeID: 42, role: RoleResponder}

func TestAckTablePiggyback(t *testing.T) {
	table := newAckTable(time.Hour)

	if _, ok := table.Piggyback(testKey); ok {
		t.Fatal("empty table returned a pending ack")
	}

	table.Schedule(testKey, 100, func(uint32) { t.Error("timer fired with hour-long timeout") })
	if counter, ok := table.Pending(testKey); !ok || counter != 100 {
		t.Fatalf("Pending() = (%d, %v), want (100, true)", counter, ok)
	}

	counter, ok := table.Piggyback(testKey)
	if !ok || counter != 100 {
		t.Fatalf("Piggyback() = (%d, %v), want (100, true)", counter, ok)
	}
	if _, ok := table.Piggyback(testKey); ok {
		t.Fatal("piggybacked ack still pending")
	}
}

func TestAckTableDisplacement(t *testing.T) {
	table := newAckTable(time.Hour)

	table.Schedule(testKey, 1, func(uint32) {})
	displaced, flush := table.Schedule(testKey, 2, func(uint32) {})
	if !flush || displaced != 1 {
		t.Fatalf("Schedule() displacement = (%d, %v), want (1, true)", displaced, flush)
	}

	// Re-scheduling the same counter is not a displacement.
	if _, flush := table.Schedule(testKey, 2, func(uint32) {}); flush {
		t.Fatal("same-counter reschedule reported displacement")
	}
}

func TestAckTableStandaloneFire(t *testing.T) {
	table := newAckTable(5 * time.Millisecond)

	fired := make(chan uint32, 1)
	table.Schedule(testKey, 33, func(c uint32) { fired <- c })

	select {
	case c := <-fired:
		if c != 33 {
			t.Fatalf("fired counter = %d, want 33", c)
		}
	case <-time.After(time.Second):
		t.Fatal("standalone ack timer never fired")
	}

	// The entry survives so duplicates can be re-acked, and a sent
	// standalone ack no longer counts as displaced.
	if _, ok := table.Pending(testKey); !ok {
		t.Fatal("entry dropped after standalone send")
	}
	if _, flush := table.Schedule(testKey, 34, func(uint32) {}); flush {
		t.Fatal("already-sent ack reported as displaced")
	}
}

func TestAckTableRemove(t *testing.T) {
	table := newAckTable(time.Hour)
	table.Schedule(testKey, 9, func(uint32) {})
	table.Remove(testKey)
	if _, ok := table.Pending(testKey); ok {
		t.Fatal("removed entry still pending")
	}
}
