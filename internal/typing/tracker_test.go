package typing

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(timeout time.Duration) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewTracker(Config{Timeout: timeout, Now: clock.Now}), clock
}

func TestStartStop(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Second)

	if tr.State("c1", "bob") != Idle {
		t.Fatal("initial state should be Idle")
	}

	tr.Start("c1", "bob", "Bob")
	if tr.State("c1", "bob") != Typing {
		t.Fatal("expected Typing after Start")
	}

	tr.Stop("c1", "bob")
	if tr.State("c1", "bob") != Idle {
		t.Fatal("expected Idle after Stop")
	}
	if tr.Len() != 0 {
		t.Fatalf("expected no entries, got %d", tr.Len())
	}
}

func TestExpiry(t *testing.T) {
	tr, clock := newTestTracker(5 * time.Second)

	var changes []Change
	tr.Subscribe(func(c Change) { changes = append(changes, c) })

	tr.Start("c1", "bob", "Bob")
	clock.Advance(4 * time.Second)
	if n := tr.Sweep(); n != 0 {
		t.Fatalf("swept %d entries before the timeout", n)
	}
	if tr.State("c1", "bob") != Typing {
		t.Fatal("entry expired early")
	}

	clock.Advance(time.Second)
	if n := tr.Sweep(); n != 1 {
		t.Fatalf("expected 1 expired entry, got %d", n)
	}
	if tr.State("c1", "bob") != Idle {
		t.Fatal("expected Idle after expiry")
	}

	if len(changes) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %+v", len(changes), changes)
	}
	if changes[0].State != Typing || changes[1].State != Idle || !changes[1].Expired {
		t.Errorf("unexpected transitions: %+v", changes)
	}
}

func TestRefreshExtendsExpiry(t *testing.T) {
	tr, clock := newTestTracker(5 * time.Second)

	tr.Start("c1", "bob", "Bob")
	clock.Advance(4 * time.Second)
	tr.Start("c1", "bob", "Bob")
	clock.Advance(4 * time.Second)

	if n := tr.Sweep(); n != 0 {
		t.Fatalf("refreshed entry should survive, swept %d", n)
	}
	clock.Advance(time.Second)
	if n := tr.Sweep(); n != 1 {
		t.Fatalf("expected expiry 5s after last refresh, swept %d", n)
	}
}

func TestRefreshDoesNotRenotify(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Second)
	count := 0
	tr.Subscribe(func(Change) { count++ })

	tr.Start("c1", "bob", "Bob")
	tr.Start("c1", "bob", "Bob")
	tr.Start("c1", "bob", "")

	if count != 1 {
		t.Fatalf("expected a single Idle->Typing notification, got %d", count)
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Second)
	count := 0
	tr.Subscribe(func(Change) { count++ })

	tr.Stop("c1", "bob")
	if count != 0 {
		t.Fatalf("stopping an idle pair notified %d times", count)
	}
}

func TestPairsAreIndependent(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Second)

	tr.Start("c1", "bob", "Bob")
	tr.Start("c1", "carol", "Carol")
	tr.Start("c2", "bob", "Bob")

	tr.Stop("c1", "bob")

	if tr.State("c1", "carol") != Typing || tr.State("c2", "bob") != Typing {
		t.Fatal("stopping one pair affected another")
	}

	got := tr.Typing("c1")
	if len(got) != 1 || got[0].PeerID != "carol" {
		t.Fatalf("Typing(c1) = %+v", got)
	}
}

func TestTypingOrderedBySince(t *testing.T) {
	tr, clock := newTestTracker(time.Minute)

	tr.Start("g1", "carol", "Carol")
	clock.Advance(time.Second)
	tr.Start("g1", "bob", "Bob")
	clock.Advance(time.Second)
	tr.Start("g1", "carol", "Carol") // refresh keeps original position

	got := tr.Typing("g1")
	if len(got) != 2 || got[0].PeerID != "carol" || got[1].PeerID != "bob" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestClear(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Second)
	var idle int
	tr.Subscribe(func(c Change) {
		if c.State == Idle {
			idle++
		}
	})

	tr.Start("c1", "bob", "Bob")
	tr.Start("c2", "carol", "Carol")
	tr.Clear()

	if tr.Len() != 0 {
		t.Fatalf("expected empty tracker, got %d", tr.Len())
	}
	if idle != 2 {
		t.Fatalf("expected 2 idle notifications, got %d", idle)
	}
}

func TestUnsubscribe(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Second)
	count := 0
	unsub := tr.Subscribe(func(Change) { count++ })

	tr.Start("c1", "bob", "Bob")
	unsub()
	tr.Stop("c1", "bob")

	if count != 1 {
		t.Fatalf("expected 1 notification before unsubscribe, got %d", count)
	}
}
