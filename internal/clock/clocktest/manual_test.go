package clocktest

import (
	"testing"
	"time"
)

func TestAdvanceFiresInOrder(t *testing.T) {
	m := New(time.Unix(0, 0))
	var got []int
	m.AfterFunc(200*time.Millisecond, func() { got = append(got, 2) })
	m.AfterFunc(100*time.Millisecond, func() { got = append(got, 1) })
	m.Advance(150 * time.Millisecond)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}
	m.Advance(100 * time.Millisecond)
	if len(got) != 2 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestStoppedTimerDoesNotFire(t *testing.T) {
	m := New(time.Unix(0, 0))
	fired := false
	tm := m.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("expected Stop to report true")
	}
	m.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if tm.Stop() {
		t.Fatalf("second Stop should report false")
	}
}

func TestChainedTimersWithinAdvance(t *testing.T) {
	m := New(time.Unix(0, 0))
	n := 0
	m.AfterFunc(100*time.Millisecond, func() {
		n++
		m.AfterFunc(100*time.Millisecond, func() { n++ })
	})
	m.Advance(250 * time.Millisecond)
	if n != 2 {
		t.Fatalf("expected both timers to fire, got %d", n)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}
