package utterance

import (
	"testing"
	"time"

	"serenity/companion/internal/clock/clocktest"
)

type recorder struct {
	ready   []string
	dropped []string
}

func newDebouncer(t *testing.T, cfg Config) (*Debouncer, *clocktest.Manual, *recorder) {
	t.Helper()
	rec := &recorder{}
	clk := clocktest.New(time.Unix(1000, 0))
	cfg.OnReady = func(text string) { rec.ready = append(rec.ready, text) }
	cfg.OnDrop = func(text, reason string) { rec.dropped = append(rec.dropped, reason) }
	return New(cfg, clk), clk, rec
}

func TestFinalFragmentsMergeIntoOneUtterance(t *testing.T) {
	d, clk, rec := newDebouncer(t, Config{Window: 500 * time.Millisecond, MinLength: 2})

	d.Feed("I feel", true)
	clk.Advance(300 * time.Millisecond)
	d.Feed("sad today", true)
	clk.Advance(300 * time.Millisecond)
	if len(rec.ready) != 0 {
		t.Fatalf("emitted before window elapsed: %v", rec.ready)
	}
	clk.Advance(300 * time.Millisecond)

	if len(rec.ready) != 1 || rec.ready[0] != "I feel sad today" {
		t.Fatalf("expected one merged utterance, got %v", rec.ready)
	}
	if d.Pending() {
		t.Fatalf("accumulator should reset after emission")
	}
}

func TestInterimDoesNotArmTimer(t *testing.T) {
	d, clk, rec := newDebouncer(t, Config{Window: 500 * time.Millisecond})

	d.Feed("hello there", false)
	if got := d.Transcript(); got != "hello there" {
		t.Fatalf("transcript = %q", got)
	}
	clk.Advance(2 * time.Second)
	if len(rec.ready) != 0 {
		t.Fatalf("interim fragment must not be emitted: %v", rec.ready)
	}
}

func TestShortUtteranceDropped(t *testing.T) {
	d, clk, rec := newDebouncer(t, Config{Window: 500 * time.Millisecond, MinLength: 2})

	d.Feed("a", true)
	clk.Advance(time.Second)

	if len(rec.ready) != 0 {
		t.Fatalf("short utterance emitted: %v", rec.ready)
	}
	if len(rec.dropped) != 1 || rec.dropped[0] != DropTooShort {
		t.Fatalf("expected too_short drop, got %v", rec.dropped)
	}
}

func TestDuplicateDroppedWithinWindow(t *testing.T) {
	d, clk, rec := newDebouncer(t, Config{Window: 500 * time.Millisecond, MinLength: 2, DuplicateWindow: 5 * time.Second})

	d.Feed("thank you", true)
	clk.Advance(time.Second)
	d.Feed("Thank you", true)
	clk.Advance(time.Second)

	if len(rec.ready) != 1 {
		t.Fatalf("expected duplicate to be dropped, got %v", rec.ready)
	}
	if len(rec.dropped) != 1 || rec.dropped[0] != DropDuplicate {
		t.Fatalf("expected duplicate drop, got %v", rec.dropped)
	}

	clk.Advance(10 * time.Second)
	d.Feed("thank you", true)
	clk.Advance(time.Second)
	if len(rec.ready) != 2 {
		t.Fatalf("repeat after duplicate window should be emitted, got %v", rec.ready)
	}
}

func TestCancelDiscardsPending(t *testing.T) {
	d, clk, rec := newDebouncer(t, Config{Window: 500 * time.Millisecond})

	d.Feed("never sent", true)
	d.Cancel()
	clk.Advance(time.Second)

	if len(rec.ready) != 0 {
		t.Fatalf("cancelled utterance emitted: %v", rec.ready)
	}
	if clk.Pending() != 0 {
		t.Fatalf("timer still pending after Cancel")
	}
}

func TestWhitespaceCollapsed(t *testing.T) {
	d, clk, rec := newDebouncer(t, Config{Window: 500 * time.Millisecond})

	d.Feed("  went   for ", true)
	d.Feed(" a walk", true)
	clk.Advance(time.Second)

	if len(rec.ready) != 1 || rec.ready[0] != "went for a walk" {
		t.Fatalf("got %v", rec.ready)
	}
}
