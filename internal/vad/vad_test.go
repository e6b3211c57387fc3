package vad

import (
	"testing"
	"time"
)

func TestVADThresholds(t *testing.T) {
	d := New(Config{MinStart: 2, Hangover: 3, MinRMS: 1000})

	for i := 0; i < 5; i++ {
		if d.Feed(500, time.Now()) {
			t.Fatal("onset below threshold")
		}
	}
	if d.Speaking() {
		t.Error("should not be speaking with RMS below threshold")
	}
	if d.consecSpeech != 0 {
		t.Errorf("consecSpeech should be 0, got %d", d.consecSpeech)
	}
}

func TestVADSpeechStart(t *testing.T) {
	d := New(Config{MinStart: 3, Hangover: 3, MinRMS: 1000})

	d.Feed(1500, time.Now())
	if d.Speaking() {
		t.Error("should not be speaking after just 1 frame")
	}
	d.Feed(1500, time.Now())
	if d.consecSpeech != 2 {
		t.Errorf("consecSpeech should be 2, got %d", d.consecSpeech)
	}
	if !d.Feed(1500, time.Now()) {
		t.Error("third loud frame should report an onset")
	}
	if d.Feed(1500, time.Now()) {
		t.Error("onset should be reported once")
	}
}

func TestVADSpeechEnd(t *testing.T) {
	d := New(Config{MinStart: 1, Hangover: 3, MinRMS: 1000})
	d.Feed(1500, time.Now())

	for i := 0; i < 2; i++ {
		d.Feed(500, time.Now())
	}
	if !d.Speaking() {
		t.Error("should still be speaking (hangover not reached)")
	}
	d.Feed(500, time.Now())
	if d.Speaking() {
		t.Error("should stop speaking after hangover frames")
	}
}

func TestVADGuardBlock(t *testing.T) {
	d := New(Config{MinStart: 1, Hangover: 3, MinRMS: 1000, Guard: 500 * time.Millisecond})
	now := time.Now()
	d.Arm(now)

	if d.Feed(1500, now.Add(100*time.Millisecond)) {
		t.Error("should not trigger during guard window")
	}
	if d.consecSpeech != 0 {
		t.Error("should not count speech during guard window")
	}
	if !d.Feed(1500, now.Add(600*time.Millisecond)) {
		t.Error("should trigger after guard window")
	}
}

func TestVADConsecSpeechReset(t *testing.T) {
	d := New(Config{MinStart: 3, Hangover: 3, MinRMS: 1000})

	d.Feed(1500, time.Now())
	d.Feed(1500, time.Now())
	d.Feed(500, time.Now())
	if d.consecSpeech != 0 {
		t.Errorf("consecSpeech should reset to 0, got %d", d.consecSpeech)
	}
}
