package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRemote struct {
	audio Audio
	err   error
	block bool
}

func (f *fakeRemote) Synthesize(ctx context.Context, text string) (Audio, error) {
	if f.block {
		<-ctx.Done()
		return Audio{}, ctx.Err()
	}
	return f.audio, f.err
}

// fakePlayer completes playback synchronously unless failWith is set.
type fakePlayer struct {
	mu        sync.Mutex
	plays     int
	stops     int
	rejectErr error
	failWith  error
	hold      bool
	cb        PlaybackCallbacks
}

func (f *fakePlayer) Play(audio Audio, cb PlaybackCallbacks) (func(), error) {
	f.mu.Lock()
	f.plays++
	f.cb = cb
	f.mu.Unlock()
	if f.rejectErr != nil {
		return nil, f.rejectErr
	}
	if f.failWith != nil {
		cb.OnError(f.failWith)
		return func() {}, nil
	}
	if !f.hold {
		cb.OnStart()
		cb.OnEnd()
	}
	return func() { f.mu.Lock(); f.stops++; f.mu.Unlock() }, nil
}

type fakeEngine struct {
	mu       sync.Mutex
	voices   []Voice
	spoken   []Utterance
	speakErr error
	cancels  int
}

func (f *fakeEngine) Voices() []Voice { return f.voices }

func (f *fakeEngine) Speak(u Utterance, cb PlaybackCallbacks) (func(), error) {
	f.mu.Lock()
	f.spoken = append(f.spoken, u)
	f.mu.Unlock()
	if f.speakErr != nil {
		return nil, f.speakErr
	}
	cb.OnStart()
	cb.OnEnd()
	return func() { f.mu.Lock(); f.cancels++; f.mu.Unlock() }, nil
}

type outcome struct {
	started bool
	ended   bool
	err     error
}

func speakAndWait(t *testing.T, s *Synthesizer, text string) outcome {
	t.Helper()
	var mu sync.Mutex
	var o outcome
	done := make(chan struct{})
	s.Speak(text, Callbacks{
		OnStart: func() { mu.Lock(); o.started = true; mu.Unlock() },
		OnEnd:   func() { mu.Lock(); o.ended = true; mu.Unlock(); close(done) },
		OnError: func(err error) { mu.Lock(); o.err = err; mu.Unlock(); close(done) },
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no end or error callback")
	}
	mu.Lock()
	defer mu.Unlock()
	return o
}

func TestRemotePathPreferred(t *testing.T) {
	player := &fakePlayer{}
	engine := &fakeEngine{}
	s := New(&fakeRemote{audio: Audio{Data: []byte{1}, ContentType: "audio/mpeg"}}, player, engine, DefaultConfig(), nil)

	o := speakAndWait(t, s, "hello")
	if !o.started || !o.ended || o.err != nil {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if player.plays != 1 || len(engine.spoken) != 0 {
		t.Fatalf("plays=%d local=%d", player.plays, len(engine.spoken))
	}
}

func TestUseFallbackSpeaksLocally(t *testing.T) {
	player := &fakePlayer{}
	engine := &fakeEngine{voices: []Voice{{Name: "Google US English", Lang: "en-US"}}}
	s := New(&fakeRemote{err: ErrUseFallback}, player, engine, DefaultConfig(), nil)

	o := speakAndWait(t, s, "hello")
	if !o.ended {
		t.Fatalf("expected local speech to end normally, got %+v", o)
	}
	if player.plays != 0 || len(engine.spoken) != 1 {
		t.Fatalf("plays=%d local=%d", player.plays, len(engine.spoken))
	}
	u := engine.spoken[0]
	if u.Rate != 1.0 || u.Pitch != 1.1 || u.Volume != 0.95 {
		t.Fatalf("unexpected prosody %+v", u)
	}
}

func TestRemoteTimeoutFallsBack(t *testing.T) {
	engine := &fakeEngine{}
	cfg := DefaultConfig()
	cfg.RemoteTimeout = 20 * time.Millisecond
	s := New(&fakeRemote{block: true}, &fakePlayer{}, engine, cfg, nil)

	o := speakAndWait(t, s, "hello")
	if !o.ended || len(engine.spoken) != 1 {
		t.Fatalf("expected fallback after timeout, got %+v", o)
	}
}

func TestBlockedPlaybackFallsBack(t *testing.T) {
	engine := &fakeEngine{}
	player := &fakePlayer{failWith: errors.New("autoplay blocked")}
	s := New(&fakeRemote{audio: Audio{Data: []byte{1}}}, player, engine, DefaultConfig(), nil)

	o := speakAndWait(t, s, "hello")
	if !o.ended || len(engine.spoken) != 1 {
		t.Fatalf("expected fallback after blocked playback, got %+v", o)
	}
}

func TestRejectedPlaybackFallsBack(t *testing.T) {
	engine := &fakeEngine{}
	player := &fakePlayer{rejectErr: errors.New("not allowed")}
	s := New(&fakeRemote{audio: Audio{Data: []byte{1}}}, player, engine, DefaultConfig(), nil)

	o := speakAndWait(t, s, "hello")
	if !o.ended || len(engine.spoken) != 1 {
		t.Fatalf("expected fallback after rejected playback, got %+v", o)
	}
}

func TestErrorAlwaysFiresWhenBothPathsFail(t *testing.T) {
	engine := &fakeEngine{speakErr: errors.New("engine gone")}
	s := New(&fakeRemote{err: errors.New("503")}, &fakePlayer{}, engine, DefaultConfig(), nil)

	o := speakAndWait(t, s, "hello")
	if o.err == nil || o.ended {
		t.Fatalf("expected error callback, got %+v", o)
	}
}

func TestNoEngineReportsError(t *testing.T) {
	s := New(nil, nil, nil, DefaultConfig(), nil)
	o := speakAndWait(t, s, "hello")
	if !errors.Is(o.err, ErrNoEngine) {
		t.Fatalf("expected ErrNoEngine, got %+v", o)
	}
}

func TestCancelIsIdempotentAndSilences(t *testing.T) {
	player := &fakePlayer{hold: true}
	s := New(&fakeRemote{audio: Audio{Data: []byte{1}}}, player, &fakeEngine{}, DefaultConfig(), nil)

	fired := make(chan string, 4)
	cancel := s.Speak("hello", Callbacks{
		OnEnd:   func() { fired <- "end" },
		OnError: func(error) { fired <- "error" },
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		player.mu.Lock()
		plays := player.plays
		player.mu.Unlock()
		if plays == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("player never invoked")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	cancel()

	deadline = time.Now().Add(2 * time.Second)
	for {
		player.mu.Lock()
		stops := player.stops
		player.mu.Unlock()
		if stops == 1 {
			break
		}
		if stops > 1 || time.Now().After(deadline) {
			t.Fatalf("expected exactly one stop, got %d", stops)
		}
		time.Sleep(time.Millisecond)
	}
	player.mu.Lock()
	cb := player.cb
	player.mu.Unlock()
	cb.OnEnd()
	select {
	case ev := <-fired:
		t.Fatalf("callback %q fired after cancel", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSelectVoicePreferenceOrder(t *testing.T) {
	voices := []Voice{
		{Name: "Microsoft David", Lang: "en-US"},
		{Name: "Samantha", Lang: "en-US"},
		{Name: "Thomas", Lang: "fr-FR"},
		{Name: "Daniel", Lang: "en-GB"},
	}
	if v := SelectVoice(voices, "thomas", "en-US"); v == nil || v.Name != "Thomas" {
		t.Fatalf("explicit name should win, got %+v", v)
	}
	if v := SelectVoice(voices, "", "en-US"); v == nil || v.Name != "Samantha" {
		t.Fatalf("expected female en-US voice, got %+v", v)
	}
	if v := SelectVoice(voices, "", "fr-CA"); v == nil || v.Name != "Thomas" {
		t.Fatalf("expected language-prefix match, got %+v", v)
	}
	if v := SelectVoice([]Voice{{Name: "Microsoft David", Lang: "en-US"}, {Name: "Fred", Lang: "en-US"}}, "", "en-US"); v == nil || v.Name != "Fred" {
		t.Fatalf("expected non-male voice, got %+v", v)
	}
	if v := SelectVoice(nil, "", "en-US"); v != nil {
		t.Fatalf("expected nil with no voices")
	}
}
