package call

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"serenity/companion/internal/clock/clocktest"
	"serenity/companion/internal/floor"
	"serenity/companion/internal/recognition"
	"serenity/companion/internal/speech"
)

type fakeRecognizer struct {
	h *harness
}

func (f *fakeRecognizer) Start() error { f.h.record("rec.start"); return nil }
func (f *fakeRecognizer) Stop()        { f.h.record("rec.stop") }
func (f *fakeRecognizer) Abort()       { f.h.record("rec.abort") }

type spoken struct {
	text     string
	cb       speech.Callbacks
	canceled bool
}

type fakeSpeaker struct {
	h     *harness
	calls []*spoken
}

func (f *fakeSpeaker) Speak(text string, cb speech.Callbacks) speech.CancelFunc {
	f.h.record("speak:" + text)
	s := &spoken{text: text, cb: cb}
	f.calls = append(f.calls, s)
	return func() {
		if !s.canceled {
			s.canceled = true
			f.h.record("speak.cancel")
		}
	}
}

// finish reports the end of the n-th utterance.
func (f *fakeSpeaker) finish(n int) {
	f.calls[n].cb.OnStart()
	f.calls[n].cb.OnEnd()
}

type fakeConversation struct {
	h      *harness
	sent   []string
	clears int
	reply  func(text string) string
	listed []Message
}

func (f *fakeConversation) List(ctx context.Context, key string) ([]Message, error) {
	return f.listed, nil
}

func (f *fakeConversation) Send(ctx context.Context, key, text string) (AssistantMessage, error) {
	f.sent = append(f.sent, text)
	f.h.record("send:" + text)
	reply := "Tell me more about that."
	if f.reply != nil {
		reply = f.reply(text)
	}
	return AssistantMessage{ID: fmt.Sprintf("m%d", len(f.sent)), Text: reply}, nil
}

func (f *fakeConversation) Clear(ctx context.Context, key string) error {
	f.clears++
	f.h.record("clear")
	return nil
}

type harness struct {
	t     *testing.T
	clk   *clocktest.Manual
	spk   *fakeSpeaker
	conv  *fakeConversation
	o     *Orchestrator
	log   []string
	ended int

	deferAsync bool
	async      []func()
}

func (h *harness) record(s string) { h.log = append(h.log, s) }

func (h *harness) count(s string) int {
	n := 0
	for _, e := range h.log {
		if e == s {
			n++
		}
	}
	return n
}

// index returns the position of the first log entry with the given prefix.
func (h *harness) index(prefix string) int {
	for i, e := range h.log {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

func (h *harness) runAsync() {
	fns := h.async
	h.async = nil
	for _, fn := range fns {
		fn()
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, clk: clocktest.New(time.Unix(1_700_000_000, 0))}
	h.spk = &fakeSpeaker{h: h}
	h.conv = &fakeConversation{h: h}
	cfg := DefaultConfig()
	cfg.SessionKey = "call:test-device"
	cfg.Greeting = ""
	if mutate != nil {
		mutate(&cfg)
	}
	h.o = New(cfg, Deps{
		Recognizer:   &fakeRecognizer{h: h},
		Speaker:      h.spk,
		Conversation: h.conv,
		Clock:        h.clk,
		Async: func(fn func()) {
			if h.deferAsync {
				h.async = append(h.async, fn)
				return
			}
			fn()
		},
		OnEnded: func() { h.ended++ },
	})
	return h
}

// connect starts the call and reports the first recognition session.
func (h *harness) connect() {
	h.o.Start()
	h.o.HandleRecognitionStarted()
	if got := h.o.Snapshot().State; got != StateListening {
		h.t.Fatalf("state after connect = %s, want listening", got)
	}
}

// say feeds a final fragment and waits out the debounce window.
func (h *harness) say(text string) {
	h.o.HandleFinal(text)
	h.clk.Advance(500 * time.Millisecond)
}

func TestStartClearsHistoryAndListens(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	snap := h.o.Snapshot()
	if h.conv.clears != 1 {
		t.Fatalf("clears = %d, want 1", h.conv.clears)
	}
	if snap.CallStatus != "Connected" || !snap.IsListening || !snap.IsSpeakerOn {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGreetingSentAfterClear(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Greeting = "Hi, I'd like to talk" })
	h.connect()
	h.clk.Advance(799 * time.Millisecond)
	if len(h.conv.sent) != 0 {
		t.Fatalf("greeting sent early: %v", h.conv.sent)
	}
	h.clk.Advance(time.Millisecond)
	if len(h.conv.sent) != 1 || h.conv.sent[0] != "Hi, I'd like to talk" {
		t.Fatalf("sent = %v", h.conv.sent)
	}
	if h.index("clear") > h.index("send:") {
		t.Fatalf("greeting sent before clear: %v", h.log)
	}
}

func TestFragmentsMergeIntoOneUtterance(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleFinal("I feel")
	h.clk.Advance(300 * time.Millisecond)
	h.o.HandleFinal("sad today")
	h.clk.Advance(499 * time.Millisecond)
	if len(h.conv.sent) != 0 {
		t.Fatalf("sent before window elapsed: %v", h.conv.sent)
	}
	h.clk.Advance(time.Millisecond)
	if len(h.conv.sent) != 1 || h.conv.sent[0] != "I feel sad today" {
		t.Fatalf("sent = %v", h.conv.sent)
	}
	if h.o.Snapshot().Transcript != "" {
		t.Fatalf("transcript not cleared: %q", h.o.Snapshot().Transcript)
	}
}

func TestRecognitionAbortedBeforeSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.say("I can't sleep at night")
	abort, speak := h.index("rec.abort"), h.index("speak:")
	if abort < 0 || speak < 0 || abort > speak {
		t.Fatalf("log = %v, want rec.abort before speak", h.log)
	}
	snap := h.o.Snapshot()
	if snap.State != StateSpeaking || snap.MicState != floor.MicSuppressed || snap.SpeakState != floor.SpeakSpeaking {
		t.Fatalf("snapshot while speaking = %+v", snap)
	}
	if snap.IsListening {
		t.Fatal("listening while speaking")
	}
}

func TestNoRestartWhileSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.say("I can't sleep at night")
	starts := h.count("rec.start")
	h.o.HandleRecognitionEnded()
	h.clk.Advance(10 * time.Second)
	if got := h.count("rec.start"); got != starts {
		t.Fatalf("recognition restarted while speaking: %v", h.log)
	}

	h.spk.finish(0)
	if h.o.Snapshot().State != StateListening {
		t.Fatalf("state = %s, want listening", h.o.Snapshot().State)
	}
	h.clk.Advance(499 * time.Millisecond)
	if got := h.count("rec.start"); got != starts {
		t.Fatal("resumed before delay")
	}
	h.clk.Advance(time.Millisecond)
	if got := h.count("rec.start"); got != starts+1 {
		t.Fatalf("rec.start = %d, want %d", got, starts+1)
	}
}

func TestPlatformStartWhileSpeakingIsAborted(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.say("I can't sleep at night")
	aborts := h.count("rec.abort")
	h.o.HandleRecognitionEnded()
	h.o.HandleRecognitionStarted()
	if got := h.count("rec.abort"); got != aborts+1 {
		t.Fatalf("rec.abort = %d, want %d", got, aborts+1)
	}
	if h.o.Snapshot().MicState != floor.MicSuppressed {
		t.Fatalf("mic = %s, want suppressed", h.o.Snapshot().MicState)
	}
}

func TestRepliesPlayInOrderOneAtATime(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	for _, id := range []string{"a", "b", "c"} {
		h.o.HandleAssistantMessage(AssistantMessage{ID: id, Text: "reply " + id})
	}
	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "reply a"})
	if len(h.spk.calls) != 1 {
		t.Fatalf("speak calls = %d, want 1", len(h.spk.calls))
	}
	starts := h.count("rec.start")
	for i := 0; i < 3; i++ {
		h.spk.finish(i)
		h.clk.Advance(300 * time.Millisecond)
		if i < 2 {
			if len(h.spk.calls) != i+2 {
				t.Fatalf("after finishing %d: speak calls = %d", i, len(h.spk.calls))
			}
			if h.o.Snapshot().SpeakState != floor.SpeakSpeaking {
				t.Fatal("floor released between queued replies")
			}
		}
	}
	var texts []string
	for _, c := range h.spk.calls {
		texts = append(texts, c.text)
	}
	if strings.Join(texts, ",") != "reply a,reply b,reply c" {
		t.Fatalf("spoken = %v", texts)
	}
	if got := h.count("rec.start"); got != starts {
		t.Fatal("recognition restarted between queued replies")
	}
	h.clk.Advance(200 * time.Millisecond)
	if got := h.count("rec.start"); got != starts+1 {
		t.Fatalf("rec.start = %d, want %d", got, starts+1)
	}
}

func TestBargeInByRecognition(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "first"})
	h.o.HandleAssistantMessage(AssistantMessage{ID: "b", Text: "second"})
	h.o.HandleRecognitionEnded()

	h.o.HandleInterim("wait")
	if !h.spk.calls[0].canceled {
		t.Fatal("speech not canceled on barge-in")
	}
	snap := h.o.Snapshot()
	if snap.State != StateListening || snap.MicState != floor.MicListening {
		t.Fatalf("snapshot after barge-in = %+v", snap)
	}

	h.spk.calls[0].cb.OnEnd()
	h.clk.Advance(2 * time.Second)
	if len(h.spk.calls) != 1 {
		t.Fatalf("queued reply spoken after barge-in: %d calls", len(h.spk.calls))
	}
}

func TestResultsOfAbortedSessionDoNotBargeIn(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "first"})
	h.o.HandleFinal("first")
	if h.spk.calls[0].canceled {
		t.Fatal("result from aborted session interrupted speech")
	}
}

func TestBargeInByVoiceActivity(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "first"})
	h.o.HandleRecognitionEnded()
	starts := h.count("rec.start")

	for i := 0; i < 5; i++ {
		h.o.HandleAudioLevel(0.3)
	}
	if h.spk.calls[0].canceled {
		t.Fatal("onset inside guard window interrupted speech")
	}
	h.clk.Advance(time.Second)
	for i := 0; i < 3; i++ {
		h.o.HandleAudioLevel(0.3)
	}
	if !h.spk.calls[0].canceled {
		t.Fatal("speech not canceled on voice onset")
	}
	if got := h.count("rec.start"); got != starts+1 {
		t.Fatalf("rec.start = %d, want %d", got, starts+1)
	}
}

func TestEchoIsNotSent(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "Take a deep breath and notice how your body feels right now"})
	h.o.HandleRecognitionEnded()
	h.spk.finish(0)
	h.clk.Advance(500 * time.Millisecond)
	h.o.HandleRecognitionStarted()

	h.say("notice how your body feels")
	if len(h.conv.sent) != 0 {
		t.Fatalf("echo sent: %v", h.conv.sent)
	}
	h.say("I had a terrible day at work")
	if len(h.conv.sent) != 1 || h.conv.sent[0] != "I had a terrible day at work" {
		t.Fatalf("sent = %v", h.conv.sent)
	}
}

func TestMuteStopsRecognitionAndIgnoresResults(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.ToggleMute()
	if h.count("rec.stop") != 1 || !h.o.Snapshot().IsMuted {
		t.Fatalf("mute: log = %v", h.log)
	}
	h.o.HandleRecognitionEnded()
	h.say("are you there")
	h.clk.Advance(5 * time.Second)
	if len(h.conv.sent) != 0 {
		t.Fatalf("sent while muted: %v", h.conv.sent)
	}
	starts := h.count("rec.start")
	h.o.ToggleMute()
	if got := h.count("rec.start"); got != starts+1 {
		t.Fatalf("unmute did not restart recognition: %v", h.log)
	}
}

func TestSpeakerOffSilencesReplies(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "first"})
	h.o.ToggleSpeaker()
	if !h.spk.calls[0].canceled {
		t.Fatal("speech not canceled when the speaker was turned off")
	}
	h.o.HandleAssistantMessage(AssistantMessage{ID: "b", Text: "second"})
	if len(h.spk.calls) != 1 {
		t.Fatalf("reply spoken with the speaker off")
	}
	if h.o.Snapshot().State != StateListening {
		t.Fatalf("state = %s", h.o.Snapshot().State)
	}
}

func TestEndCallTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "first"})
	h.o.HandleAssistantMessage(AssistantMessage{ID: "b", Text: "second"})

	h.o.EndCall()
	snap := h.o.Snapshot()
	if snap.State != StateEnded || snap.CallStatus != StatusEnded || snap.SpeakState != floor.SpeakIdle {
		t.Fatalf("snapshot after end = %+v", snap)
	}
	if !h.spk.calls[0].canceled {
		t.Fatal("speech not canceled")
	}
	if h.conv.clears != 2 || h.ended != 1 {
		t.Fatalf("clears = %d ended = %d", h.conv.clears, h.ended)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Fatalf("%d timers still pending", n)
	}

	h.spk.calls[0].cb.OnEnd()
	h.o.HandleRecognitionStarted()
	h.say("hello again")
	h.o.HandleAssistantMessage(AssistantMessage{ID: "c", Text: "third"})
	h.clk.Advance(10 * time.Second)
	if len(h.spk.calls) != 1 || len(h.conv.sent) != 0 {
		t.Fatalf("activity after end: %v", h.log)
	}
	h.o.EndCall()
	if h.ended != 1 {
		t.Fatal("second EndCall ran teardown again")
	}
}

func TestReplyArrivingAfterEndIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.deferAsync = true
	h.o.Start()
	h.runAsync()
	h.o.HandleRecognitionStarted()
	h.say("I feel lonely")
	h.o.EndCall()
	h.runAsync()
	if len(h.conv.sent) != 1 {
		t.Fatalf("sent = %v", h.conv.sent)
	}
	if len(h.spk.calls) != 0 {
		t.Fatal("stale reply was spoken")
	}
}

func TestMobileShortFinalWaitsForMore(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.SetMobile(true)
	h.say("I am")
	h.clk.Advance(time.Second)
	if len(h.conv.sent) != 0 {
		t.Fatalf("short final sent on mobile: %v", h.conv.sent)
	}
	if h.o.Snapshot().Transcript != "I am" {
		t.Fatalf("transcript = %q", h.o.Snapshot().Transcript)
	}
	h.say("Fine.")
	if len(h.conv.sent) != 1 || h.conv.sent[0] != "Fine." {
		t.Fatalf("sent = %v", h.conv.sent)
	}
}

func TestResyncSpeaksUnseenReplies(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "first"})
	h.spk.finish(0)
	h.conv.listed = []Message{
		{ID: "u1", Role: "user", Content: "hello"},
		{ID: "a", Role: "assistant", Content: "first"},
		{ID: "b", Role: "assistant", Content: "second"},
	}
	h.o.Resync()
	if len(h.spk.calls) != 2 || h.spk.calls[1].text != "second" {
		t.Fatalf("speak calls = %d", len(h.spk.calls))
	}
}

func TestFatalRecognitionErrorBlocksResume(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.o.HandleRecognitionError(recognition.KindNotAllowed)
	h.o.HandleRecognitionEnded()
	starts := h.count("rec.start")

	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "first"})
	h.spk.finish(0)
	h.clk.Advance(2 * time.Second)
	if got := h.count("rec.start"); got != starts {
		t.Fatalf("recognition restarted after fatal error: rec.start %d -> %d", starts, got)
	}
	if got := h.o.Snapshot().CallStatus; got != recognition.StatusPermission {
		t.Fatalf("status = %q", got)
	}

	// Voice onset still interrupts speech but does not open the mic.
	h.o.HandleAssistantMessage(AssistantMessage{ID: "b", Text: "second"})
	h.clk.Advance(time.Second)
	for i := 0; i < 3; i++ {
		h.o.HandleAudioLevel(0.3)
	}
	if !h.spk.calls[1].canceled {
		t.Fatal("speech not canceled on voice onset")
	}
	h.clk.Advance(2 * time.Second)
	if got := h.count("rec.start"); got != starts {
		t.Fatalf("barge-in restarted recognition after fatal error: %v", h.log)
	}

	h.o.StartListening()
	if got := h.count("rec.start"); got != starts+1 {
		t.Fatalf("manual start did not start recognition: %v", h.log)
	}
}

func TestGiveUpBlocksResumeUntilManualStart(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	for i := 0; i < 3; i++ {
		h.o.HandleRecognitionError(recognition.KindNetwork)
		h.o.HandleRecognitionEnded()
		h.clk.Advance(10 * time.Second)
	}
	if got := h.o.Snapshot().CallStatus; got != recognition.StatusTapToReconnect {
		t.Fatalf("status = %q", got)
	}
	starts := h.count("rec.start")

	h.o.HandleAssistantMessage(AssistantMessage{ID: "a", Text: "first"})
	h.spk.finish(0)
	h.clk.Advance(2 * time.Second)
	if got := h.count("rec.start"); got != starts {
		t.Fatalf("recognition restarted after giving up: rec.start %d -> %d", starts, got)
	}

	h.o.ToggleMute()
	h.o.ToggleMute()
	if got := h.count("rec.start"); got != starts+1 {
		t.Fatalf("unmute did not start recognition: %v", h.log)
	}
}

func TestSnapshotCarriesLastSentUtterance(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.say("I had a long day")
	if got := h.o.Snapshot().LastSentUtterance; got != "I had a long day" {
		t.Fatalf("last sent = %q", got)
	}
}
