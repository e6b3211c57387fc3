package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"serenity/companion/internal/clock"
	"serenity/companion/internal/echo"
	"serenity/companion/internal/floor"
	"serenity/companion/internal/logging"
	"serenity/companion/internal/playback"
	"serenity/companion/internal/recognition"
	"serenity/companion/internal/speech"
	"serenity/companion/internal/utterance"
	"serenity/companion/internal/vad"
)

var errSpeechTimeout = errors.New("speech did not finish in time")

// Orchestrator is the state machine of one call. Its exported methods are
// safe for concurrent use; they are serialized onto an internal executor.
type Orchestrator struct {
	cfg  Config
	deps Deps
	clk  clock.Clock
	log  logging.Logger

	qmu      sync.Mutex
	pending  []func()
	draining bool

	smu  sync.RWMutex
	snap Snapshot

	// Fields below are owned by the executor.
	gen        uint64
	state      State
	status     string
	muted      bool
	speakerOn  bool
	mobile     bool
	lastSent   string
	transcript string

	floor *floor.Manager
	rec   *recognition.Controller
	deb   *utterance.Debouncer
	echo  *echo.Filter
	queue *playback.Queue
	vad   *vad.Detector

	cancelSpeech speech.CancelFunc
	resumeTimer  clock.Timer
	greetTimer   clock.Timer
	watchdog     clock.Timer

	runCtx    context.Context
	cancelRun context.CancelFunc
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = logging.With("component", "call", "session_key", cfg.SessionKey)
	}
	if deps.Async == nil {
		deps.Async = func(fn func()) { go fn() }
	}
	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log,
		state:     StateIdle,
		speakerOn: true,
		floor:     floor.New(),
	}
	o.clk = serialClock{o: o, base: deps.Clock}
	o.runCtx, o.cancelRun = context.WithCancel(context.Background())

	o.echo = echo.New(cfg.Echo)
	o.vad = vad.New(cfg.VAD)
	o.queue = playback.New(o.clk, cfg.InterUtteranceDelay, o.play)

	dcfg := cfg.Debounce
	dcfg.OnReady = o.onUtteranceReady
	dcfg.OnDrop = func(text, reason string) {
		metricUtterancesDropped.WithLabelValues(reason).Inc()
		o.log.Debugw("call: utterance dropped", "reason", reason, "text", text)
	}
	o.deb = utterance.New(dcfg, o.clk)

	rcfg := cfg.Recognition
	rcfg.CanRestart = o.canListen
	o.rec = recognition.NewController(deps.Recognizer, o.clk, rcfg, recognition.Hooks{
		OnStarted: o.onRecognitionStarted,
		OnInterim: func(text string) { o.onResult(text, false) },
		OnFinal:   func(text string) { o.onResult(text, true) },
		OnEnded:   o.onRecognitionEnded,
		OnStatus:  o.onRecognitionStatus,
	}, deps.Log)

	o.snap = o.snapshot()
	return o
}

// Snapshot returns the latest published state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.smu.RLock()
	defer o.smu.RUnlock()
	return o.snap
}

// Start begins the call: clear the history, start listening, and send the
// greeting trigger once the history is cleared.
func (o *Orchestrator) Start() {
	o.dispatch(func() {
		if o.state != StateIdle {
			return
		}
		o.gen++
		o.setState(StateConnecting)
		o.status = recognition.StatusConnecting
		o.journal("call_started", nil)

		done := o.guarded(o.scheduleGreeting)
		ctx := o.runCtx
		o.deps.Async(func() {
			if err := o.deps.Conversation.Clear(ctx, o.cfg.SessionKey); err != nil {
				o.log.Warnw("call: clear history failed", "err", err)
			}
			done()
		})

		if err := o.rec.Start(); err != nil {
			o.log.Warnw("call: recognition start failed", "err", err)
		}
	})
}

// SetMobile switches to the longer restart delay and stricter final
// fragments used on constrained clients.
func (o *Orchestrator) SetMobile(mobile bool) {
	o.dispatch(func() {
		o.mobile = mobile
		if mobile {
			o.rec.SetRestartDelay(o.cfg.MobileRestartDelay)
		} else {
			o.rec.SetRestartDelay(o.cfg.Recognition.RestartDelay)
		}
	})
}

func (o *Orchestrator) scheduleGreeting() {
	if o.cfg.Greeting == "" {
		return
	}
	clock.Stop(o.greetTimer)
	o.greetTimer = o.clk.AfterFunc(o.cfg.GreetingDelay, func() {
		o.greetTimer = nil
		o.send(o.cfg.Greeting)
	})
}

// Recognition events from the platform.

func (o *Orchestrator) HandleRecognitionStarted() { o.dispatch(o.rec.HandleStarted) }

func (o *Orchestrator) HandleInterim(text string) {
	o.dispatch(func() { o.rec.HandleInterim(text) })
}

func (o *Orchestrator) HandleFinal(text string) {
	o.dispatch(func() { o.rec.HandleFinal(text) })
}

func (o *Orchestrator) HandleRecognitionError(kind string) {
	o.dispatch(func() { o.rec.HandleError(kind) })
}

func (o *Orchestrator) HandleRecognitionEnded() { o.dispatch(o.rec.HandleEnd) }

// HandleAudioLevel feeds one microphone level frame. A voice onset while
// the assistant speaks interrupts it.
func (o *Orchestrator) HandleAudioLevel(rms float64) {
	o.dispatch(func() {
		if !o.active() || !o.floor.Speaking() {
			return
		}
		if o.vad.Feed(rms, o.clk.Now()) {
			o.bargeIn("vad")
		}
	})
}

// HandleAssistantMessage enqueues a reply for playback.
func (o *Orchestrator) HandleAssistantMessage(msg AssistantMessage) {
	o.dispatch(func() { o.onAssistantMessage(msg) })
}

// Resync lists the conversation and enqueues assistant replies that were
// never queued, e.g. after the client reconnects.
func (o *Orchestrator) Resync() {
	o.dispatch(func() {
		if !o.active() {
			return
		}
		deliver := guardedWith(o, func(msgs []Message) {
			for _, m := range msgs {
				if m.Role == "assistant" && !o.queue.Seen(m.ID) {
					o.onAssistantMessage(AssistantMessage{ID: m.ID, Text: m.Content})
				}
			}
		})
		ctx := o.runCtx
		key := o.cfg.SessionKey
		o.deps.Async(func() {
			msgs, err := o.deps.Conversation.List(ctx, key)
			if err != nil {
				o.log.Warnw("call: resync list failed", "err", err)
				return
			}
			deliver(msgs)
		})
	})
}

// User actions.

// StartListening is the manual reconnect action.
func (o *Orchestrator) StartListening() {
	o.dispatch(func() {
		if !o.active() || o.floor.Speaking() {
			return
		}
		o.muted = false
		o.status = recognition.StatusConnecting
		o.rec.ResetFailures()
		if err := o.rec.Start(); err != nil {
			o.log.Warnw("call: manual start failed", "err", err)
		}
	})
}

func (o *Orchestrator) ToggleMute() {
	o.dispatch(func() {
		if !o.active() {
			return
		}
		o.muted = !o.muted
		o.journal("mute_toggled", map[string]any{"muted": o.muted})
		if o.muted {
			clock.Stop(o.resumeTimer)
			o.resumeTimer = nil
			o.rec.Stop()
			return
		}
		o.rec.ResetFailures()
		if o.canListen() {
			_ = o.rec.Start()
		}
	})
}

func (o *Orchestrator) ToggleSpeaker() {
	o.dispatch(func() {
		if !o.active() {
			return
		}
		o.speakerOn = !o.speakerOn
		o.journal("speaker_toggled", map[string]any{"speaker_on": o.speakerOn})
		if !o.speakerOn && o.floor.Speaking() {
			o.stopSpeaking("speaker_off")
		}
	})
}

// EndCall tears the call down. Late callbacks from before teardown are
// ignored.
func (o *Orchestrator) EndCall() {
	o.dispatch(func() {
		if o.state == StateEnded {
			return
		}
		o.deb.Cancel()
		o.rec.Cancel()
		clock.Stop(o.resumeTimer)
		clock.Stop(o.greetTimer)
		clock.Stop(o.watchdog)
		o.resumeTimer, o.greetTimer, o.watchdog = nil, nil, nil
		o.rec.Abort()
		if o.cancelSpeech != nil {
			o.cancelSpeech()
			o.cancelSpeech = nil
		}
		o.queue.Forget()
		o.echo.Reset()
		o.vad.Reset()
		o.floor.Reset()

		o.gen++
		o.cancelRun()
		o.setState(StateEnded)
		o.status = StatusEnded
		o.transcript = ""
		o.journal("call_ended", nil)

		key := o.cfg.SessionKey
		o.deps.Async(func() {
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ClearTimeout)
			defer cancel()
			if err := o.deps.Conversation.Clear(ctx, key); err != nil {
				o.log.Warnw("call: clear history on end failed", "err", err)
			}
			if o.deps.OnEnded != nil {
				o.deps.OnEnded()
			}
		})
	})
}

// Recognition controller hooks.

func (o *Orchestrator) onRecognitionStarted() {
	if !o.active() || o.muted {
		o.rec.Stop()
		return
	}
	if d := o.floor.OnRecognitionStarted(); d.AbortRecognition {
		o.rec.Abort()
		return
	}
	if o.state == StateConnecting {
		o.setState(StateListening)
	}
	o.status = recognition.StatusConnected
}

func (o *Orchestrator) onRecognitionEnded() {
	o.floor.OnRecognitionStopped()
}

func (o *Orchestrator) onRecognitionStatus(text string, sev recognition.Severity) {
	o.status = text
	if sev == recognition.SeverityFatal || sev == recognition.SeverityReconnectRequired {
		o.journal("recognition_status", map[string]any{"status": text, "severity": int(sev)})
	}
}

func (o *Orchestrator) onResult(text string, final bool) {
	if !o.active() || o.muted {
		o.rec.Stop()
		return
	}
	if final && o.mobile && !completeOnMobile(text, o.cfg.MobileMinFinalLength) {
		final = false
	}
	if o.floor.Speaking() {
		o.bargeIn("recognition")
	} else if o.floor.Owner() == floor.None {
		o.floor.OnRecognitionStarted()
	}
	o.deb.Feed(text, final)
	o.transcript = o.deb.Transcript()
}

// completeOnMobile mirrors how mobile recognizers finalize early: a short
// final without terminal punctuation is treated as still in progress.
func completeOnMobile(text string, minLen int) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) >= minLen {
		return true
	}
	return strings.HasSuffix(text, ".") || strings.HasSuffix(text, "?") || strings.HasSuffix(text, "!")
}

// canListen gates every recognition start that the user did not ask for.
func (o *Orchestrator) canListen() bool {
	return o.active() && !o.muted && !o.floor.Speaking() && !o.rec.NeedsManualStart()
}

func (o *Orchestrator) active() bool {
	return o.state == StateConnecting || o.state == StateListening || o.state == StateSpeaking
}

// Sending.

func (o *Orchestrator) onUtteranceReady(text string) {
	if !o.active() {
		return
	}
	if o.echo.IsEcho(text, o.clk.Now()) {
		metricUtterancesDropped.WithLabelValues("echo").Inc()
		o.journal("echo_rejected", map[string]any{"text": text})
		o.log.Debugw("call: echo rejected", "text", text)
		o.transcript = ""
		return
	}
	o.lastSent = text
	o.transcript = ""
	o.send(text)
}

func (o *Orchestrator) send(text string) {
	metricUtterancesSent.Inc()
	o.journal("utterance_sent", map[string]any{"text": text})
	deliver := guardedWith(o, func(r sendResult) {
		if r.err != nil {
			o.log.Warnw("call: send failed", "err", r.err)
			o.journal("send_failed", map[string]any{"error": r.err.Error()})
			return
		}
		o.onAssistantMessage(r.reply)
	})
	ctx := o.runCtx
	key := o.cfg.SessionKey
	o.deps.Async(func() {
		started := time.Now()
		reply, err := o.deps.Conversation.Send(ctx, key, text)
		if err == nil {
			metricSendLatencyMS.Observe(float64(time.Since(started).Milliseconds()))
		}
		deliver(sendResult{reply: reply, err: err})
	})
}

type sendResult struct {
	reply AssistantMessage
	err   error
}

// Speaking.

func (o *Orchestrator) onAssistantMessage(msg AssistantMessage) {
	if !o.active() || msg.ID == "" || strings.TrimSpace(msg.Text) == "" {
		return
	}
	if o.queue.Seen(msg.ID) {
		return
	}
	o.echo.Remember(msg.Text)
	if !o.speakerOn {
		o.queue.MarkSeen(msg.ID)
		o.journal("reply_not_spoken", map[string]any{"message_id": msg.ID})
		return
	}
	o.queue.Enqueue(msg.ID, msg.Text)
	o.queue.ProcessNext()
}

// play is the playback queue's player. Recognition is aborted before the
// synthesizer is invoked.
func (o *Orchestrator) play(e playback.Entry) {
	clock.Stop(o.resumeTimer)
	o.resumeTimer = nil
	if d := o.floor.OnSynthesisStarting(e.MessageID); d.AbortRecognition {
		o.rec.Abort()
	}
	o.setState(StateSpeaking)
	now := o.clk.Now()
	o.echo.SpeechStarted(now)
	o.vad.Arm(now)
	o.journal("speech_started", map[string]any{"message_id": e.MessageID})

	id := e.MessageID
	onStart := o.guarded(func() {
		if o.floor.ActiveUtterance() == id {
			o.echo.SpeechStarted(o.clk.Now())
		}
	})
	onDone := guardedWith(o, func(err error) { o.speechDone(id, err) })
	o.cancelSpeech = o.deps.Speaker.Speak(e.Text, speech.Callbacks{
		OnStart: onStart,
		OnEnd:   func() { onDone(nil) },
		OnError: onDone,
	})

	clock.Stop(o.watchdog)
	o.watchdog = o.clk.AfterFunc(o.cfg.SpeechTimeout, func() {
		o.watchdog = nil
		if o.floor.ActiveUtterance() != id {
			return
		}
		metricSpeechTimeouts.Inc()
		if o.cancelSpeech != nil {
			o.cancelSpeech()
		}
		o.speechDone(id, errSpeechTimeout)
	})
}

// speechDone handles the end or failure of utterance id. Stale ids are
// ignored. The floor stays with the assistant while replies are queued.
func (o *Orchestrator) speechDone(id string, err error) {
	if o.floor.ActiveUtterance() != id || !o.floor.Speaking() {
		return
	}
	o.cancelSpeech = nil
	clock.Stop(o.watchdog)
	o.watchdog = nil
	o.echo.SpeechEnded(o.clk.Now())
	o.vad.Reset()
	if err != nil {
		o.log.Warnw("call: speech failed", "message_id", id, "err", err)
		o.journal("speech_failed", map[string]any{"message_id": id, "error": err.Error()})
	} else {
		o.journal("speech_ended", map[string]any{"message_id": id})
	}

	o.queue.Finished(id)
	if o.queue.Len() > 0 {
		return
	}
	o.floor.OnSynthesisStopped(id)
	o.setState(StateListening)
	o.scheduleResume()
}

// scheduleResume restarts recognition after the assistant stopped speaking.
func (o *Orchestrator) scheduleResume() {
	clock.Stop(o.resumeTimer)
	o.resumeTimer = o.clk.AfterFunc(o.cfg.ResumeDelay, func() {
		o.resumeTimer = nil
		if !o.canListen() || o.rec.Running() {
			return
		}
		if err := o.rec.Start(); err != nil {
			o.log.Warnw("call: resume listening failed", "err", err)
		}
	})
}

// bargeIn stops the assistant because the user started talking.
func (o *Orchestrator) bargeIn(source string) {
	if d := o.floor.OnUserSpeech(); !d.StopSynthesis {
		return
	}
	metricBargeIn.WithLabelValues(source).Inc()
	o.journal("barge_in", map[string]any{"source": source})
	o.log.Infow("call: barge-in", "source", source)
	o.silence()
	o.setState(StateListening)
	if o.rec.Running() {
		o.floor.OnRecognitionStarted()
		return
	}
	if !o.muted && !o.rec.NeedsManualStart() {
		_ = o.rec.Start()
	}
}

// stopSpeaking silences the assistant without user speech, then resumes
// listening after the usual delay.
func (o *Orchestrator) stopSpeaking(reason string) {
	o.floor.OnUserSpeech()
	o.journal("speech_stopped", map[string]any{"reason": reason})
	o.silence()
	o.setState(StateListening)
	o.scheduleResume()
}

func (o *Orchestrator) silence() {
	if o.cancelSpeech != nil {
		o.cancelSpeech()
		o.cancelSpeech = nil
	}
	o.queue.Clear()
	clock.Stop(o.watchdog)
	o.watchdog = nil
	o.echo.SpeechEnded(o.clk.Now())
	o.vad.Reset()
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	metricStateTransitions.WithLabelValues(string(o.state), string(s)).Inc()
	o.log.Debugw("call: state", "from", o.state, "to", s)
	o.state = s
}

func (o *Orchestrator) journal(typ string, payload map[string]any) {
	if o.deps.Journal != nil {
		o.deps.Journal(typ, payload)
	}
}

func (o *Orchestrator) snapshot() Snapshot {
	return Snapshot{
		CallStatus:  o.status,
		IsListening: o.floor.MicState() == floor.MicListening,
		IsMuted:     o.muted,
		IsSpeakerOn: o.speakerOn,
		Transcript:  o.transcript,
		State:       o.state,
		MicState:    o.floor.MicState(),
		SpeakState:  o.floor.SpeakState(),

		LastSentUtterance: o.lastSent,
	}
}

// publish stores the snapshot and notifies OnChange when it changed.
func (o *Orchestrator) publish() {
	snap := o.snapshot()
	o.smu.Lock()
	changed := snap != o.snap
	o.snap = snap
	o.smu.Unlock()
	if changed && o.deps.OnChange != nil {
		o.deps.OnChange(snap)
	}
}
