// Package speech turns one assistant utterance into audible speech, trying a
// remote synthesis service first and falling back to the platform voice.
package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"serenity/companion/internal/logging"
)

var (
	// ErrUseFallback is returned by a Remote that wants the caller to use
	// the local synthesizer.
	ErrUseFallback = errors.New("use local fallback")
	// ErrNoEngine means neither path could produce speech.
	ErrNoEngine = errors.New("no local speech engine")
)

// Audio is encoded speech ready for the client player, usually MP3.
type Audio struct {
	Data        []byte
	ContentType string
}

// Remote synthesizes text into audio.
type Remote interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// PlaybackCallbacks are lifecycle callbacks for one playback. Implementations
// may invoke them from any goroutine.
type PlaybackCallbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(err error)
}

// AudioPlayer plays encoded audio on the client.
type AudioPlayer interface {
	Play(audio Audio, cb PlaybackCallbacks) (stop func(), err error)
}

// Utterance is a request to the platform synthesizer.
type Utterance struct {
	Text   string
	Voice  *Voice
	Rate   float64
	Pitch  float64
	Volume float64
}

// Engine is the platform speech synthesizer.
type Engine interface {
	Voices() []Voice
	Speak(u Utterance, cb PlaybackCallbacks) (cancel func(), err error)
}

type Callbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(err error)
}

// CancelFunc stops speech immediately. It is idempotent and no callback
// fires after it returns.
type CancelFunc func()

type Config struct {
	RemoteTimeout time.Duration
	VoiceName     string
	Locale        string
	Rate          float64
	Pitch         float64
	Volume        float64
}

// DefaultConfig is a calm delivery in US English.
func DefaultConfig() Config {
	return Config{
		RemoteTimeout: 8 * time.Second,
		Locale:        "en-US",
		Rate:          1.0,
		Pitch:         1.1,
		Volume:        0.95,
	}
}

type Synthesizer struct {
	remote Remote
	player AudioPlayer
	engine Engine
	cfg    Config
	log    logging.Logger
}

// New builds a Synthesizer. remote and player may be nil, in which case
// only the local engine is used.
func New(remote Remote, player AudioPlayer, engine Engine, cfg Config, log logging.Logger) *Synthesizer {
	def := DefaultConfig()
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = def.RemoteTimeout
	}
	if cfg.Rate == 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Pitch == 0 {
		cfg.Pitch = def.Pitch
	}
	if cfg.Volume == 0 {
		cfg.Volume = def.Volume
	}
	if log == nil {
		log = logging.With("component", "speech")
	}
	return &Synthesizer{remote: remote, player: player, engine: engine, cfg: cfg, log: log}
}

// Speak starts speaking text. Exactly one of cb.OnEnd or cb.OnError fires,
// unless the returned CancelFunc is called first.
func (s *Synthesizer) Speak(text string, cb Callbacks) CancelFunc {
	a := &attempt{cb: cb}
	if s.remote == nil || s.player == nil {
		s.speakLocal(a, text, "no_remote")
		return a.cancel
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RemoteTimeout)
	a.setStop(cancel)
	go func() {
		defer cancel()
		started := time.Now()
		audio, err := s.remote.Synthesize(ctx, text)
		if a.isDone() {
			return
		}
		if err != nil {
			reason := "remote_error"
			switch {
			case errors.Is(err, ErrUseFallback):
				reason = "use_fallback"
			case errors.Is(err, context.DeadlineExceeded):
				reason = "timeout"
			}
			s.log.Debugw("speech: remote synthesis unavailable", "reason", reason, "err", err)
			s.speakLocal(a, text, reason)
			return
		}
		metricRemoteLatencyMS.Observe(float64(time.Since(started).Milliseconds()))
		s.playRemote(a, text, audio)
	}()
	return a.cancel
}

func (s *Synthesizer) playRemote(a *attempt, text string, audio Audio) {
	a.setPath("remote")
	stop, err := s.player.Play(audio, PlaybackCallbacks{
		OnStart: a.start,
		OnEnd:   a.end,
		OnError: func(err error) {
			// Blocked or failed before any sound: speak it locally instead.
			if !a.hasStarted() && !a.isDone() {
				s.log.Debugw("speech: audio playback failed", "err", err)
				s.speakLocal(a, text, "playback_failed")
				return
			}
			a.fail(err)
		},
	})
	if err != nil {
		s.log.Debugw("speech: audio playback rejected", "err", err)
		s.speakLocal(a, text, "playback_blocked")
		return
	}
	a.setStopFor("remote", stop)
}

func (s *Synthesizer) speakLocal(a *attempt, text, reason string) {
	if a.isDone() {
		return
	}
	metricFallbacks.WithLabelValues(reason).Inc()
	a.setPath("local")
	if s.engine == nil {
		a.fail(ErrNoEngine)
		return
	}
	u := Utterance{
		Text:   text,
		Voice:  SelectVoice(s.engine.Voices(), s.cfg.VoiceName, s.cfg.Locale),
		Rate:   s.cfg.Rate,
		Pitch:  s.cfg.Pitch,
		Volume: s.cfg.Volume,
	}
	cancel, err := s.engine.Speak(u, PlaybackCallbacks{OnStart: a.start, OnEnd: a.end, OnError: a.fail})
	if err != nil {
		s.log.Warnw("speech: local synthesis failed", "err", err)
		a.fail(err)
		return
	}
	a.setStop(cancel)
}

// attempt tracks one Speak call across goroutines.
type attempt struct {
	cb Callbacks

	mu      sync.Mutex
	stop    func()
	path    string
	started bool
	done    bool
}

func (a *attempt) setStop(stop func()) {
	if stop == nil {
		return
	}
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		stop()
		return
	}
	a.stop = stop
	a.mu.Unlock()
}

// setStopFor installs stop only if the attempt is still on path; a player
// that failed synchronously has already moved the attempt to another path.
func (a *attempt) setStopFor(path string, stop func()) {
	if stop == nil {
		return
	}
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		stop()
		return
	}
	if a.path == path {
		a.stop = stop
	}
	a.mu.Unlock()
}

func (a *attempt) setPath(p string) {
	a.mu.Lock()
	a.path = p
	a.mu.Unlock()
}

func (a *attempt) isDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *attempt) hasStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *attempt) start() {
	a.mu.Lock()
	if a.done || a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()
	if a.cb.OnStart != nil {
		a.cb.OnStart()
	}
}

func (a *attempt) finish() (path string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return "", false
	}
	a.done = true
	a.stop = nil
	return a.path, true
}

func (a *attempt) end() {
	path, ok := a.finish()
	if !ok {
		return
	}
	metricUtterances.WithLabelValues(path, "ok").Inc()
	if a.cb.OnEnd != nil {
		a.cb.OnEnd()
	}
}

func (a *attempt) fail(err error) {
	path, ok := a.finish()
	if !ok {
		return
	}
	metricUtterances.WithLabelValues(path, "error").Inc()
	if a.cb.OnError != nil {
		a.cb.OnError(err)
	}
}

func (a *attempt) cancel() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	stop := a.stop
	a.stop = nil
	path := a.path
	a.mu.Unlock()
	if path != "" {
		metricUtterances.WithLabelValues(path, "cancelled").Inc()
	}
	if stop != nil {
		stop()
	}
}
