package callws

import (
    "context"
    "encoding/base64"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    ws "nhooyr.io/websocket"

    "serenity/companion/internal/call"
    "serenity/companion/internal/logging"
    "serenity/companion/internal/speech"
    "serenity/companion/internal/types"
)

var errDisconnected = errors.New("call client disconnected")

// Session binds one call to its orchestrator and to whichever browser
// connection currently serves it. Connections may come and go; the call
// survives until it is ended or the reconnect grace expires.
type Session struct {
    callID string
    key    types.SessionKey
    srv    *Server
    log    logging.Logger
    orch   *call.Orchestrator

    out  chan Message
    seq  atomic.Int64
    done chan struct{}
    once sync.Once

    mu      sync.Mutex
    conn    *ws.Conn
    voices  []speech.Voice
    pending map[string]speech.PlaybackCallbacks
    started bool
    ended   bool
    grace   *time.Timer
}

func (srv *Server) newSession(rec types.Call) *Session {
    s := &Session{
        callID:  rec.ID,
        key:     rec.SessionKey,
        srv:     srv,
        log:     logging.With("component", "callws", "call_id", rec.ID),
        out:     make(chan Message, 256),
        done:    make(chan struct{}),
        pending: make(map[string]speech.PlaybackCallbacks),
    }
    var player speech.AudioPlayer
    if srv.remote != nil {
        player = playerProxy{s}
    }
    synth := speech.New(srv.remote, player, engineProxy{s}, srv.opts.Speech, s.log)

    cfg := srv.opts.Call
    cfg.SessionKey = rec.SessionKey.String()
    s.orch = call.New(cfg, call.Deps{
        Recognizer:   recognizerProxy{s},
        Speaker:      synth,
        Conversation: Conversation{Svc: srv.conv},
        Log:          s.log,
        OnChange:     s.publishState,
        OnEnded:      s.finish,
        Journal: func(typ string, payload map[string]any) {
            srv.journal.Append(s.callID, typ, payload)
        },
    })
    go s.writeLoop()
    return s
}

// attach makes c the serving connection. Playbacks pending on a previous
// connection can never report back, so they fail now.
func (s *Session) attach(c *ws.Conn) (replaced bool) {
    s.mu.Lock()
    old := s.conn
    s.conn = c
    if s.grace != nil {
        s.grace.Stop()
        s.grace = nil
    }
    pend := s.takeAllLocked()
    s.mu.Unlock()

    if old != nil {
        _ = old.Close(ws.StatusNormalClosure, "replaced")
    }
    failAll(pend)
    return old != nil
}

// detach is called when c's read loop exits. It is a no-op when c was
// already replaced.
func (s *Session) detach(c *ws.Conn) {
    s.mu.Lock()
    if s.conn != c {
        s.mu.Unlock()
        return
    }
    s.conn = nil
    pend := s.takeAllLocked()
    if !s.ended {
        s.grace = time.AfterFunc(s.srv.opts.ReconnectGrace, func() {
            s.log.Infow("reconnect grace expired")
            s.orch.EndCall()
        })
    }
    s.mu.Unlock()
    failAll(pend)
}

func (s *Session) takeAllLocked() map[string]speech.PlaybackCallbacks {
    pend := s.pending
    s.pending = make(map[string]speech.PlaybackCallbacks)
    return pend
}

func failAll(pend map[string]speech.PlaybackCallbacks) {
    for _, cb := range pend {
        if cb.OnError != nil {
            cb.OnError(errDisconnected)
        }
    }
}

func (s *Session) connected() bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.conn != nil && !s.ended
}

// handle routes one client message into the orchestrator.
func (s *Session) handle(m Message) {
    switch m.Type {
    case TypeHello:
        s.hello(m)
    case TypeRecognitionStarted:
        s.orch.HandleRecognitionStarted()
    case TypeRecognitionInterim:
        s.orch.HandleInterim(m.Text("text"))
    case TypeRecognitionFinal:
        s.orch.HandleFinal(m.Text("text"))
    case TypeRecognitionError:
        s.orch.HandleRecognitionError(m.Text("error"))
    case TypeRecognitionEnded:
        s.orch.HandleRecognitionEnded()
    case TypeAudioLevel:
        s.orch.HandleAudioLevel(m.Float("rms"))
    case TypePlaybackStarted:
        if cb, ok := s.pendingFor(m.utteranceID(), false); ok && cb.OnStart != nil {
            cb.OnStart()
        }
    case TypePlaybackEnded:
        if cb, ok := s.pendingFor(m.utteranceID(), true); ok && cb.OnEnd != nil {
            cb.OnEnd()
        }
    case TypePlaybackError:
        if cb, ok := s.pendingFor(m.utteranceID(), true); ok && cb.OnError != nil {
            cb.OnError(fmt.Errorf("client playback: %s", m.Text("error")))
        }
    case TypeStartListening:
        s.orch.StartListening()
    case TypeToggleMute:
        s.orch.ToggleMute()
    case TypeToggleSpeaker:
        s.orch.ToggleSpeaker()
    case TypeEndCall:
        s.orch.EndCall()
    default:
        s.log.Debugw("unknown message", "type", m.Type)
    }
}

type hello struct {
    Voices []speech.Voice `json:"voices"`
    Mobile bool           `json:"mobile"`
}

// hello starts the call on the first connection and resyncs it on a
// reconnect.
func (s *Session) hello(m Message) {
    var h hello
    if err := m.Decode(&h); err != nil {
        s.log.Warnw("bad hello", "error", err)
    }
    s.mu.Lock()
    s.voices = h.Voices
    first := !s.started
    s.started = true
    s.mu.Unlock()

    s.orch.SetMobile(h.Mobile)
    if err := s.srv.calls.MarkConnected(s.callID, h.Mobile); err != nil {
        s.log.Warnw("mark connected", "error", err)
    }
    if first {
        s.orch.Start()
        return
    }
    // The previous client's recognition session died with it.
    s.orch.HandleRecognitionEnded()
    s.orch.Resync()
    s.orch.StartListening()
}

func (s *Session) pendingFor(id string, remove bool) (speech.PlaybackCallbacks, bool) {
    s.mu.Lock()
    defer s.mu.Unlock()
    cb, ok := s.pending[id]
    if ok && remove {
        delete(s.pending, id)
    }
    return cb, ok
}

func (s *Session) addPending(id string, cb speech.PlaybackCallbacks) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.conn == nil || s.ended {
        return errDisconnected
    }
    s.pending[id] = cb
    return nil
}

func (s *Session) publishState(snap call.Snapshot) {
    s.send(CmdState, "", map[string]any{
        "callStatus":  snap.CallStatus,
        "isListening": snap.IsListening,
        "isMuted":     snap.IsMuted,
        "isSpeakerOn": snap.IsSpeakerOn,
        "transcript":  snap.Transcript,
        "state":       string(snap.State),
        "micState":    string(snap.MicState),
        "speakState":  string(snap.SpeakState),

        "lastSentUtterance": snap.LastSentUtterance,
    })
}

// finish runs once the orchestrator has torn down.
func (s *Session) finish() {
    s.once.Do(func() {
        s.send(CmdEnded, "", nil)
        s.mu.Lock()
        s.ended = true
        if s.grace != nil {
            s.grace.Stop()
            s.grace = nil
        }
        pend := s.takeAllLocked()
        s.mu.Unlock()
        failAll(pend)

        if err := s.srv.calls.MarkEnded(s.callID); err != nil {
            s.log.Warnw("mark ended", "error", err)
        }
        s.srv.reg.Remove(s.callID, s)
        id := s.callID
        time.AfterFunc(s.srv.opts.Retention, func() {
            s.srv.journal.Drop(id)
            s.srv.calls.Remove(id)
        })
        close(s.done)
        s.log.Infow("call ended")
    })
}

// send queues a command for the writer. Commands after the end are dropped.
func (s *Session) send(typ, utteranceID string, payload map[string]any) {
    m := Message{
        Type:        typ,
        TsMs:        time.Now().UnixMilli(),
        CallID:      s.callID,
        Seq:         s.seq.Add(1),
        CommandID:   uuid.NewString(),
        UtteranceID: utteranceID,
        Payload:     payload,
    }
    select {
    case <-s.done:
        return
    default:
    }
    select {
    case s.out <- m:
    case <-s.done:
    }
}

func (s *Session) writeLoop() {
    for {
        select {
        case m := <-s.out:
            s.write(m)
        case <-s.done:
            for {
                select {
                case m := <-s.out:
                    s.write(m)
                default:
                    s.mu.Lock()
                    c := s.conn
                    s.conn = nil
                    s.mu.Unlock()
                    if c != nil {
                        _ = c.Close(ws.StatusNormalClosure, "call ended")
                    }
                    return
                }
            }
        }
    }
}

func (s *Session) write(m Message) {
    s.mu.Lock()
    c := s.conn
    s.mu.Unlock()
    if c == nil {
        s.log.Debugw("dropping command, no client", "type", m.Type)
        return
    }
    b, err := json.Marshal(m)
    if err != nil {
        s.log.Errorw("encode command", "type", m.Type, "error", err)
        return
    }
    ctx, cancel := context.WithTimeout(context.Background(), s.srv.opts.WriteTimeout)
    defer cancel()
    if err := c.Write(ctx, ws.MessageText, b); err != nil {
        s.log.Warnw("write command", "type", m.Type, "error", err)
    }
}

type recognizerProxy struct{ s *Session }

func (p recognizerProxy) Start() error {
    if !p.s.connected() {
        return errDisconnected
    }
    p.s.send(CmdRecognitionStart, "", nil)
    return nil
}

func (p recognizerProxy) Stop()  { p.s.send(CmdRecognitionStop, "", nil) }
func (p recognizerProxy) Abort() { p.s.send(CmdRecognitionAbort, "", nil) }

// playerProxy plays synthesized audio in the browser.
type playerProxy struct{ s *Session }

func (p playerProxy) Play(audio speech.Audio, cb speech.PlaybackCallbacks) (func(), error) {
    id := uuid.NewString()
    if err := p.s.addPending(id, cb); err != nil {
        return nil, err
    }
    p.s.send(CmdAudioPlay, id, map[string]any{
        "content_type": audio.ContentType,
        "audio":        base64.StdEncoding.EncodeToString(audio.Data),
    })
    return func() {
        if _, ok := p.s.pendingFor(id, true); ok {
            p.s.send(CmdAudioStop, id, nil)
        }
    }, nil
}

// engineProxy drives the browser's speech synthesizer.
type engineProxy struct{ s *Session }

func (p engineProxy) Voices() []speech.Voice {
    p.s.mu.Lock()
    defer p.s.mu.Unlock()
    return append([]speech.Voice(nil), p.s.voices...)
}

func (p engineProxy) Speak(u speech.Utterance, cb speech.PlaybackCallbacks) (func(), error) {
    id := uuid.NewString()
    if err := p.s.addPending(id, cb); err != nil {
        return nil, err
    }
    payload := map[string]any{
        "text":   u.Text,
        "rate":   u.Rate,
        "pitch":  u.Pitch,
        "volume": u.Volume,
    }
    if u.Voice != nil {
        payload["voice"] = u.Voice.Name
        payload["lang"] = u.Voice.Lang
    }
    p.s.send(CmdSpeechSpeak, id, payload)
    return func() {
        if _, ok := p.s.pendingFor(id, true); ok {
            p.s.send(CmdSpeechCancel, id, nil)
        }
    }, nil
}
