package callws

import (
    "encoding/json"
    "errors"
    "net/http"
    "strings"
    "time"

    ws "nhooyr.io/websocket"

    "serenity/companion/internal/auth"
    "serenity/companion/internal/call"
    "serenity/companion/internal/events"
    "serenity/companion/internal/logging"
    "serenity/companion/internal/sessions"
    "serenity/companion/internal/speech"
    "serenity/companion/internal/types"
)

type Options struct {
    Call           call.Config
    Speech         speech.Config
    OriginPatterns []string
    // ReconnectGrace is how long a call outlives its last connection.
    ReconnectGrace time.Duration
    // Retention is how long an ended call's record and journal stay
    // readable.
    Retention    time.Duration
    WriteTimeout time.Duration
    ReadLimit      int64
}

func DefaultOptions() Options {
    return Options{
        Call:           call.DefaultConfig(),
        Speech:         speech.DefaultConfig(),
        ReconnectGrace: 10 * time.Second,
        Retention:      10 * time.Minute,
        WriteTimeout:   5 * time.Second,
        ReadLimit:      1 << 20,
    }
}

type Server struct {
    opts    Options
    calls   *sessions.Store
    journal *events.Store
    tokens  auth.Issuer
    conv    MessageService
    remote  speech.Remote
    reg     *Registry
}

// NewServer wires the call socket. remote may be nil, in which case every
// reply is spoken by the browser's own synthesizer.
func NewServer(opts Options, calls *sessions.Store, journal *events.Store, tokens auth.Issuer, conv MessageService, remote speech.Remote) *Server {
    def := DefaultOptions()
    if opts.ReconnectGrace <= 0 {
        opts.ReconnectGrace = def.ReconnectGrace
    }
    if opts.Retention <= 0 {
        opts.Retention = def.Retention
    }
    if opts.WriteTimeout <= 0 {
        opts.WriteTimeout = def.WriteTimeout
    }
    if opts.ReadLimit <= 0 {
        opts.ReadLimit = def.ReadLimit
    }
    return &Server{
        opts:    opts,
        calls:   calls,
        journal: journal,
        tokens:  tokens,
        conv:    conv,
        remote:  remote,
        reg:     NewRegistry(),
    }
}

func (s *Server) Registry() *Registry { return s.reg }

func (s *Server) HandleCallWS(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    callID := q.Get("call_id")
    if callID == "" {
        http.Error(w, "missing call_id", http.StatusBadRequest)
        return
    }
    rec, err := s.calls.Get(callID)
    if err != nil {
        http.Error(w, "unknown call", http.StatusNotFound)
        return
    }
    if rec.Status == types.CallEnded {
        http.Error(w, "call ended", http.StatusGone)
        return
    }
    token := q.Get("token")
    if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
        token = strings.TrimPrefix(authz, "Bearer ")
    }
    if err := s.tokens.Validate(token, callID); err != nil {
        if errors.Is(err, auth.ErrNoSecret) {
            http.Error(w, "call auth not configured", http.StatusUnauthorized)
            return
        }
        http.Error(w, "invalid token", http.StatusUnauthorized)
        return
    }

    c, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
    if err != nil {
        logging.Warnw("ws accept", "call_id", callID, "error", err)
        return
    }
    c.SetReadLimit(s.opts.ReadLimit)

    sess, _ := s.reg.GetOrCreate(callID, func() *Session { return s.newSession(rec) })
    if sess.attach(c) {
        s.journal.Append(callID, "client_replaced", nil)
    }
    s.journal.Append(callID, "client_connected", nil)

    ctx := r.Context()
    for {
        typ, data, err := c.Read(ctx)
        if err != nil {
            break
        }
        if typ != ws.MessageText && typ != ws.MessageBinary {
            continue
        }
        var msg Message
        if err := json.Unmarshal(data, &msg); err != nil {
            s.journal.Append(callID, "client_msg_invalid", map[string]any{"error": err.Error()})
            continue
        }
        if msg.Type != TypeAudioLevel {
            s.journal.Append(callID, msg.Type, journalPayload(msg))
        }
        sess.handle(msg)
    }
    sess.detach(c)
    _ = c.Close(ws.StatusNormalClosure, "done")
    s.journal.Append(callID, "client_disconnected", nil)
}

func journalPayload(msg Message) map[string]any {
    payload := make(map[string]any, len(msg.Payload)+4)
    for k, v := range msg.Payload {
        payload[k] = v
    }
    payload["ts_ms"] = msg.TsMs
    payload["seq"] = msg.Seq
    if msg.CommandID != "" {
        payload["command_id"] = msg.CommandID
    }
    if msg.UtteranceID != "" {
        payload["utterance_id"] = msg.UtteranceID
    }
    return payload
}
