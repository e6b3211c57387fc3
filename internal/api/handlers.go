package api

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/url"
    "strings"
    "time"

    "serenity/companion/internal/auth"
    "serenity/companion/internal/conversation"
    "serenity/companion/internal/events"
    "serenity/companion/internal/health"
    "serenity/companion/internal/logging"
    "serenity/companion/internal/sessions"
    "serenity/companion/internal/speech"
    "serenity/companion/internal/types"
)

// Conversation is the chat surface; *conversation.Service implements it.
type Conversation interface {
    List(ctx context.Context, key types.SessionKey) ([]types.Message, error)
    Send(ctx context.Context, key types.SessionKey, content string) (types.Message, error)
    Clear(ctx context.Context, key types.SessionKey) error
}

type Deps struct {
    Conversation Conversation
    // TTS may be nil; clients then always use their own voice.
    TTS     speech.Remote
    Calls   *sessions.Store
    Journal *events.Store
    Tokens  auth.Issuer
    // PublicURL is the externally visible base URL used to build ws_url.
    // Empty means derive it from the request.
    PublicURL string
    Checks    []health.Check
    // CallWS serves /ws/call when set.
    CallWS http.Handler
}

type Handlers struct {
    d Deps
}

func NewHandlers(d Deps) *Handlers {
    return &Handlers{d: d}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
    writeJSON(w, status, map[string]any{"error": msg})
}

const maxBodyBytes = 64 << 10

// decodeBody reads a size-limited JSON body into v and writes the error
// response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
    r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
    if err := json.NewDecoder(r.Body).Decode(v); err != nil {
        var tooLarge *http.MaxBytesError
        if errors.As(err, &tooLarge) {
            writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
            return false
        }
        writeError(w, http.StatusBadRequest, "invalid JSON body")
        return false
    }
    return true
}

type messageRequest struct {
    Role        types.Role        `json:"role"`
    Content     string            `json:"content"`
    SessionType types.SessionType `json:"sessionType"`
    DeviceID    string            `json:"deviceId"`
}

func (m messageRequest) key() types.SessionKey {
    typ := m.SessionType
    if typ == "" {
        typ = types.SessionChat
    }
    return types.SessionKey{Type: typ, DeviceID: strings.TrimSpace(m.DeviceID)}
}

func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    req := messageRequest{SessionType: types.SessionType(q.Get("session_type")), DeviceID: q.Get("device_id")}
    key := req.key()
    if !key.Valid() {
        writeError(w, http.StatusBadRequest, "session_type and device_id are required")
        return
    }
    msgs, err := h.d.Conversation.List(r.Context(), key)
    if err != nil {
        logging.Errorw("list messages", "session_key", key.String(), "error", err)
        writeError(w, http.StatusInternalServerError, "failed to list messages")
        return
    }
    if msgs == nil {
        msgs = []types.Message{}
    }
    writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
    var req messageRequest
    if !decodeBody(w, r, &req) {
        return
    }
    if req.Role != "" && req.Role != types.RoleUser {
        writeError(w, http.StatusBadRequest, "only user messages can be posted")
        return
    }
    reply, err := h.d.Conversation.Send(r.Context(), req.key(), req.Content)
    switch {
    case errors.Is(err, conversation.ErrEmptyContent), errors.Is(err, conversation.ErrInvalidSession):
        writeError(w, http.StatusBadRequest, err.Error())
        return
    case err != nil:
        logging.Errorw("send message", "error", err)
        writeError(w, http.StatusInternalServerError, "failed to send message")
        return
    }
    writeJSON(w, http.StatusCreated, reply)
}

func (h *Handlers) HandleClearMessages(w http.ResponseWriter, r *http.Request) {
    var req messageRequest
    if r.ContentLength != 0 {
        if !decodeBody(w, r, &req) {
            return
        }
    }
    q := r.URL.Query()
    if req.SessionType == "" {
        req.SessionType = types.SessionType(q.Get("session_type"))
    }
    if req.DeviceID == "" {
        req.DeviceID = q.Get("device_id")
    }
    key := req.key()
    if !key.Valid() {
        writeError(w, http.StatusBadRequest, "sessionType and deviceId are required")
        return
    }
    if err := h.d.Conversation.Clear(r.Context(), key); err != nil {
        logging.Errorw("clear messages", "session_key", key.String(), "error", err)
        writeError(w, http.StatusInternalServerError, "failed to clear messages")
        return
    }
    w.WriteHeader(http.StatusNoContent)
}

// HandleTTS returns synthesized audio, or asks the client to use its own
// synthesizer.
func (h *Handlers) HandleTTS(w http.ResponseWriter, r *http.Request) {
    var req struct {
        Text string `json:"text"`
    }
    if !decodeBody(w, r, &req) {
        return
    }
    text := strings.TrimSpace(req.Text)
    if text == "" {
        writeError(w, http.StatusBadRequest, "text is required")
        return
    }
    if h.d.TTS == nil {
        writeJSON(w, http.StatusOK, map[string]any{"useFallback": true})
        return
    }
    audio, err := h.d.TTS.Synthesize(r.Context(), text)
    if err != nil {
        if !errors.Is(err, speech.ErrUseFallback) {
            logging.Warnw("tts failed", "error", err)
        }
        writeJSON(w, http.StatusOK, map[string]any{"useFallback": true})
        return
    }
    ct := audio.ContentType
    if ct == "" {
        ct = "audio/mpeg"
    }
    w.Header().Set("Content-Type", ct)
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write(audio.Data)
}

func (h *Handlers) HandleCreateCall(w http.ResponseWriter, r *http.Request) {
    var req struct {
        DeviceID string `json:"deviceId"`
    }
    if !decodeBody(w, r, &req) {
        return
    }
    key := types.SessionKey{Type: types.SessionCall, DeviceID: strings.TrimSpace(req.DeviceID)}
    if !key.Valid() {
        writeError(w, http.StatusBadRequest, "deviceId is required")
        return
    }
    if !h.d.Tokens.Configured() {
        logging.Errorw("create call: token secret not configured")
        writeError(w, http.StatusInternalServerError, "call auth not configured")
        return
    }
    c := h.d.Calls.Create(key)
    token, exp, err := h.d.Tokens.Mint(c.ID)
    if err != nil {
        logging.Errorw("mint call token", "call_id", c.ID, "error", err)
        _ = h.d.Calls.MarkEnded(c.ID)
        h.d.Calls.Remove(c.ID)
        writeError(w, http.StatusInternalServerError, "failed to create call")
        return
    }
    h.d.Journal.Append(c.ID, "call_created", map[string]any{"session_key": key.String()})

    writeJSON(w, http.StatusCreated, map[string]any{
        "call_id":     c.ID,
        "session_key": key.String(),
        "token":       token,
        "expires_at":  exp.UTC().Format(time.RFC3339),
        "ws_url":      h.wsURL(r, c.ID, token),
    })
}

func (h *Handlers) wsURL(r *http.Request, callID, token string) string {
    base := h.d.PublicURL
    if base == "" {
        scheme := "http"
        if r.TLS != nil {
            scheme = "https"
        }
        base = scheme + "://" + r.Host
    }
    base = strings.TrimSuffix(base, "/")
    switch {
    case strings.HasPrefix(base, "https://"):
        base = "wss://" + strings.TrimPrefix(base, "https://")
    case strings.HasPrefix(base, "http://"):
        base = "ws://" + strings.TrimPrefix(base, "http://")
    }
    q := url.Values{}
    q.Set("call_id", callID)
    q.Set("token", token)
    return base + "/ws/call?" + q.Encode()
}

func (h *Handlers) HandleGetCall(w http.ResponseWriter, r *http.Request, id string) {
    c, err := h.d.Calls.Get(id)
    if err != nil {
        http.NotFound(w, r)
        return
    }
    writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
    if _, err := h.d.Calls.Get(id); err != nil {
        http.NotFound(w, r)
        return
    }
    evs := h.d.Journal.List(id)
    if evs == nil {
        evs = []types.Event{}
    }
    writeJSON(w, http.StatusOK, map[string]any{
        "call_id": id,
        "events":  evs,
    })
}

func (h *Handlers) health(ctx context.Context) health.HealthStatus {
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    return health.CheckAll(ctx, h.d.Checks...)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
    st := h.health(r.Context())
    status := http.StatusOK
    if !st.OK {
        status = http.StatusServiceUnavailable
    }
    writeJSON(w, status, st)
}

func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
    if st := h.health(r.Context()); !st.OK {
        http.Error(w, "not ready", http.StatusServiceUnavailable)
        return
    }
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write([]byte("ready"))
}
