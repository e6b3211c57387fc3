// Package callws connects a browser call screen to a server-side call
// orchestrator over a WebSocket. The browser forwards platform recognition
// and playback events and executes the commands it receives.
package callws

import (
    "encoding/json"
    "fmt"
)

// Message is the envelope for both directions.
type Message struct {
    Type        string         `json:"type"`
    TsMs        int64          `json:"ts_ms"`
    CallID      string         `json:"call_id"`
    Seq         int64          `json:"seq"`
    CommandID   string         `json:"command_id,omitempty"`
    UtteranceID string         `json:"utterance_id,omitempty"`
    Payload     map[string]any `json:"payload,omitempty"`
}

// Client to server.
const (
    TypeHello              = "hello"
    TypeRecognitionStarted = "recognition.started"
    TypeRecognitionInterim = "recognition.interim"
    TypeRecognitionFinal   = "recognition.final"
    TypeRecognitionError   = "recognition.error"
    TypeRecognitionEnded   = "recognition.ended"
    TypeAudioLevel         = "audio.level"
    TypePlaybackStarted    = "playback.started"
    TypePlaybackEnded      = "playback.ended"
    TypePlaybackError      = "playback.error"
    TypeStartListening     = "action.start_listening"
    TypeToggleMute         = "action.toggle_mute"
    TypeToggleSpeaker      = "action.toggle_speaker"
    TypeEndCall            = "action.end_call"
)

// Server to client.
const (
    CmdRecognitionStart = "recognition.start"
    CmdRecognitionStop  = "recognition.stop"
    CmdRecognitionAbort = "recognition.abort"
    CmdAudioPlay        = "audio.play"
    CmdAudioStop        = "audio.stop"
    CmdSpeechSpeak      = "speech.speak"
    CmdSpeechCancel     = "speech.cancel"
    CmdState            = "state"
    CmdEnded            = "ended"
)

func (m Message) Text(key string) string {
    if m.Payload == nil {
        return ""
    }
    s, _ := m.Payload[key].(string)
    return s
}

func (m Message) Float(key string) float64 {
    if m.Payload == nil {
        return 0
    }
    switch v := m.Payload[key].(type) {
    case float64:
        return v
    case int:
        return float64(v)
    case json.Number:
        f, _ := v.Float64()
        return f
    }
    return 0
}

func (m Message) Bool(key string) bool {
    if m.Payload == nil {
        return false
    }
    b, _ := m.Payload[key].(bool)
    return b
}

// Decode re-reads the payload into v.
func (m Message) Decode(v any) error {
    b, err := json.Marshal(m.Payload)
    if err != nil {
        return err
    }
    if err := json.Unmarshal(b, v); err != nil {
        return fmt.Errorf("decode %s payload: %w", m.Type, err)
    }
    return nil
}

// utteranceID reads the id from the envelope, falling back to the payload.
func (m Message) utteranceID() string {
    if m.UtteranceID != "" {
        return m.UtteranceID
    }
    return m.Text("utterance_id")
}
