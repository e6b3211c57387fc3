package types

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

type SessionType string

const (
	SessionChat SessionType = "chat"
	SessionCall SessionType = "call"
)

// SessionKey scopes a conversation to one device and one surface.
type SessionKey struct {
	Type     SessionType `json:"sessionType"`
	DeviceID string      `json:"deviceId"`
}

func (k SessionKey) Valid() bool {
	return (k.Type == SessionChat || k.Type == SessionCall) && strings.TrimSpace(k.DeviceID) != ""
}

func (k SessionKey) String() string { return string(k.Type) + ":" + k.DeviceID }

// ParseSessionKey is the inverse of SessionKey.String.
func ParseSessionKey(s string) (SessionKey, error) {
	typ, dev, ok := strings.Cut(s, ":")
	k := SessionKey{Type: SessionType(typ), DeviceID: dev}
	if !ok || !k.Valid() {
		return SessionKey{}, fmt.Errorf("invalid session key %q", s)
	}
	return k, nil
}

func (k SessionKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SessionKey) UnmarshalText(b []byte) error {
	parsed, err := ParseSessionKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type Message struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	SessionType SessionType `json:"sessionType"`
	DeviceID    string      `json:"deviceId"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type Event struct {
	ID      string         `json:"id"`
	CallID  string         `json:"call_id"`
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// CallStatus is the lifecycle of a call record.
type CallStatus string

const (
	CallCreated   CallStatus = "created"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
)

type Call struct {
	ID         string     `json:"call_id"`
	SessionKey SessionKey `json:"session_key"`
	Status     CallStatus `json:"status"`
	Mobile     bool       `json:"mobile"`
	CreatedAt  time.Time  `json:"created_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}
