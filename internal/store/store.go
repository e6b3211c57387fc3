// Package store persists conversation messages.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"serenity/companion/internal/types"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidMessage = errors.New("invalid message")
)

// Store keeps messages per session key, oldest first.
type Store interface {
	Append(ctx context.Context, msg types.Message) (types.Message, error)
	// List returns the last limit messages of key in chronological order;
	// limit <= 0 returns all of them.
	List(ctx context.Context, key types.SessionKey, limit int) ([]types.Message, error)
	Clear(ctx context.Context, key types.SessionKey) error
	Ping(ctx context.Context) error
	Close()
}

// prepare validates msg and fills in the id and timestamp.
func prepare(msg types.Message, now time.Time) (types.Message, error) {
	key := types.SessionKey{Type: msg.SessionType, DeviceID: msg.DeviceID}
	if !msg.Role.Valid() || !key.Valid() || strings.TrimSpace(msg.Content) == "" {
		return types.Message{}, ErrInvalidMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now.UTC()
	}
	return msg, nil
}

// Memory is an in-process Store used when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	messages map[string][]types.Message
}

func NewMemory() *Memory {
	return &Memory{messages: make(map[string][]types.Message)}
}

func (s *Memory) Append(_ context.Context, msg types.Message) (types.Message, error) {
	msg, err := prepare(msg, time.Now())
	if err != nil {
		return types.Message{}, err
	}
	key := types.SessionKey{Type: msg.SessionType, DeviceID: msg.DeviceID}.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[key] = append(s.messages[key], msg)
	return msg, nil
}

func (s *Memory) List(_ context.Context, key types.SessionKey, limit int) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.messages[key.String()]
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]types.Message, len(src))
	copy(out, src)
	return out, nil
}

func (s *Memory) Clear(_ context.Context, key types.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, key.String())
	return nil
}

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) Close() {}
