// Package conversation stores chat turns and produces the companion's
// replies.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"serenity/companion/internal/llm"
	"serenity/companion/internal/logging"
	"serenity/companion/internal/store"
	"serenity/companion/internal/types"
)

var (
	ErrEmptyContent   = errors.New("content must not be empty")
	ErrInvalidSession = errors.New("invalid session key")
)

const DefaultSystemPrompt = "You are a compassionate, supportive, and empathetic AI companion. " +
	"Your goal is to help users who may be feeling depressed, anxious, or down. " +
	"Listen actively, validate their feelings, offer gentle encouragement, and help them find small, positive steps. " +
	"Do not be overly clinical. Be warm and human-like. " +
	"If a user expresses intent of self-harm, gently encourage them to seek professional help and provide resources, " +
	"but focus on immediate emotional support."

// FallbackReply is stored when no provider produced a reply.
const FallbackReply = "I'm here for you, but I'm having trouble finding the right words right now."

// Completer produces a reply; *llm.Chain implements it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (reply, provider string, err error)
}

type Config struct {
	SystemPrompt string
	// MaxHistory caps the messages sent as context; 0 sends all.
	MaxHistory int
}

type Service struct {
	store store.Store
	llm   Completer
	cfg   Config
	log   logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st store.Store, c Completer, cfg Config) *Service {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Service{
		store: st,
		llm:   c,
		cfg:   cfg,
		log:   logging.With("component", "conversation"),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) List(ctx context.Context, key types.SessionKey) ([]types.Message, error) {
	if !key.Valid() {
		return nil, ErrInvalidSession
	}
	return s.store.List(ctx, key, 0)
}

// Send stores the user's message, asks the providers for a reply, and
// stores and returns the assistant message. Sends on the same key are
// serialized so replies follow their prompts.
func (s *Service) Send(ctx context.Context, key types.SessionKey, content string) (types.Message, error) {
	if !key.Valid() {
		return types.Message{}, ErrInvalidSession
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return types.Message{}, ErrEmptyContent
	}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	if _, err := s.store.Append(ctx, types.Message{
		Role: types.RoleUser, Content: content, SessionType: key.Type, DeviceID: key.DeviceID,
	}); err != nil {
		return types.Message{}, fmt.Errorf("save user message: %w", err)
	}
	history, err := s.store.List(ctx, key, s.cfg.MaxHistory)
	if err != nil {
		return types.Message{}, fmt.Errorf("load history: %w", err)
	}

	req := llm.Request{System: s.cfg.SystemPrompt, Messages: make([]llm.Message, 0, len(history))}
	for _, m := range history {
		req.Messages = append(req.Messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	reply, provider, err := s.llm.Complete(ctx, req)
	if err != nil || strings.TrimSpace(reply) == "" {
		if ctx.Err() != nil {
			return types.Message{}, ctx.Err()
		}
		s.log.Warnw("conversation: using fallback reply", "session_key", key.String(), "err", err)
		reply, provider = FallbackReply, "fallback"
	}
	s.log.Debugw("conversation: reply", "session_key", key.String(), "provider", provider)

	msg, err := s.store.Append(ctx, types.Message{
		Role: types.RoleAssistant, Content: reply, SessionType: key.Type, DeviceID: key.DeviceID,
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("save assistant message: %w", err)
	}
	return msg, nil
}

func (s *Service) Clear(ctx context.Context, key types.SessionKey) error {
	if !key.Valid() {
		return ErrInvalidSession
	}
	return s.store.Clear(ctx, key)
}

func (s *Service) lock(key types.SessionKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key.String()] = l
	}
	return l
}
