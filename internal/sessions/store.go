// Package sessions tracks call records.
package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"serenity/companion/internal/types"
)

var ErrNotFound = errors.New("call not found")

type Store struct {
	mu    sync.RWMutex
	calls map[string]*types.Call
}

func NewStore() *Store {
	return &Store{calls: make(map[string]*types.Call)}
}

// Create registers a new call for key.
func (s *Store) Create(key types.SessionKey) *types.Call {
	c := &types.Call{
		ID:         uuid.NewString(),
		SessionKey: key,
		Status:     types.CallCreated,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.calls[c.ID] = c
	s.mu.Unlock()
	return c
}

// Get returns a copy of the call record.
func (s *Store) Get(id string) (types.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return types.Call{}, ErrNotFound
	}
	return *c, nil
}

func (s *Store) MarkConnected(id string, mobile bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != types.CallEnded {
		c.Status = types.CallConnected
		c.Mobile = mobile
	}
	return nil
}

func (s *Store) MarkEnded(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != types.CallEnded {
		now := time.Now().UTC()
		c.Status = types.CallEnded
		c.EndedAt = &now
	}
	return nil
}

// Remove forgets an ended call. Live calls are kept.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[id]; ok && c.Status == types.CallEnded {
		delete(s.calls, id)
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}
