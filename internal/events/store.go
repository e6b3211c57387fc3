// Package events keeps a capped in-memory journal per call.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"serenity/companion/internal/types"
)

const DefaultMaxEvents = 200

type Store struct {
	mu        sync.RWMutex
	maxEvents int
	byCall    map[string][]types.Event
}

func NewStore(maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Store{maxEvents: maxEvents, byCall: make(map[string][]types.Event)}
}

// Append records an event. When the journal exceeds its cap the oldest
// events are dropped and a single events_truncated marker is appended, so
// the journal never holds more than the cap.
func (s *Store) Append(callID, typ string, payload map[string]any) types.Event {
	evt := types.Event{
		ID:      uuid.NewString(),
		CallID:  callID,
		Type:    typ,
		Ts:      time.Now().UTC(),
		Payload: payload,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	evts := append(s.byCall[callID], evt)
	if l := len(evts); l > s.maxEvents {
		keep := s.maxEvents - 1
		dropped := l - keep
		evts = append([]types.Event(nil), evts[l-keep:]...)
		evts = append(evts, types.Event{
			ID:      uuid.NewString(),
			CallID:  callID,
			Type:    "events_truncated",
			Ts:      time.Now().UTC(),
			Payload: map[string]any{"dropped": dropped, "kept": keep},
		})
	}
	s.byCall[callID] = evts
	return evt
}

func (s *Store) List(callID string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.byCall[callID]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

// Drop forgets the journal of a call.
func (s *Store) Drop(callID string) {
	s.mu.Lock()
	delete(s.byCall, callID)
	s.mu.Unlock()
}
