package callws

import "sync"

// Registry keeps at most one live session per call.
type Registry struct {
    mu       sync.Mutex
    sessions map[string]*Session
}

func NewRegistry() *Registry { return &Registry{sessions: make(map[string]*Session)} }

// GetOrCreate returns the session of callID, creating it with create when
// there is none.
func (r *Registry) GetOrCreate(callID string, create func() *Session) (s *Session, created bool) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if s, ok := r.sessions[callID]; ok {
        return s, false
    }
    s = create()
    r.sessions[callID] = s
    return s, true
}

// Remove deletes the entry only if it still points at s.
func (r *Registry) Remove(callID string, s *Session) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.sessions[callID] == s {
        delete(r.sessions, callID)
    }
}

func (r *Registry) Len() int {
    r.mu.Lock()
    defer r.mu.Unlock()
    return len(r.sessions)
}

// EndAll ends every live call, used at shutdown.
func (r *Registry) EndAll() {
    r.mu.Lock()
    all := make([]*Session, 0, len(r.sessions))
    for _, s := range r.sessions {
        all = append(all, s)
    }
    r.mu.Unlock()
    for _, s := range all {
        s.orch.EndCall()
    }
}
