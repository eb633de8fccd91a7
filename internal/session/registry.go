package session

import (
	"sort"
	"sync"
)

// Registry tracks live sessions. It is owned by the server and handed to
// every session; sessions add themselves when ready and remove themselves
// when they terminate.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID()]; ok && cur == s {
		delete(r.sessions, s.ID())
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ByChat returns the sessions attached to chatID, ordered by session id.
func (r *Registry) ByChat(chatID string) []*Session {
	r.mu.RLock()
	var out []*Session
	for _, s := range r.sessions {
		if s.ChatID() == chatID {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CloseChat closes every session attached to chatID and returns how many
// there were.
func (r *Registry) CloseChat(chatID string) int {
	sessions := r.ByChat(chatID)
	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered connection. Sessions notice on their next
// read or write and unregister themselves.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
