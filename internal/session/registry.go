package session

import (
	"sort"
	"sync"
)

// Registry tracks every live session and indexes authenticated ones by user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Add starts tracking s. It is removed automatically when it terminates.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	s.onTerminate(r.remove)
	if s.State() == StateTerminated {
		r.remove(s)
	}
}

// Authenticate marks s as logged in as userID and indexes it under that user.
// Authenticating an already authenticated session moves it to the new user.
func (r *Registry) Authenticate(s *Session, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, tracked := r.sessions[s.ID()]; !tracked {
		return ErrClosed
	}

	previous, err := s.authenticate(userID, token)
	if err != nil {
		return err
	}
	if previous != "" && previous != userID {
		r.unindexLocked(previous, s.ID())
	}

	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]*Session)
		r.byUser[userID] = set
	}
	set[s.ID()] = s
	return nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, s.ID())
	if userID := s.UserID(); userID != "" {
		r.unindexLocked(userID, s.ID())
	}
}

func (r *Registry) unindexLocked(userID, sessionID string) {
	set, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ForUser returns a snapshot of userID's authenticated sessions.
func (r *Registry) ForUser(userID string) []*Session {
	r.mu.RLock()
	set := r.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sortByID(out)
	return out
}

// Authenticated returns a snapshot of every authenticated session.
func (r *Registry) Authenticated() []*Session {
	r.mu.RLock()
	var out []*Session
	for _, set := range r.byUser {
		for _, s := range set {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sortByID(out)
	return out
}

// IsOnline reports whether userID has at least one authenticated session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Len returns the number of live sessions, authenticated or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll terminates every live session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Terminate(nil)
	}
}

func sortByID(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
}
