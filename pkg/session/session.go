// Package session tracks the acting user.
package session

import "sync"

// Session holds the current user id and notifies listeners on change.
type Session struct {
	mu        sync.RWMutex
	userID    string
	listeners []func(prev, next string)
}

// New creates a session for userID. An empty id means signed out.
func New(userID string) *Session {
	return &Session{userID: userID}
}

// CurrentUser returns the signed-in user id.
func (s *Session) CurrentUser() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}

// SetUser switches the acting user. Listeners run outside the lock and
// only when the id actually changes.
func (s *Session) SetUser(userID string) {
	s.mu.Lock()
	prev := s.userID
	if prev == userID {
		s.mu.Unlock()
		return
	}
	s.userID = userID
	listeners := append([]func(prev, next string){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, userID)
	}
}

// SignOut clears the acting user.
func (s *Session) SignOut() {
	s.SetUser("")
}

// OnChange registers fn to run after every user switch.
func (s *Session) OnChange(fn func(prev, next string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
