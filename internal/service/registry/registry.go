package registry

import (
	"sync"

	"github.com/silabot/sila/internal/model/session"
)

// Store holds every in-flight session plus a secondary index from phone
// number to the currently active session for that phone. All access is
// mutex-serialized because sessions are touched from HTTP handlers, protocol
// callbacks and timer goroutines.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	byPhone  map[string]string
}

// New bootstraps the in-memory session store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session.Session),
		byPhone:  make(map[string]string),
	}
}

// Register adds a session under its id.
func (s *Store) Register(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// Get retrieves a session by id.
func (s *Store) Get(id string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove deletes a session by id. Missing ids are a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SetActive records id as the live session for phone, replacing any previous
// mapping.
func (s *Store) SetActive(phone, id string) {
	s.mu.Lock()
	s.byPhone[phone] = id
	s.mu.Unlock()
}

// ActiveSession returns the id of the live session for phone, if any.
func (s *Store) ActiveSession(phone string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPhone[phone]
	return id, ok
}

// ClearActive removes the phone mapping only while it still points at id, so
// a stale cleanup cannot delete a newer session's mapping.
func (s *Store) ClearActive(phone, id string) {
	s.mu.Lock()
	if current, ok := s.byPhone[phone]; ok && current == id {
		delete(s.byPhone, phone)
	}
	s.mu.Unlock()
}

// Count reports the number of registered sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
