package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/tapir/session"
)

// Session is one live engine facade with the worker that serializes access
// to it.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	facade *session.Session
	worker *EngineWorker
}

// EngineFactory builds the engine facade behind a new session.
type EngineFactory func() (*session.Session, error)

// SessionStore manages the live sessions.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	nextID    atomic.Uint64
	newEngine EngineFactory
}

// NewSessionStore creates a session store. A nil factory produces plain
// in-process engines.
func NewSessionStore(factory EngineFactory) *SessionStore {
	if factory == nil {
		factory = func() (*session.Session, error) { return session.New(), nil }
	}
	return &SessionStore{
		sessions:  make(map[string]*Session),
		newEngine: factory,
	}
}

// Create builds a new session with an optional name.
func (s *SessionStore) Create(name string) (*Session, error) {
	facade, err := s.newEngine()
	if err != nil {
		return nil, fmt.Errorf("server: create session: %w", err)
	}

	sess := &Session{
		ID:      fmt.Sprintf("s-%d", s.nextID.Add(1)),
		Name:    name,
		Created: time.Now(),
		facade:  facade,
		worker:  NewEngineWorker(facade),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess, nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

// Destroy removes a session and shuts its engine down. Reports whether the
// session existed.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	sess.worker.Stop()
	sess.facade.Close()
	return true
}

// List returns the live sessions in creation order.
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Close destroys every live session.
func (s *SessionStore) Close() {
	for _, sess := range s.List() {
		s.Destroy(sess.ID)
	}
}
