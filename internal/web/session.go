package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/assistant"
)

// SessionStore manages server-side sessions. Each session owns one form;
// the browser only ever holds an opaque session ID.
type SessionStore struct {
	sessions  map[string]*Session
	mu        sync.RWMutex
	ttl       time.Duration
	newForm   func() *assistant.Form
	snapshots Snapshots
	logger    *zap.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// Session holds one visitor's form
type Session struct {
	ID        string
	Form      *assistant.Form
	Flash     string // one-shot message shown on the next page render
	CreatedAt time.Time
	ExpiresAt time.Time

	mu sync.Mutex
}

// TakeFlash returns the pending flash message and clears it
func (s *Session) TakeFlash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.Flash
	s.Flash = ""
	return msg
}

func (s *Session) SetFlash(msg string) {
	s.mu.Lock()
	s.Flash = msg
	s.mu.Unlock()
}

// NewSessionStore creates a new session store with automatic cleanup.
// snapshots may be nil.
func NewSessionStore(ttl time.Duration, newForm func() *assistant.Form, snapshots Snapshots, logger *zap.Logger) *SessionStore {
	store := &SessionStore{
		sessions:  make(map[string]*Session),
		ttl:       ttl,
		newForm:   newForm,
		snapshots: snapshots,
		logger:    logger,
		stop:      make(chan struct{}),
	}

	go store.cleanupLoop()

	return store
}

// generateSessionID creates a cryptographically secure session ID
func generateSessionID() (string, error) {
	bytes := make([]byte, 32) // 256 bits
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// Create creates a new session and returns its ID
func (s *SessionStore) Create() (string, error) {
	id, err := generateSessionID()
	if err != nil {
		return "", err
	}
	s.add(id, s.newForm())
	return id, nil
}

func (s *SessionStore) add(id string, form *assistant.Form) *Session {
	now := time.Now()
	session := &Session{
		ID:        id,
		Form:      form,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()
	return session
}

// Get retrieves a session by ID and extends its expiry. A session that is
// not in memory is revived from its snapshot when one exists. Returns nil
// if not found or expired.
func (s *SessionStore) Get(ctx context.Context, id string) *Session {
	if id == "" {
		return nil
	}

	s.mu.Lock()
	session, exists := s.sessions[id]
	if exists && time.Now().After(session.ExpiresAt) {
		delete(s.sessions, id)
		exists = false
		session = nil
	}
	if exists {
		session.ExpiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Unlock()

	if exists {
		return session
	}
	return s.revive(ctx, id)
}

func (s *SessionStore) revive(ctx context.Context, id string) *Session {
	if s.snapshots == nil {
		return nil
	}
	state, err := s.snapshots.Load(ctx, id)
	if err != nil {
		s.logger.Warn("failed to load session snapshot", zap.Error(err))
		return nil
	}
	if state == nil {
		return nil
	}

	form := s.newForm()
	form.Restore(*state)
	return s.add(id, form)
}

// Persist saves the session's current form state to the snapshot store, if any
func (s *SessionStore) Persist(ctx context.Context, session *Session) {
	if s.snapshots == nil || session == nil {
		return
	}
	if err := s.snapshots.Save(ctx, session.ID, session.Form.Snapshot(), s.ttl); err != nil {
		s.logger.Warn("failed to save session snapshot", zap.Error(err))
	}
}

// Delete removes a session and its snapshot
func (s *SessionStore) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if s.snapshots != nil {
		if err := s.snapshots.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to delete session snapshot", zap.Error(err))
		}
	}
}

// Close stops the cleanup loop
func (s *SessionStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// cleanupLoop periodically removes expired sessions
func (s *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
			s.logger.Debug("expired sessions removed", zap.Int("active", s.Count()))
		case <-s.stop:
			return
		}
	}
}

// cleanup removes all expired sessions
func (s *SessionStore) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

// Count returns the number of active sessions (for monitoring)
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
