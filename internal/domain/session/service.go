package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service maps session id → session with create-on-first-use semantics.
// A single logical session permits at most one in-flight state mutation at
// a time; reads return the latest committed state.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex // per-session mutation locks
	defaults *State                 // nil = DefaultState()
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewService creates a session service. ttl <= 0 disables eviction.
func NewService(ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
		logger:   logger.With(zap.String("component", "session-service")),
	}
}

// SetDefaultState overrides the initial state applied to new sessions.
// Called once at startup, before traffic.
func (s *Service) SetDefaultState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = &st
}

// GetSession returns the session for id, creating it on first use.
func (s *Service) GetSession(id string) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[id]; ok {
		return sess
	}
	sess = NewSession(id)
	if s.defaults != nil {
		sess.State = *s.defaults
	}
	s.sessions[id] = sess
	s.locks[id] = &sync.Mutex{}
	s.logger.Debug("Session created", zap.String("session_id", id))
	return sess
}

// GetOrCreateSession resolves id, generating a fresh one when empty.
func (s *Service) GetOrCreateSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return s.GetSession(id)
}

// UpdateSession commits a session snapshot. Safe against concurrent gets:
// readers observe either the previous or the new committed session.
func (s *Service) UpdateSession(sess *Session) {
	sess.Touch()
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	if _, ok := s.locks[sess.ID]; !ok {
		s.locks[sess.ID] = &sync.Mutex{}
	}
	s.mu.Unlock()
}

// Mutate runs fn under the session's mutation lock and commits the result.
// Command-induced state transitions go through here so per-session updates
// are serialized while cross-session traffic proceeds in parallel.
func (s *Service) Mutate(id string, fn func(*Session)) *Session {
	sess := s.GetOrCreateSession(id)

	s.mu.RLock()
	lock := s.locks[sess.ID]
	s.mu.RUnlock()

	lock.Lock()
	defer lock.Unlock()
	fn(sess)
	s.UpdateSession(sess)
	return sess
}

// DeleteSession removes a session; reports whether it existed.
func (s *Service) DeleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	delete(s.locks, id)
	return ok
}

// GetAllSessions returns a snapshot of the live sessions.
func (s *Service) GetAllSessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// StartEviction begins periodic TTL eviction. Blocks until StopEviction.
func (s *Service) StartEviction(interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

// StopEviction stops the eviction loop.
func (s *Service) StopEviction() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) evictExpired() {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.LastActiveAt.Before(cutoff) {
			delete(s.sessions, id)
			delete(s.locks, id)
			s.logger.Info("Session evicted",
				zap.String("session_id", id),
				zap.Time("last_active", sess.LastActiveAt),
			)
		}
	}
}
