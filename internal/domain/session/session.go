package session

import (
	"time"

	"github.com/llmrelay/relay/internal/domain/entity"
)

// Interaction handler kinds.
const (
	HandlerProxy   = "proxy"   // turn answered by the proxy itself (commands)
	HandlerBackend = "backend" // turn forwarded to an upstream backend
)

// interactionRetention bounds the per-session history ring.
const interactionRetention = 1000

// Interaction records a single turn of a session.
type Interaction struct {
	Prompt     string
	Handler    string // HandlerProxy | HandlerBackend
	Backend    string
	Model      string
	Project    string
	Parameters map[string]interface{}
	Response   string
	Usage      *entity.Usage
	Timestamp  time.Time
}

// Session is a stateful conversation keyed by an opaque id. The State
// field is replaced atomically under the owning service's per-session
// lock; History is append-only with ring retention.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActiveAt time.Time
	Agent        string
	History      []Interaction
	State        State
}

// NewSession creates a session with default state.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
		State:        DefaultState(),
	}
}

// AddInteraction appends a turn record, evicting the oldest entries
// beyond the retention bound.
func (s *Session) AddInteraction(it Interaction) {
	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now()
	}
	s.History = append(s.History, it)
	if len(s.History) > interactionRetention {
		s.History = s.History[len(s.History)-interactionRetention:]
	}
}

// Touch updates the activity timestamp used for TTL eviction.
func (s *Session) Touch() {
	s.LastActiveAt = time.Now()
}
