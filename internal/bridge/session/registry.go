package session

import (
	"errors"
	"log/slog"
	"sync"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrDuplicateID indicates the stream id is already registered.
	ErrDuplicateID = errors.New("stream id already registered")

	// ErrNotFound indicates no session is registered for the stream id.
	ErrNotFound = errors.New("session not found")

	// ErrCapacityExceeded indicates the concurrent-session cap is reached.
	// Callers must translate this into a telephony-side rejection.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// Status is the management view of one session.
type Status struct {
	SessionID         string `json:"sessionId"`
	TelephonyStreamID string `json:"telephonyStreamId"`
	CallSID           string `json:"callSid"`
	ConnectionState   string `json:"connectionState"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	PathUsed          string `json:"pathUsed"`
}

// Registry maps telephony stream ids to call sessions and bounds the
// number of concurrent sessions. A single mutex serializes register,
// lookup and unregister against concurrent callers. Instances are
// injected, never ambient.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*CallSession
	maxSessions int
}

// NewRegistry creates a registry bounded at maxSessions (0 means unbounded).
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*CallSession),
		maxSessions: maxSessions,
	}
}

// Register adds a session under its telephony stream id. A duplicate id
// is reported as such even when the registry is full.
func (r *Registry) Register(streamID string, s *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[streamID]; exists {
		return ErrDuplicateID
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return ErrCapacityExceeded
	}
	r.sessions[streamID] = s
	slog.Info("[Registry] Session registered",
		"stream_id", streamID, "session_id", s.ID(), "active", len(r.sessions))
	return nil
}

// Lookup returns the session registered for the stream id.
func (r *Registry) Lookup(streamID string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Unregister removes the entry. Idempotent.
func (r *Registry) Unregister(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[streamID]; !ok {
		return
	}
	delete(r.sessions, streamID)
	slog.Info("[Registry] Session unregistered", "stream_id", streamID, "active", len(r.sessions))
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the status of every registered session.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Status())
	}
	return out
}

// CloseAll tears down every registered session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*CallSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
