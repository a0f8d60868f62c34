package sessions

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry maps opaque session identifiers to live sessions. It is the single
// in-process source of truth for which sessions exist; a terminated or unknown
// id is indistinguishable from one that was never issued.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	maxEvents int
	log       *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxBufferedEvents bounds the per-session replay buffer.
func WithMaxBufferedEvents(n int) RegistryOption {
	return func(r *Registry) { r.maxEvents = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create mints a session bound to the authenticated subject and registers it.
func (r *Registry) Create(subject string) *Session {
	sess := newSession(uuid.NewString(), subject, r.maxEvents)
	sess.onClose = func() {
		r.mu.Lock()
		delete(r.sessions, sess.id)
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	return sess
}

// Get returns the live session with the given id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	return sess, ok
}

// Terminate closes the session with the given id. Terminating an unknown or
// already-closed id is not an error; the call simply reports whether a live
// session was found.
func (r *Registry) Terminate(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	sess.Close()
	return true
}

// Broadcast publishes a server-to-client message to every live session.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		live = append(live, sess)
	}
	r.mu.Unlock()

	for _, sess := range live {
		if err := sess.Publish(payload); err != nil {
			r.log.Debug("broadcast skipped closed session", slog.String("session_id", sess.ID()))
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every live session. Used on graceful server shutdown so
// attached streams end promptly.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		live = append(live, sess)
	}
	r.mu.Unlock()

	for _, sess := range live {
		sess.Close()
	}
	if len(live) > 0 {
		r.log.Info("closed all sessions", slog.Int("count", len(live)))
	}
}
