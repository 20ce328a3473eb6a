// Package presence implements the Presence Registry (§4.E): the
// in-memory mapping from agent name to the currently connected
// Session, with the single-session-per-name invariant and presence
// events on disconnect.
package presence

import (
	"sync"

	"github.com/khaliqgant/agent-relay-sub006/internal/session"
)

// Event describes a presence transition, emitted on a broadcast topic
// per §4.E ("A session leaving the registry emits a presence { agent,
// online: false } event").
type Event struct {
	Agent  string `json:"agent"`
	Online bool   `json:"online"`
}

// Registry is the read-mostly-locked agent -> Session map described in
// §5 ("Presence Registry and Subscription Table are protected by a
// single read-mostly lock").
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	onEvent func(Event)
}

// New creates an empty Registry. onEvent, if non-nil, is invoked
// (outside the registry's lock) whenever a session joins or leaves.
func New(onEvent func(Event)) *Registry {
	return &Registry{
		sessions: make(map[string]*session.Session),
		onEvent:  onEvent,
	}
}

// Register installs sess under sess.Agent, replacing any existing
// session for that name (§4.E). It does not close the replaced session:
// it returns it, or nil, and the caller closes it with reason replaced.
func (r *Registry) Register(sess *session.Session) *session.Session {
	r.mu.Lock()
	old := r.sessions[sess.Agent]
	r.sessions[sess.Agent] = sess
	r.mu.Unlock()

	if r.onEvent != nil {
		r.onEvent(Event{Agent: sess.Agent, Online: true})
	}
	return old
}

// Unregister removes sess if it is still the registered session for
// its agent name (a session replaced by a newer hello must not remove
// the newer one on its own teardown).
func (r *Registry) Unregister(sess *session.Session) {
	r.mu.Lock()
	current, ok := r.sessions[sess.Agent]
	removed := ok && current == sess
	if removed {
		delete(r.sessions, sess.Agent)
	}
	r.mu.Unlock()

	if removed && r.onEvent != nil {
		r.onEvent(Event{Agent: sess.Agent, Online: false})
	}
}

// Get returns the session currently registered for agent, if any.
func (r *Registry) Get(agent string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agent]
	return s, ok
}

// OnlineExcept returns a snapshot of every online session except the
// one named exceptAgent and any observer sessions (§9 Open Questions:
// observers are excluded from `*` fanout). This is the "snapshot all
// online agents except from" step of §4.G's broadcast resolution.
func (r *Registry) OnlineExcept(exceptAgent string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		if name == exceptAgent {
			continue
		}
		if s.IsObserver() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Names returns a snapshot of every registered agent name, used by the
// admin `list_agents` operation (§4.K).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	return out
}
