package session

import (
	"sync"
	"time"
)

// CloseReason explains why a Session was torn down; several appear
// verbatim in error/event frames (§4.D, §4.E, §7).
type CloseReason string

const (
	CloseReplaced        CloseReason = "replaced"
	CloseConnectionLost  CloseReason = "connection_lost"
	CloseIdleTimeout      CloseReason = "idle_timeout"
	CloseShutdown        CloseReason = "shutdown"
	CloseFrameError      CloseReason = "frame_error"
	ClosePayloadTooLarge CloseReason = "payload_too_large"
)

// ObserverPrefix marks agent names the broker treats as dashboard-style
// observers (§9 Open Questions): excluded from `*` fanout, but free to
// subscribe to topics.
const ObserverPrefix = "__"

// Session is the transient per-connection state owned by the Broker
// Server for the lifetime of one socket (§3).
type Session struct {
	ID          string
	Agent       string
	ConnectedAt time.Time

	Outbox chan *Frame

	mu             sync.RWMutex
	lastSeen       time.Time
	needsAttention bool
	subscriptions  map[string]bool
	closed         bool

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New creates a Session for agent with an outbound queue of the given
// capacity. The capacity is the backpressure bound described in §4.D/§5:
// a full Outbox blocks the producer (the delivery scheduler) rather
// than growing without limit.
func New(id, agent string, outboxCapacity int) *Session {
	return &Session{
		ID:            id,
		Agent:         agent,
		ConnectedAt:   time.Now(),
		lastSeen:      time.Now(),
		Outbox:        make(chan *Frame, outboxCapacity),
		subscriptions: make(map[string]bool),
		closeCh:       make(chan struct{}),
	}
}

// IsObserver reports whether this session's agent name marks it as a
// dashboard-style observer, excluded from `*` broadcast fanout.
func (s *Session) IsObserver() bool {
	return len(s.Agent) >= len(ObserverPrefix) && s.Agent[:len(ObserverPrefix)] == ObserverPrefix
}

// Touch updates lastSeen; called on every inbound frame (§4.E).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the last inbound-frame timestamp.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// SetNeedsAttention updates the presence flag from a `status` frame.
func (s *Session) SetNeedsAttention(v bool) {
	s.mu.Lock()
	s.needsAttention = v
	s.mu.Unlock()
}

// NeedsAttention reports the current presence flag.
func (s *Session) NeedsAttention() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needsAttention
}

// Subscribe adds topic to this session's subscription set, returning
// true if it was newly added.
func (s *Session) Subscribe(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions[topic] {
		return false
	}
	s.subscriptions[topic] = true
	return true
}

// Unsubscribe removes topic, returning true if it was present.
func (s *Session) Unsubscribe(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscriptions[topic] {
		return false
	}
	delete(s.subscriptions, topic)
	return true
}

// Subscriptions returns a snapshot of the topics this session is
// subscribed to, used when tearing down a connection (§4.F: "on
// disconnect all of a session's subscriptions are removed").
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for t := range s.subscriptions {
		out = append(out, t)
	}
	return out
}

// Enqueue attempts to push f onto the outbound queue. It blocks until
// either the frame is queued or the session closes, and reports whether
// the frame was queued.
func (s *Session) Enqueue(f *Frame) bool {
	select {
	case s.Outbox <- f:
		return true
	case <-s.closeCh:
		return false
	}
}

// TryEnqueue is the non-blocking variant used for best-effort frames
// (pong, presence events) where dropping is preferable to blocking the
// scheduler.
func (s *Session) TryEnqueue(f *Frame) bool {
	select {
	case s.Outbox <- f:
		return true
	default:
		return false
	}
}

// Close marks the session closed and unblocks any Enqueue/writer loop
// waiting on it. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closeCh)
	})
}

// Done returns a channel closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closeCh
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
