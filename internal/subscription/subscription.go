// Package subscription implements the Subscription Table (§4.F): topic
// auto-creation, per-session subscribe/unsubscribe, and fanout snapshot
// for topic sends. Topic auto-creation on first use is carried over
// from cellorg's Topic map (§12 SUPPLEMENTED FEATURES).
package subscription

import (
	"sync"

	"github.com/khaliqgant/agent-relay-sub006/internal/session"
)

// Table is the topic -> set-of-sessions map. It shares the read-mostly
// lock discipline described in §5: Subscribe/Unsubscribe/Remove take
// the exclusive lock, Subscribers (used during delivery fanout) takes
// the shared lock.
type Table struct {
	mu     sync.RWMutex
	topics map[string]map[*session.Session]bool
}

// New creates an empty subscription table.
func New() *Table {
	return &Table{topics: make(map[string]map[*session.Session]bool)}
}

// Subscribe adds sess to topic's subscriber set, auto-creating the
// topic if this is its first use, and records the subscription on the
// session itself so a later disconnect can unwind it (§4.F).
func (t *Table) Subscribe(sess *session.Session, topic string) {
	t.mu.Lock()
	set, ok := t.topics[topic]
	if !ok {
		set = make(map[*session.Session]bool)
		t.topics[topic] = set
	}
	set[sess] = true
	t.mu.Unlock()
	sess.Subscribe(topic)
}

// Unsubscribe removes sess from topic's subscriber set.
func (t *Table) Unsubscribe(sess *session.Session, topic string) {
	t.mu.Lock()
	if set, ok := t.topics[topic]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(t.topics, topic)
		}
	}
	t.mu.Unlock()
	sess.Unsubscribe(topic)
}

// RemoveSession unwinds every subscription owned by sess, called when
// its connection closes (§4.F: "on disconnect all of a session's
// subscriptions are removed").
func (t *Table) RemoveSession(sess *session.Session) {
	for _, topic := range sess.Subscriptions() {
		t.mu.Lock()
		if set, ok := t.topics[topic]; ok {
			delete(set, sess)
			if len(set) == 0 {
				delete(t.topics, topic)
			}
		}
		t.mu.Unlock()
	}
}

// Subscribers returns a snapshot of the sessions subscribed to topic,
// used by the delivery engine's topic-fanout resolution (§4.G step 1).
func (t *Table) Subscribers(topic string) []*session.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.topics[topic]
	if !ok {
		return nil
	}
	out := make([]*session.Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Topics returns a snapshot of every known topic name and its
// subscriber count, used by the admin `list_subscriptions` operation.
func (t *Table) Topics() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.topics))
	for topic, set := range t.topics {
		out[topic] = len(set)
	}
	return out
}
