// Package envelope defines the durable message record exchanged between
// agents, its identifier scheme, and the status lifecycle the broker
// enforces as a message moves from acceptance to delivery or dead-letter.
//
// Called by: storage, dlq, delivery, session, broker
package envelope

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind is the semantic type of an envelope. The broker routes all kinds
// identically; the set below is the closed list of kinds it understands
// for its own bookkeeping, but consumers may send opaque kind strings.
type Kind string

const (
	KindMessage  Kind = "message"
	KindReply    Kind = "reply"
	KindSystem   Kind = "system"
	KindAdmin    Kind = "admin"
	KindPresence Kind = "presence"
)

// Status is the delivery lifecycle of a persisted envelope. It is
// terminal once it leaves StatusPending.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusDeadLettered Status = "dead_lettered"
	StatusExpired      Status = "expired"
)

// statusRank gives StatusPending < every terminal status, and all
// terminal statuses equal rank to each other (none outranks another;
// once terminal, a status cannot change at all). Used by
// IsForwardTransition to reject non-monotone updates.
var statusRank = map[Status]int{
	StatusPending:      0,
	StatusDelivered:    1,
	StatusDeadLettered: 1,
	StatusExpired:      1,
}

// IsForwardTransition reports whether moving from `from` to `to` is a
// legal status transition: pending to anything, or a status to itself.
func IsForwardTransition(from, to Status) bool {
	if from == to {
		return true
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return fr < tr
}

// BroadcastRecipient is the literal `to` value addressing every other
// online agent in the project.
const BroadcastRecipient = "*"

// TopicPrefix marks a `to` value as topic fanout: "topic:<name>".
const TopicPrefix = "topic:"

// Envelope is the durable unit of exchange between agents.
type Envelope struct {
	ID    string `json:"id"`
	From  string `json:"from"`
	To    string `json:"to"`
	Topic string `json:"topic,omitempty"`
	Kind  Kind   `json:"kind"`

	Body string                 `json:"body"`
	Data map[string]interface{} `json:"data,omitempty"`

	Thread string `json:"thread,omitempty"`

	TimestampMs int64 `json:"ts"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	// Route records agent IDs along the envelope's path, oldest first.
	// The broker adds the sender as the first hop when it accepts the
	// send; recipients are not appended on delivery or ack. Additive
	// metadata; routing never consults it.
	Route []string `json:"route,omitempty"`
}

// RecipientKind classifies the `to` field of an envelope.
type RecipientKind int

const (
	RecipientAgent RecipientKind = iota
	RecipientBroadcast
	RecipientTopic
)

// ClassifyRecipient inspects `to` and returns its kind and, for topic
// recipients, the bare topic name.
func ClassifyRecipient(to string) (RecipientKind, string) {
	if to == BroadcastRecipient {
		return RecipientBroadcast, ""
	}
	if strings.HasPrefix(to, TopicPrefix) {
		return RecipientTopic, strings.TrimPrefix(to, TopicPrefix)
	}
	return RecipientAgent, to
}

// ValidationError reports a rejected envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// MaxBodyBytes is the default payload bound; callers may override per
// broker configuration before calling Validate via ValidateSize.
const MaxBodyBytes = 1 << 20 // 1 MiB

// isValidName reports whether an agent or topic name is well-formed:
// non-empty, no path separators, and not the broadcast literal.
func isValidName(name string) bool {
	if name == "" || name == BroadcastRecipient {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// Validate checks structural invariants that do not depend on runtime
// configuration (size bounds are checked separately via ValidateSize,
// since the limit is a broker config value).
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if !isValidName(e.From) {
		return &ValidationError{Field: "from", Message: "sender name is invalid"}
	}
	if e.To == "" {
		return &ValidationError{Field: "to", Message: "recipient is required"}
	}
	kind, topic := ClassifyRecipient(e.To)
	switch kind {
	case RecipientAgent:
		if !isValidName(e.To) {
			return &ValidationError{Field: "to", Message: "recipient name is invalid"}
		}
	case RecipientTopic:
		if !isValidName(topic) {
			return &ValidationError{Field: "to", Message: "topic name is invalid"}
		}
	case RecipientBroadcast:
		// always valid
	}
	if e.Kind == "" {
		return &ValidationError{Field: "kind", Message: "kind is required"}
	}
	return nil
}

// ValidateSize rejects bodies that exceed the configured limit. Per
// spec this check happens synchronously before persistence and never
// stores the oversized envelope.
func (e *Envelope) ValidateSize(maxBodyBytes int) error {
	if maxBodyBytes <= 0 {
		maxBodyBytes = MaxBodyBytes
	}
	if len(e.Body) > maxBodyBytes {
		return &ValidationError{Field: "body", Message: "payload exceeds configured limit"}
	}
	return nil
}

// IsExpired reports whether the envelope has outlived its TTL relative
// to now. A zero or negative ttlMs means no expiry.
func (e *Envelope) IsExpired(now time.Time, ttlMs int64) bool {
	if ttlMs <= 0 {
		return false
	}
	return now.UnixMilli()-e.TimestampMs > ttlMs
}

// AddHop appends an agent ID to the envelope's route history.
func (e *Envelope) AddHop(agentID string) {
	e.Route = append(e.Route, agentID)
}

// Clone returns a deep copy suitable for handing to a recipient without
// sharing mutable state with the persisted original.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Data != nil {
		clone.Data = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			clone.Data[k] = v
		}
	}
	if e.Route != nil {
		clone.Route = append([]string(nil), e.Route...)
	}
	return &clone
}

// ToJSON serializes the envelope.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
