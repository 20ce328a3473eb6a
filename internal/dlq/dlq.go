// Package dlq implements the Dead Letter Queue Adapter (§4.C): typed
// failure records, a filtered/paginated query surface, acknowledgement,
// retry bookkeeping, and retention cleanup. It mirrors the shape of
// internal/storage's Store interface closely (both are BadgerDB-backed
// envelope-ish stores) but the record and query surface differ enough
// (reason enum, acknowledgement, stats) to warrant its own package.
package dlq

import (
	"context"
	"time"

	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
)

// Reason is the closed set of DLQ failure reasons (§3 DeadLetter).
type Reason string

const (
	ReasonMaxRetriesExceeded Reason = "max_retries_exceeded"
	ReasonTTLExpired         Reason = "ttl_expired"
	ReasonConnectionLost     Reason = "connection_lost"
	ReasonTargetNotFound     Reason = "target_not_found"
	ReasonSignatureInvalid   Reason = "signature_invalid"
	ReasonPayloadTooLarge    Reason = "payload_too_large"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonUnknown            Reason = "unknown"
)

var validReasons = map[Reason]bool{
	ReasonMaxRetriesExceeded: true,
	ReasonTTLExpired:         true,
	ReasonConnectionLost:     true,
	ReasonTargetNotFound:     true,
	ReasonSignatureInvalid:   true,
	ReasonPayloadTooLarge:    true,
	ReasonRateLimited:        true,
	ReasonUnknown:            true,
}

// IsValidReason reports whether r is in the enumerated set (§8 invariant 7).
func IsValidReason(r Reason) bool { return validReasons[r] }

// Entry is a Message Envelope plus the terminal-failure metadata the
// spec's DeadLetter type requires.
type Entry struct {
	ID              string             `json:"id"`
	Envelope        *envelope.Envelope `json:"envelope"`
	Recipient       string             `json:"recipient"`
	Reason          Reason             `json:"reason"`
	ErrorMessage    string             `json:"errorMessage,omitempty"`
	DLQTimestampMs  int64              `json:"dlqTs"`
	OriginalTs      int64              `json:"originalTs"`
	AttemptCount    int                `json:"attemptCount"`
	DLQRetryCount   int                `json:"dlqRetryCount"`
	Acknowledged    bool               `json:"acknowledged"`
	AcknowledgedBy  string             `json:"acknowledgedBy,omitempty"`
	AcknowledgedTs  int64              `json:"acknowledgedTs,omitempty"`
}

// Order controls Query's sort field.
type Order int

const (
	OrderByDLQTimestamp Order = iota
	OrderByOriginalTimestamp
	OrderByAttemptCount
)

// QueryFilter selects and paginates DLQ entries.
type QueryFilter struct {
	To           string
	From         string
	Reason       Reason
	Acknowledged *bool
	Since        *time.Time
	Until        *time.Time
	Order        Order
	Offset       int
	Limit        int
}

// Stats is a point-in-time summary, always derived fresh from the
// current entry set (§4.C: "stats are derived, never cached stale").
type Stats struct {
	Total            int
	Acknowledged     int
	Unacknowledged   int
	ByReason         map[Reason]int
	OldestDLQTs      int64
	NewestDLQTs      int64
}

// ErrNotFound is returned by Get when no entry with the given ID exists.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "dlq: entry not found" }

// Queue is the persistence interface the Delivery Engine and Admin
// Surface depend on.
type Queue interface {
	// Add inserts a new Entry; the caller supplies a unique ID (spec
	// leaves minting to whoever constructs the DeadLetter record —
	// the delivery engine uses a new envelope-style ID per entry).
	Add(ctx context.Context, e *Entry) error

	// Get returns the entry or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// Query returns entries matching filter, paginated by Offset/Limit.
	Query(ctx context.Context, filter QueryFilter) ([]*Entry, error)

	// Acknowledge marks id acknowledged by who. Returns false if the
	// entry was already acknowledged (idempotent no-op), and ErrNotFound
	// if it doesn't exist.
	Acknowledge(ctx context.Context, id, who string) (bool, error)

	// AcknowledgeMany acknowledges a batch, returning the count that
	// actually transitioned (already-acked entries don't count twice).
	AcknowledgeMany(ctx context.Context, ids []string, who string) (int, error)

	// IncrementRetry bumps DLQRetryCount and returns the new value.
	IncrementRetry(ctx context.Context, id string) (int, error)

	// Remove deletes an entry outright. Cleanup does not call it; it
	// deletes the keys it selects directly.
	Remove(ctx context.Context, id string) error

	// GetStats computes Stats over the full current entry set.
	GetStats(ctx context.Context) (Stats, error)

	// Cleanup removes acknowledged entries first, oldest first, then
	// unacknowledged entries if still over maxEntries, subject to
	// retentionHours as an additional age cutoff.
	Cleanup(ctx context.Context, retentionHours int, maxEntries int) (int, error)

	// GetRetryable returns unacknowledged entries with
	// DLQRetryCount < maxRetries, oldest first, up to limit.
	GetRetryable(ctx context.Context, maxRetries int, limit int) ([]*Entry, error)

	Close() error
}
