// Package storage implements the batched, content-addressed envelope
// store described in §4.B. A Store durably appends envelopes, answers
// point lookups and filtered history queries, and transitions an
// envelope's status monotonically.
//
// Called by: broker, delivery
// Calls: internal/envelope, github.com/dgraph-io/badger/v4
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
)

// ErrNotFound is returned by GetByID when no envelope with the given ID
// exists.
var ErrNotFound = errors.New("storage: envelope not found")

// ErrDuplicateID is returned by Append when an envelope with the same
// ID has already been accepted (flushed or still batched).
var ErrDuplicateID = errors.New("storage: duplicate envelope id")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("storage: closed")

// Order controls the sort order of ListHistory results.
type Order int

const (
	OrderTimestampDesc Order = iota
	OrderTimestampAsc
)

// Filter selects a subset of history for ListHistory.
type Filter struct {
	From   string
	To     string
	Thread string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Order  Order
}

// Store is the persistence interface the broker depends on. Concrete
// backends are selected at startup; the broker never imports a
// concrete backend type directly.
type Store interface {
	// Append durably writes e. It returns only once e is recoverable
	// after a crash (i.e. present in a flushed batch). Returns
	// ErrDuplicateID if e.ID has already been accepted.
	Append(ctx context.Context, e *envelope.Envelope) error

	// UpdateStatus performs an idempotent, monotone status transition.
	// It returns false, nil if the transition was rejected as
	// non-monotone (the envelope is left unchanged).
	UpdateStatus(ctx context.Context, id string, status envelope.Status) (bool, error)

	// IncrementAttempts bumps the persisted attempts counter and
	// returns the new value.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// GetByID returns the envelope or ErrNotFound.
	GetByID(ctx context.Context, id string) (*envelope.Envelope, error)

	// ListHistory returns envelopes matching filter, most recent first
	// by default.
	ListHistory(ctx context.Context, filter Filter) ([]*envelope.Envelope, error)

	// Retain trims entries older than horizon, subject to maxRows.
	Retain(ctx context.Context, horizon time.Duration, maxRows int) (int, error)

	// Flush forces any buffered writes to commit.
	Flush() error

	// Close drains pending writes and releases resources.
	Close() error
}
