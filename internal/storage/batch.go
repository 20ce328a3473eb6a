package storage

import (
	"time"

	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
)

// BatchConfig controls the write-batching policy described in §4.B: a
// flush happens when any of count, bytes, or delay thresholds is
// crossed, or when Flush/Close is called explicitly.
type BatchConfig struct {
	MaxBatchSize  int
	MaxBatchBytes int
	MaxBatchDelay time.Duration
	TickInterval  time.Duration
}

// DefaultBatchConfig mirrors the spec's inline defaults, scaled for a
// single-project local daemon rather than a multi-tenant server.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:  64,
		MaxBatchBytes: 1 << 20,
		MaxBatchDelay: 50 * time.Millisecond,
		TickInterval:  10 * time.Millisecond,
	}
}

type queuedWrite struct {
	env  *envelope.Envelope
	size int
	done chan error
}
