package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a unique, URL-safe, creation-time-sortable envelope ID:
// a zero-padded hex millisecond timestamp followed by a short random
// suffix. Lexicographic order on the ID approximates `ORDER BY ts`,
// satisfying the sortability contract in §4.A without needing a
// dedicated ID-allocation service.
func NewID() string {
	ms := time.Now().UnixMilli()
	return fmt.Sprintf("%013x-%s", ms, randomSuffix())
}

func randomSuffix() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a UUID fragment rather than panic.
		return uuid.NewString()[:8]
	}
	return hex.EncodeToString(buf[:])
}

// NewSpanID returns an opaque identifier for correlating a single
// delivery attempt's ack channel; it has no ordering contract.
func NewSpanID() string {
	return uuid.NewString()
}
