package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
	"github.com/khaliqgant/agent-relay-sub006/internal/logging"
)

func openTestQueue(t *testing.T) *BadgerQueue {
	t.Helper()
	log, err := logging.New("", logging.LevelError, "")
	require.NoError(t, err)
	q, err := Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func testEntry(id, to string, reason Reason, dlqTs int64) *Entry {
	return &Entry{
		ID: id,
		Envelope: &envelope.Envelope{
			ID: id, From: "alice", To: to, Kind: envelope.KindMessage, Body: "hi",
		},
		Recipient:      to,
		Reason:         reason,
		DLQTimestampMs: dlqTs,
	}
}

func TestAddAndGet(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonMaxRetriesExceeded, 1000)))

	got, err := q.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, ReasonMaxRetriesExceeded, got.Reason)
	require.False(t, got.Acknowledged)
}

func TestAddNormalizesInvalidReason(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	e := testEntry("d1", "bob", Reason("bogus"), 1000)
	require.NoError(t, q.Add(ctx, e))

	got, err := q.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, ReasonUnknown, got.Reason)
}

func TestGetNotFound(t *testing.T) {
	_, err := openTestQueue(t).Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryFiltersByRecipientAndReason(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonTTLExpired, 1000)))
	require.NoError(t, q.Add(ctx, testEntry("d2", "carol", ReasonMaxRetriesExceeded, 2000)))
	require.NoError(t, q.Add(ctx, testEntry("d3", "bob", ReasonMaxRetriesExceeded, 3000)))

	out, err := q.Query(ctx, QueryFilter{To: "bob"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = q.Query(ctx, QueryFilter{Reason: ReasonMaxRetriesExceeded})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = q.Query(ctx, QueryFilter{To: "bob", Reason: ReasonTTLExpired})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "d1", out[0].ID)
}

func TestQueryPagination(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonUnknown, 1000)))
	require.NoError(t, q.Add(ctx, testEntry("d2", "bob", ReasonUnknown, 2000)))
	require.NoError(t, q.Add(ctx, testEntry("d3", "bob", ReasonUnknown, 3000)))

	out, err := q.Query(ctx, QueryFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "d2", out[0].ID)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonUnknown, 1000)))

	ok, err := q.Acknowledge(ctx, "d1", "root")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Acknowledge(ctx, "d1", "root")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcknowledgeManyCountsOnlyNewTransitions(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonUnknown, 1000)))
	require.NoError(t, q.Add(ctx, testEntry("d2", "bob", ReasonUnknown, 2000)))
	_, _ = q.Acknowledge(ctx, "d1", "root")

	n, err := q.AcknowledgeMany(ctx, []string{"d1", "d2", "missing"}, "root")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIncrementRetry(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonUnknown, 1000)))

	n, err := q.IncrementRetry(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRemove(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonUnknown, 1000)))
	require.NoError(t, q.Remove(ctx, "d1"))

	_, err := q.Get(ctx, "d1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetStats(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonTTLExpired, 1000)))
	require.NoError(t, q.Add(ctx, testEntry("d2", "bob", ReasonTTLExpired, 2000)))
	_, _ = q.Acknowledge(ctx, "d1", "root")

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Acknowledged)
	require.Equal(t, 1, stats.Unacknowledged)
	require.Equal(t, 2, stats.ByReason[ReasonTTLExpired])
	require.Equal(t, int64(1000), stats.OldestDLQTs)
	require.Equal(t, int64(2000), stats.NewestDLQTs)
}

func TestCleanupRemovesOldAndExcessAcknowledgedFirst(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	old := testEntry("old", "bob", ReasonUnknown, time.Now().Add(-48*time.Hour).UnixMilli())
	require.NoError(t, q.Add(ctx, old))
	require.NoError(t, q.Add(ctx, testEntry("new1", "bob", ReasonUnknown, time.Now().Add(-2*time.Hour).UnixMilli())))
	require.NoError(t, q.Add(ctx, testEntry("new2", "bob", ReasonUnknown, time.Now().Add(-time.Hour).UnixMilli())))
	_, _ = q.Acknowledge(ctx, "new1", "root")

	n, err := q.Cleanup(ctx, 24, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = q.Get(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)

	n, err = q.Cleanup(ctx, 0, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = q.Get(ctx, "new1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = q.Get(ctx, "new2")
	require.NoError(t, err)
}

func TestGetRetryableExcludesAcknowledgedAndExhausted(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, testEntry("d1", "bob", ReasonUnknown, 1000)))
	require.NoError(t, q.Add(ctx, testEntry("d2", "bob", ReasonUnknown, 2000)))
	_, _ = q.Acknowledge(ctx, "d1", "root")
	for i := 0; i < 5; i++ {
		_, _ = q.IncrementRetry(ctx, "d2")
	}
	require.NoError(t, q.Add(ctx, testEntry("d3", "bob", ReasonUnknown, 3000)))

	out, err := q.GetRetryable(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "d3", out[0].ID)
}

func TestIsValidReason(t *testing.T) {
	require.True(t, IsValidReason(ReasonRateLimited))
	require.False(t, IsValidReason(Reason("nope")))
}
