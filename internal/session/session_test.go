package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsObserver(t *testing.T) {
	require.True(t, New("s1", "__observer__", 1).IsObserver())
	require.False(t, New("s2", "Alice", 1).IsObserver())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	s := New("s1", "Alice", 1)
	require.True(t, s.Subscribe("topic:a"))
	require.False(t, s.Subscribe("topic:a"))
	require.ElementsMatch(t, []string{"topic:a"}, s.Subscriptions())

	require.True(t, s.Unsubscribe("topic:a"))
	require.False(t, s.Unsubscribe("topic:a"))
	require.Empty(t, s.Subscriptions())
}

func TestEnqueueBlocksUntilClosed(t *testing.T) {
	s := New("s1", "Alice", 0)
	done := make(chan bool, 1)
	go func() {
		done <- s.Enqueue(&Frame{Kind: FramePing})
	}()
	time.Sleep(10 * time.Millisecond)
	s.Close()
	require.False(t, <-done)
}

func TestTryEnqueueNonBlocking(t *testing.T) {
	s := New("s1", "Alice", 1)
	require.True(t, s.TryEnqueue(&Frame{Kind: FramePing}))
	require.False(t, s.TryEnqueue(&Frame{Kind: FramePing}))
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	s := New("s1", "Alice", 1)
	first := s.LastSeen()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	require.True(t, s.LastSeen().After(first))
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New("s1", "Alice", 1)
	s.Close()
	require.NotPanics(t, func() { s.Close() })
	require.True(t, s.Closed())
}

func TestNeedsAttention(t *testing.T) {
	s := New("s1", "Alice", 1)
	require.False(t, s.NeedsAttention())
	s.SetNeedsAttention(true)
	require.True(t, s.NeedsAttention())
}
