package presence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khaliqgant/agent-relay-sub006/internal/session"
)

func TestRegisterEmitsOnlineEvent(t *testing.T) {
	var events []Event
	r := New(func(ev Event) { events = append(events, ev) })

	sess := session.New("s1", "Alice", 1)
	old := r.Register(sess)

	require.Nil(t, old)
	require.Len(t, events, 1)
	require.Equal(t, Event{Agent: "Alice", Online: true}, events[0])

	got, ok := r.Get("Alice")
	require.True(t, ok)
	require.Same(t, sess, got)
}

func TestRegisterReplacesAndReturnsOld(t *testing.T) {
	r := New(nil)
	first := session.New("s1", "Alice", 1)
	second := session.New("s2", "Alice", 1)

	r.Register(first)
	old := r.Register(second)

	require.Same(t, first, old)
	got, ok := r.Get("Alice")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestUnregisterOnlyRemovesCurrentSession(t *testing.T) {
	var events []Event
	r := New(func(ev Event) { events = append(events, ev) })

	first := session.New("s1", "Alice", 1)
	second := session.New("s2", "Alice", 1)
	r.Register(first)
	r.Register(second)

	// Stale teardown of the replaced session must not evict the newer one.
	r.Unregister(first)
	_, ok := r.Get("Alice")
	require.True(t, ok)

	r.Unregister(second)
	_, ok = r.Get("Alice")
	require.False(t, ok)

	require.Equal(t, Event{Agent: "Alice", Online: false}, events[len(events)-1])
}

func TestOnlineExceptExcludesSelfAndObservers(t *testing.T) {
	r := New(nil)
	alice := session.New("s1", "Alice", 1)
	bob := session.New("s2", "Bob", 1)
	observer := session.New("s3", "__watch__", 1)

	r.Register(alice)
	r.Register(bob)
	r.Register(observer)

	out := r.OnlineExcept("Alice")
	names := make([]string, 0, len(out))
	for _, s := range out {
		names = append(names, s.Agent)
	}
	require.ElementsMatch(t, []string{"Bob"}, names)
}

func TestCountAndNames(t *testing.T) {
	r := New(nil)
	r.Register(session.New("s1", "Alice", 1))
	r.Register(session.New("s2", "Bob", 1))

	require.Equal(t, 2, r.Count())
	require.ElementsMatch(t, []string{"Alice", "Bob"}, r.Names())
}
