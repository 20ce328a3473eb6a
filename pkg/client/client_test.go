package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
	"github.com/khaliqgant/agent-relay-sub006/internal/session"
)

func TestDialRequiresAgentName(t *testing.T) {
	_, err := Dial("/tmp/does-not-matter.sock", Options{})
	require.Error(t, err)
}

func TestDialRejectsUnreachableSocket(t *testing.T) {
	_, err := Dial("/tmp/agent-relay-test-nonexistent.sock", Options{Agent: "alice"})
	require.Error(t, err)
}

func TestSendOptionsMutatePayload(t *testing.T) {
	p := session.SendPayload{To: "bob", Body: "hi"}
	WithID("fixed-id")(&p)
	WithThread("thread-1")(&p)
	WithData(map[string]interface{}{"k": "v"})(&p)
	WithKind(envelope.KindReply)(&p)

	require.Equal(t, "fixed-id", p.ID)
	require.Equal(t, "thread-1", p.Thread)
	require.Equal(t, map[string]interface{}{"k": "v"}, p.Data)
	require.Equal(t, envelope.KindReply, p.Kind)
}
