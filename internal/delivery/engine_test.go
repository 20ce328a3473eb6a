package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khaliqgant/agent-relay-sub006/internal/config"
	"github.com/khaliqgant/agent-relay-sub006/internal/dlq"
	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
	"github.com/khaliqgant/agent-relay-sub006/internal/hooks"
	"github.com/khaliqgant/agent-relay-sub006/internal/logging"
	"github.com/khaliqgant/agent-relay-sub006/internal/presence"
	"github.com/khaliqgant/agent-relay-sub006/internal/session"
	"github.com/khaliqgant/agent-relay-sub006/internal/storage"
	"github.com/khaliqgant/agent-relay-sub006/internal/subscription"
)

type testEngine struct {
	eng   *Engine
	store storage.Store
	dlqq  dlq.Queue
	reg   *presence.Registry
	subs  *subscription.Table
}

func newTestEngine(t *testing.T, cfg config.DeliveryConfig) *testEngine {
	t.Helper()
	log, err := logging.New("", logging.LevelError, "")
	require.NoError(t, err)

	st, err := storage.Open(t.TempDir(), storage.BatchConfig{
		MaxBatchSize: 1, MaxBatchBytes: 1 << 20, MaxBatchDelay: 5 * time.Millisecond, TickInterval: time.Millisecond,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dq, err := dlq.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { dq.Close() })

	subs := subscription.New()
	emitter := hooks.New(log)

	te := &testEngine{store: st, dlqq: dq, subs: subs}
	te.reg = presence.New(func(ev presence.Event) { te.eng.OnPresenceEvent(ev) })
	te.eng = New(st, dq, te.reg, subs, emitter, log, cfg, 1<<20, 1000, 1000, 1000)
	return te
}

func fastCfg() config.DeliveryConfig {
	return config.DeliveryConfig{
		AckTimeoutMs:     30,
		InitialBackoffMs: 5,
		MaxBackoffMs:     20,
		MaxAttempts:      3,
		TTLMs:            0,
		ReconnectGraceMs: 30,
	}
}

func TestHandleSendRejectsInvalidName(t *testing.T) {
	te := newTestEngine(t, fastCfg())
	ack, err := te.eng.HandleSend(context.Background(), "", session.SendPayload{To: "bob", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, AckRejected, ack.Status)
	require.Equal(t, ReasonInvalidName, ack.Reason)
}

func TestHandleSendRejectsPayloadTooLarge(t *testing.T) {
	te := newTestEngine(t, fastCfg())
	big := make([]byte, 2<<20)
	ack, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{To: "bob", Body: string(big)})
	require.NoError(t, err)
	require.Equal(t, AckRejected, ack.Status)
	require.Equal(t, ReasonPayloadTooLarge, ack.Reason)
}

func TestHandleSendRejectsDuplicateID(t *testing.T) {
	te := newTestEngine(t, fastCfg())
	ack, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{ID: "fixed", To: "bob", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack.Status)

	ack, err = te.eng.HandleSend(context.Background(), "alice", session.SendPayload{ID: "fixed", To: "carol", Body: "hi again"})
	require.NoError(t, err)
	require.Equal(t, AckRejected, ack.Status)
	require.Equal(t, ReasonDuplicateID, ack.Reason)
}

func TestHandleSendRateLimited(t *testing.T) {
	log, err := logging.New("", logging.LevelError, "")
	require.NoError(t, err)
	st, err := storage.Open(t.TempDir(), storage.DefaultBatchConfig(), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	dq, err := dlq.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { dq.Close() })

	reg := presence.New(nil)
	subs := subscription.New()
	eng := New(st, dq, reg, subs, hooks.New(log), log, fastCfg(), 1<<20, 0.0001, 1, 0)

	ack, err := eng.HandleSend(context.Background(), "alice", session.SendPayload{To: "bob", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack.Status)

	ack, err = eng.HandleSend(context.Background(), "alice", session.SendPayload{To: "bob", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, AckRejected, ack.Status)
	require.Equal(t, ReasonRateLimited, ack.Reason)
}

func TestHandleSendDeliversToOnlineRecipient(t *testing.T) {
	te := newTestEngine(t, fastCfg())
	bob := session.New("s-bob", "bob", 4)
	te.reg.Register(bob)

	ack, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{To: "bob", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack.Status)

	var frame *session.Frame
	select {
	case frame = <-bob.Outbox:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliver frame")
	}
	require.Equal(t, session.FrameDeliver, frame.Kind)

	te.eng.Ack("bob", ack.ID)
	te.eng.Wait()

	got, err := te.store.GetByID(context.Background(), ack.ID)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusDelivered, got.Status)
}

// TestHandleSendPreservesFIFOOrderPerRecipient guards §8 invariant 2:
// two sends to the same recipient, accepted back to back, must arrive
// in that same order even though each spawns its own delivery work.
func TestHandleSendPreservesFIFOOrderPerRecipient(t *testing.T) {
	te := newTestEngine(t, fastCfg())
	bob := session.New("s-bob", "bob", 8)
	te.reg.Register(bob)

	ack1, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{ID: "m1", To: "bob", Body: "first"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack1.Status)

	ack2, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{ID: "m2", To: "bob", Body: "second"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack2.Status)

	var bodies []string
	for i := 0; i < 2; i++ {
		select {
		case frame := <-bob.Outbox:
			var p session.DeliverPayload
			require.NoError(t, json.Unmarshal(frame.Payload, &p))
			bodies = append(bodies, p.Envelope.Body)
			te.eng.Ack("bob", p.Envelope.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for deliver frame")
		}
	}
	require.Equal(t, []string{"first", "second"}, bodies)
	te.eng.Wait()
}

// TestHandleSendMaxRetriesExceededRecordsAttemptCount guards the DLQ
// entry's attemptCount against the real per-recipient attempt count,
// not a never-incremented field on the shared envelope.
func TestHandleSendMaxRetriesExceededRecordsAttemptCount(t *testing.T) {
	cfg := fastCfg()
	cfg.MaxAttempts = 3
	te := newTestEngine(t, cfg)

	bob := session.New("s-bob", "bob", 8)
	te.reg.Register(bob)

	ack, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{To: "bob", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack.Status)

	te.eng.Wait()

	got, err := te.store.GetByID(context.Background(), ack.ID)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusDeadLettered, got.Status)

	entries, err := te.dlqq.Query(context.Background(), dlq.QueryFilter{To: "bob"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, dlq.ReasonMaxRetriesExceeded, entries[0].Reason)
	require.Equal(t, 3, entries[0].AttemptCount)
}

func TestHandleSendDeadLettersOnTTLExpiry(t *testing.T) {
	cfg := fastCfg()
	cfg.TTLMs = 20
	te := newTestEngine(t, cfg)

	ack, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{To: "nobody", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack.Status)

	te.eng.Wait()

	got, err := te.store.GetByID(context.Background(), ack.ID)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusExpired, got.Status)

	entries, err := te.dlqq.Query(context.Background(), dlq.QueryFilter{To: "nobody"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, dlq.ReasonTTLExpired, entries[0].Reason)
}

func TestHandleSendDeadLettersTopicWithNoSubscribers(t *testing.T) {
	te := newTestEngine(t, fastCfg())

	ack, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{To: "topic:empty", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack.Status)

	te.eng.Wait()

	got, err := te.store.GetByID(context.Background(), ack.ID)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusDeadLettered, got.Status)

	entries, err := te.dlqq.Query(context.Background(), dlq.QueryFilter{To: "topic:empty"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, dlq.ReasonTargetNotFound, entries[0].Reason)
}

func TestOnPresenceEventWakesWaitingDelivery(t *testing.T) {
	cfg := fastCfg()
	cfg.TTLMs = 500
	te := newTestEngine(t, cfg)

	ack, err := te.eng.HandleSend(context.Background(), "alice", session.SendPayload{To: "bob", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, AckPending, ack.Status)

	time.Sleep(10 * time.Millisecond)
	bob := session.New("s-bob", "bob", 4)
	te.reg.Register(bob)

	var frame *session.Frame
	select {
	case frame = <-bob.Outbox:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliver frame after reconnect")
	}
	require.Equal(t, session.FrameDeliver, frame.Kind)

	te.eng.Ack("bob", ack.ID)
	te.eng.Wait()
}
