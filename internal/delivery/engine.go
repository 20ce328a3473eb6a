// Package delivery implements the Delivery Engine (§4.G): recipient
// resolution for agent/broadcast/topic addressing, per-recipient FIFO
// delivery with exponential-backoff retry, TTL enforcement, and DLQ
// integration on terminal failure.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

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

// Ack statuses returned synchronously in an `ack` frame (§4.D).
const (
	AckPending  = "pending"
	AckRejected = "rejected"
)

// Rejection reasons, surfaced synchronously to the sender (§7
// Validation/Capacity errors).
const (
	ReasonInvalidName      = "invalid_name"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonDuplicateID      = "duplicate_id"
	ReasonRateLimited      = "rate_limited"
	ReasonStorageError     = "storage_error"
)

type ackResult struct {
	success bool
}

// Engine is the Delivery Engine. It owns no network state directly —
// it reads sessions from the Presence Registry and Subscription Table
// and enqueues frames onto their outboxes.
type Engine struct {
	store   storage.Store
	dlqq    dlq.Queue
	reg     *presence.Registry
	subs    *subscription.Table
	emitter *hooks.Emitter
	log     *logging.Logger

	cfg          config.DeliveryConfig
	maxBodyBytes int
	storageRetry time.Duration

	limiter *limiter
	waiters *waiterHub
	queues  *recipientQueues

	pendingMu sync.Mutex
	pending   map[string]chan ackResult

	degradedMu   sync.RWMutex
	degraded     bool
	lastAttempt  time.Time

	wg sync.WaitGroup
}

// New constructs an Engine. refillPerSec/burst parameterize the
// per-sender rate limiter (§4.G "Rate limiting"); maxBodyBytes bounds
// synchronous payload validation (§3); storageRetryMs paces re-attempts
// once the engine has entered degraded mode after a storage failure
// (§7 "Storage" error kind).
func New(
	store storage.Store,
	dlqq dlq.Queue,
	reg *presence.Registry,
	subs *subscription.Table,
	emitter *hooks.Emitter,
	log *logging.Logger,
	cfg config.DeliveryConfig,
	maxBodyBytes int,
	refillPerSec float64,
	burst int,
	storageRetryMs int,
) *Engine {
	return &Engine{
		store:        store,
		dlqq:         dlqq,
		reg:          reg,
		subs:         subs,
		emitter:      emitter,
		log:          log,
		cfg:          cfg,
		maxBodyBytes: maxBodyBytes,
		storageRetry: config.Ms(storageRetryMs),
		limiter:      newLimiter(refillPerSec, burst),
		waiters:      newWaiterHub(),
		queues:       newRecipientQueues(),
		pending:      make(map[string]chan ackResult),
	}
}

// Degraded reports whether the engine is in storage-degraded mode
// (§7): new sends are rejected with storage_error until a retried
// append succeeds.
func (e *Engine) Degraded() bool {
	e.degradedMu.RLock()
	defer e.degradedMu.RUnlock()
	return e.degraded
}

func (e *Engine) enterDegraded() {
	e.degradedMu.Lock()
	e.degraded = true
	e.lastAttempt = time.Now()
	e.degradedMu.Unlock()
}

func (e *Engine) clearDegraded() {
	e.degradedMu.Lock()
	e.degraded = false
	e.degradedMu.Unlock()
}

// readyToRetryStorage reports whether enough time has passed since the
// last failed append to try again, throttling retries to storageRetry.
func (e *Engine) readyToRetryStorage() bool {
	e.degradedMu.RLock()
	defer e.degradedMu.RUnlock()
	if !e.degraded {
		return true
	}
	return time.Since(e.lastAttempt) >= e.storageRetry
}

// OnPresenceEvent wakes any recipient workers blocked waiting for this
// agent to come online. Wired as presence.Registry's onEvent callback.
func (e *Engine) OnPresenceEvent(ev presence.Event) {
	if ev.Online {
		e.waiters.Wake(ev.Agent)
	}
}

// HandleSend validates and persists a send request, returning the
// synchronous ack and spawning the asynchronous delivery attempts.
// Per §8 invariant 4, the ack is only ever "pending" once the envelope
// is durable in Storage.
func (e *Engine) HandleSend(ctx context.Context, from string, p session.SendPayload) (*session.AckPayload, error) {
	id := p.ID
	if id == "" {
		id = envelope.NewID()
	}

	if !e.limiter.Allow(from) {
		return &session.AckPayload{ID: id, Status: AckRejected, Reason: ReasonRateLimited}, nil
	}

	env := &envelope.Envelope{
		ID:     id,
		From:   from,
		To:     p.To,
		Body:   p.Body,
		Data:   p.Data,
		Thread: p.Thread,
		Kind:   p.Kind,
	}
	if env.Kind == "" {
		env.Kind = envelope.KindMessage
	}
	if kind, topic := envelope.ClassifyRecipient(env.To); kind == envelope.RecipientTopic {
		env.Topic = topic
	}
	env.TimestampMs = time.Now().UnixMilli()
	env.Status = envelope.StatusPending
	env.AddHop(from)

	if err := env.Validate(); err != nil {
		return &session.AckPayload{ID: id, Status: AckRejected, Reason: ReasonInvalidName}, nil
	}
	if err := env.ValidateSize(e.maxBodyBytes); err != nil {
		return &session.AckPayload{ID: id, Status: AckRejected, Reason: ReasonPayloadTooLarge}, nil
	}

	if !e.readyToRetryStorage() {
		return &session.AckPayload{ID: id, Status: AckRejected, Reason: ReasonStorageError}, nil
	}

	e.emitter.Emit(hooks.EventPreSend, env)

	if err := e.store.Append(ctx, env); err != nil {
		if errors.Is(err, storage.ErrDuplicateID) {
			return &session.AckPayload{ID: id, Status: AckRejected, Reason: ReasonDuplicateID}, nil
		}
		e.log.Error("delivery: append failed for %s: %v", id, err)
		e.enterDegraded()
		return &session.AckPayload{ID: id, Status: AckRejected, Reason: ReasonStorageError}, nil
	}
	if e.Degraded() {
		e.clearDegraded()
	}

	e.emitter.Emit(hooks.EventPostSend, env)

	// Recipient resolution and queue submission happen synchronously,
	// here, so that sends accepted in order on one connection land on
	// each recipient's FIFO queue in that same order (§8 invariant 2).
	// The actual network delivery attempts still run in background
	// per-recipient workers (§5): only enqueueing is synchronous.
	e.enqueueForDelivery(env)

	return &session.AckPayload{ID: id, Status: AckPending}, nil
}

// resolveRecipients computes the frozen recipient set for env (§4.G
// step 1, §3 "frozen for the life of the send").
func (e *Engine) resolveRecipients(env *envelope.Envelope) []string {
	kind, topic := envelope.ClassifyRecipient(env.To)
	switch kind {
	case envelope.RecipientBroadcast:
		sessions := e.reg.OnlineExcept(env.From)
		names := make([]string, 0, len(sessions))
		for _, s := range sessions {
			names = append(names, s.Agent)
		}
		return names
	case envelope.RecipientTopic:
		sessions := e.subs.Subscribers(topic)
		names := make([]string, 0, len(sessions))
		for _, s := range sessions {
			names = append(names, s.Agent)
		}
		return names
	default:
		return []string{env.To}
	}
}

// enqueueForDelivery resolves env's recipient set and fans each
// recipient's delivery attempt out onto that recipient's own FIFO
// queue (§5: "a per-recipient FIFO queue in the delivery engine, with
// one worker draining each queue"). Resolution itself only touches
// in-memory registries, so calling it synchronously from HandleSend
// costs nothing and is what makes the FIFO ordering guarantee hold.
func (e *Engine) enqueueForDelivery(env *envelope.Envelope) {
	recipients := e.resolveRecipients(env)
	kind, _ := envelope.ClassifyRecipient(env.To)

	if len(recipients) == 0 {
		if kind == envelope.RecipientAgent {
			// A single named recipient that has never connected still
			// gets a normal offline-queue wait, handled below via the
			// one-element recipients slice for that case — this
			// branch only covers broadcast/topic with zero receivers,
			// which skip the queue entirely and dead-letter directly
			// (see deadLetterNoRecipients).
			recipients = []string{env.To}
		} else {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.deadLetterNoRecipients(context.Background(), env)
			}()
			return
		}
	}

	state := newDeliveryState(recipients)
	for _, r := range recipients {
		e.wg.Add(1)
		e.queues.submit(r, recipientJob{env: env, recipient: r, state: state}, e.runRecipientJob)
	}
}

func (e *Engine) runRecipientJob(job recipientJob) {
	defer e.wg.Done()
	e.processRecipient(context.Background(), job.env, job.recipient, job.state)
}

// deadLetterNoRecipients handles §4.G step 5's target_not_found case
// for a broadcast or topic send that resolved to zero receivers: one
// DLQ entry, not one per (absent) recipient.
func (e *Engine) deadLetterNoRecipients(ctx context.Context, env *envelope.Envelope) {
	entry := &dlq.Entry{
		ID:             envelope.NewID(),
		Envelope:       env,
		Recipient:      env.To,
		Reason:         dlq.ReasonTargetNotFound,
		ErrorMessage:   "no recipients resolved for " + env.To,
		DLQTimestampMs: time.Now().UnixMilli(),
		OriginalTs:     env.TimestampMs,
		AttemptCount:   0,
	}
	if err := e.dlqq.Add(ctx, entry); err != nil {
		e.log.Error("delivery: dlq add failed for %s: %v", env.ID, err)
	}
	if _, err := e.store.UpdateStatus(ctx, env.ID, envelope.StatusDeadLettered); err != nil {
		e.log.Error("delivery: status update failed for %s: %v", env.ID, err)
	}
	e.emitter.Emit(hooks.EventDeadLetter, entry)
}

func (e *Engine) processRecipient(ctx context.Context, env *envelope.Envelope, recipient string, state *deliveryState) {
	attempts := 0
	backoff := config.Ms(e.cfg.InitialBackoffMs)
	maxBackoff := config.Ms(e.cfg.MaxBackoffMs)
	ttlMs := int64(e.cfg.TTLMs)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if env.IsExpired(time.Now(), ttlMs) {
			e.terminal(ctx, env, recipient, state, attempts, dlq.ReasonTTLExpired, "ttl expired before delivery")
			return
		}
		if attempts >= e.cfg.MaxAttempts {
			e.terminal(ctx, env, recipient, state, attempts, dlq.ReasonMaxRetriesExceeded, fmt.Sprintf("exhausted %d attempts", attempts))
			return
		}

		sess, online := e.reg.Get(recipient)
		if !online {
			wake := e.waiters.Wait(recipient)
			wait := e.remainingTTL(env, ttlMs)
			select {
			case <-wake:
				continue
			case <-wait:
				e.terminal(ctx, env, recipient, state, attempts, dlq.ReasonTTLExpired, "ttl expired waiting for recipient")
				return
			case <-ctx.Done():
				return
			}
		}

		attempts++
		key := ackKey(recipient, env.ID)
		ackCh := make(chan ackResult, 1)
		e.pendingMu.Lock()
		e.pending[key] = ackCh
		e.pendingMu.Unlock()

		frame, err := session.Encode(session.FrameDeliver, session.DeliverPayload{Envelope: env.Clone()})
		if err != nil {
			e.clearPending(key)
			e.terminal(ctx, env, recipient, state, attempts, dlq.ReasonUnknown, err.Error())
			return
		}

		if !sess.Enqueue(frame) {
			e.clearPending(key)
			if !e.awaitReconnect(ctx, recipient, env, ttlMs) {
				e.terminal(ctx, env, recipient, state, attempts, dlq.ReasonConnectionLost, "session closed before delivery")
				return
			}
			continue
		}

		select {
		case res := <-ackCh:
			e.clearPending(key)
			if res.success {
				e.onDelivered(ctx, env, recipient, state)
				return
			}
		case <-sess.Done():
			e.clearPending(key)
			if !e.awaitReconnect(ctx, recipient, env, ttlMs) {
				e.terminal(ctx, env, recipient, state, attempts, dlq.ReasonConnectionLost, "connection lost mid-attempt")
				return
			}
		case <-time.After(config.Ms(e.cfg.AckTimeoutMs)):
			e.clearPending(key)
			if _, err := e.store.IncrementAttempts(ctx, env.ID); err != nil {
				e.log.Warn("delivery: increment attempts failed for %s: %v", env.ID, err)
			}
			sleepJittered(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-ctx.Done():
			e.clearPending(key)
			return
		}
	}
}

func (e *Engine) remainingTTL(env *envelope.Envelope, ttlMs int64) <-chan time.Time {
	if ttlMs <= 0 {
		return make(chan time.Time) // never fires: no TTL configured
	}
	deadline := time.UnixMilli(env.TimestampMs + ttlMs)
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return time.After(d)
}

// awaitReconnect waits up to reconnectGraceMs for recipient to
// reappear in the Presence Registry (§4.G step 5 "connection_lost if
// ... does not reconnect within reconnectGraceMs").
func (e *Engine) awaitReconnect(ctx context.Context, recipient string, env *envelope.Envelope, ttlMs int64) bool {
	if _, online := e.reg.Get(recipient); online {
		return true
	}
	wake := e.waiters.Wait(recipient)
	select {
	case <-wake:
		return true
	case <-time.After(config.Ms(e.cfg.ReconnectGraceMs)):
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) onDelivered(ctx context.Context, env *envelope.Envelope, recipient string, state *deliveryState) {
	anyDelivered, _ := state.settle(recipient, true)
	if anyDelivered {
		if _, err := e.store.UpdateStatus(ctx, env.ID, envelope.StatusDelivered); err != nil {
			e.log.Warn("delivery: status update failed for %s: %v", env.ID, err)
		}
	}
	e.emitter.Emit(hooks.EventPostDeliver, map[string]interface{}{"envelope": env, "recipient": recipient})
}

func (e *Engine) terminal(ctx context.Context, env *envelope.Envelope, recipient string, state *deliveryState, attempts int, reason dlq.Reason, errMsg string) {
	anyDelivered, allSettled := state.settle(recipient, false)

	entry := &dlq.Entry{
		ID:             envelope.NewID(),
		Envelope:       env,
		Recipient:      recipient,
		Reason:         reason,
		ErrorMessage:   errMsg,
		DLQTimestampMs: time.Now().UnixMilli(),
		OriginalTs:     env.TimestampMs,
		AttemptCount:   attempts,
	}
	if err := e.dlqq.Add(ctx, entry); err != nil {
		e.log.Error("delivery: dlq add failed for %s/%s: %v", env.ID, recipient, err)
	}

	if !anyDelivered && allSettled {
		status := envelope.StatusDeadLettered
		if reason == dlq.ReasonTTLExpired {
			status = envelope.StatusExpired
		}
		if _, err := e.store.UpdateStatus(ctx, env.ID, status); err != nil {
			e.log.Warn("delivery: status update failed for %s: %v", env.ID, err)
		}
	}
	e.emitter.Emit(hooks.EventDeadLetter, entry)
}

// Ack is called by the broker when a session sends a `delivered`
// frame. It routes the ack to the waiting processRecipient goroutine,
// if one is still waiting.
func (e *Engine) Ack(recipient, envelopeID string) {
	key := ackKey(recipient, envelopeID)
	e.pendingMu.Lock()
	ch, ok := e.pending[key]
	delete(e.pending, key)
	e.pendingMu.Unlock()
	if ok {
		ch <- ackResult{success: true}
	}
}

func (e *Engine) clearPending(key string) {
	e.pendingMu.Lock()
	delete(e.pending, key)
	e.pendingMu.Unlock()
}

// Wait blocks until every in-flight deliver goroutine has returned;
// used during shutdown draining (§4.H).
func (e *Engine) Wait() {
	e.wg.Wait()
}

func ackKey(recipient, envelopeID string) string {
	return recipient + "\x00" + envelopeID
}

func sleepJittered(base time.Duration) {
	if base <= 0 {
		return
	}
	jitterFrac := 0.25
	delta := float64(base) * jitterFrac
	jittered := float64(base) + (rand.Float64()*2-1)*delta
	if jittered < 0 {
		jittered = 0
	}
	time.Sleep(time.Duration(jittered))
}
