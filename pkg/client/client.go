// Package client provides the Wrapper API described in §6: a
// connection to the broker's UNIX socket that sends `hello`, relays
// inbound `deliver` frames to a caller-supplied handler, and correlates
// `send`/`ack` pairs so a caller can block for durability before moving
// on. It is the agent-side counterpart of internal/broker, grounded in
// cellorg's internal/client/broker.go request/response correlation
// pattern, adapted from JSON-RPC-over-TCP to this broker's
// length-prefixed frame protocol over a UNIX socket.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
	"github.com/khaliqgant/agent-relay-sub006/internal/session"
)

// DeliverHandler is invoked once per inbound `deliver` frame. The
// client sends the `delivered` ack automatically once the handler
// returns; a handler that panics is treated as a failed delivery (no
// ack is sent, so the broker retries).
type DeliverHandler func(env *envelope.Envelope)

// EventHandler observes `event` frames (presence, alerts, degraded
// mode, shutdown notices).
type EventHandler func(kind string, payload json.RawMessage)

// Client is a single connection to one broker socket for one agent
// identity.
type Client struct {
	agent         string
	maxFrameBytes int
	ackTimeout    time.Duration

	onDeliver DeliverHandler
	onEvent   EventHandler

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *session.AckPayload
	adminMu   sync.Mutex
	adminPending map[string]chan *session.AdminResultPayload

	sessionID string
	closed    chan struct{}
	closeOnce sync.Once
}

// Options configures a Client.
type Options struct {
	Agent          string
	MaxFrameBytes  int
	AckTimeout     time.Duration
	OnDeliver      DeliverHandler
	OnEvent        EventHandler
}

// Dial connects to socketPath, sends hello, and waits for welcome. The
// returned Client's reader loop runs on its own goroutine until Close.
func Dial(socketPath string, opts Options) (*Client, error) {
	if opts.Agent == "" {
		return nil, fmt.Errorf("client: agent name is required")
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = session.DefaultMaxFrameBytes
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 30 * time.Second
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}

	c := &Client{
		agent:         opts.Agent,
		maxFrameBytes: opts.MaxFrameBytes,
		ackTimeout:    opts.AckTimeout,
		onDeliver:     opts.OnDeliver,
		onEvent:       opts.OnEvent,
		conn:          conn,
		pending:       make(map[string]chan *session.AckPayload),
		adminPending:  make(map[string]chan *session.AdminResultPayload),
		closed:        make(chan struct{}),
	}

	hello, err := session.Encode(session.FrameHello, session.HelloPayload{Agent: opts.Agent})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := session.WriteFrame(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send hello: %w", err)
	}

	welcomeFrame, err := session.ReadFrame(conn, opts.MaxFrameBytes)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: read welcome: %w", err)
	}
	if welcomeFrame.Kind != session.FrameWelcome {
		conn.Close()
		return nil, fmt.Errorf("client: expected welcome, got %s", welcomeFrame.Kind)
	}
	var welcome session.WelcomePayload
	if err := json.Unmarshal(welcomeFrame.Payload, &welcome); err == nil {
		c.sessionID = welcome.SessionID
	}

	go c.readLoop()
	return c, nil
}

// SessionID returns the broker-assigned session identifier from the
// welcome frame.
func (c *Client) SessionID() string { return c.sessionID }

// Send submits a message and blocks until the broker's synchronous ack
// arrives or ackTimeout elapses. It returns the ack even on rejection;
// the caller inspects Status/Reason.
func (c *Client) Send(to, body string, opts ...SendOption) (*session.AckPayload, error) {
	p := session.SendPayload{To: to, Body: body, Kind: envelope.KindMessage}
	for _, opt := range opts {
		opt(&p)
	}
	if p.ID == "" {
		p.ID = envelope.NewID()
	}

	ackCh := make(chan *session.AckPayload, 1)
	c.pendingMu.Lock()
	c.pending[p.ID] = ackCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, p.ID)
		c.pendingMu.Unlock()
	}()

	frame, err := session.Encode(session.FrameSend, p)
	if err != nil {
		return nil, err
	}
	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-time.After(c.ackTimeout):
		return nil, fmt.Errorf("client: ack timeout for %s", p.ID)
	case <-c.closed:
		return nil, fmt.Errorf("client: connection closed")
	}
}

// SendOption customizes an outgoing send.
type SendOption func(*session.SendPayload)

// WithID pins the envelope ID, letting a caller retry a send
// idempotently (§4.G "duplicate_id").
func WithID(id string) SendOption { return func(p *session.SendPayload) { p.ID = id } }

// WithThread tags the send with an opaque thread identifier.
func WithThread(thread string) SendOption { return func(p *session.SendPayload) { p.Thread = thread } }

// WithData attaches structured data alongside the body.
func WithData(data map[string]interface{}) SendOption {
	return func(p *session.SendPayload) { p.Data = data }
}

// WithKind overrides the default "message" kind.
func WithKind(kind envelope.Kind) SendOption { return func(p *session.SendPayload) { p.Kind = kind } }

// Subscribe joins topic fanout.
func (c *Client) Subscribe(topic string) error {
	frame, err := session.Encode(session.FrameSubscribe, session.SubscribePayload{Topic: topic})
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// Unsubscribe leaves topic fanout.
func (c *Client) Unsubscribe(topic string) error {
	frame, err := session.Encode(session.FrameUnsubscribe, session.SubscribePayload{Topic: topic})
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// SetNeedsAttention updates this session's needsAttention presence flag.
func (c *Client) SetNeedsAttention(v bool) error {
	frame, err := session.Encode(session.FrameStatus, session.StatusPayload{NeedsAttention: &v})
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// Admin invokes an admin operation and blocks for its result. The wire
// protocol correlates admin replies by operation name rather than a
// per-request ID (§4.K treats admin frames as ordinary frames on the
// same session), so concurrent calls to the same op from one Client
// race on the same pending slot — callers issuing the same op
// concurrently should serialize their own calls.
func (c *Client) Admin(op string, args interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	resultCh := make(chan *session.AdminResultPayload, 1)
	c.adminMu.Lock()
	c.adminPending[op] = resultCh
	c.adminMu.Unlock()
	defer func() {
		c.adminMu.Lock()
		delete(c.adminPending, op)
		c.adminMu.Unlock()
	}()

	frame, err := session.Encode(session.FrameAdmin, session.AdminPayload{Op: op, Args: raw})
	if err != nil {
		return nil, err
	}
	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.Error != "" {
			return nil, fmt.Errorf("client: admin %s: %s", op, res.Error)
		}
		return res.Result, nil
	case <-time.After(c.ackTimeout):
		return nil, fmt.Errorf("client: admin %s timed out", op)
	case <-c.closed:
		return nil, fmt.Errorf("client: connection closed")
	}
}

func (c *Client) writeFrame(f *session.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return session.WriteFrame(c.conn, f)
}

func (c *Client) readLoop() {
	defer close(c.closed)
	defer c.conn.Close()
	for {
		f, err := session.ReadFrame(c.conn, c.maxFrameBytes)
		if err != nil {
			return
		}
		switch f.Kind {
		case session.FrameAck:
			var ack session.AckPayload
			if json.Unmarshal(f.Payload, &ack) == nil {
				c.pendingMu.Lock()
				ch, ok := c.pending[ack.ID]
				c.pendingMu.Unlock()
				if ok {
					ch <- &ack
				}
			}
		case session.FrameDeliver:
			var p session.DeliverPayload
			if json.Unmarshal(f.Payload, &p) == nil && p.Envelope != nil {
				c.handleDeliver(p.Envelope)
			}
		case session.FrameAdminResult:
			var res session.AdminResultPayload
			if json.Unmarshal(f.Payload, &res) == nil {
				c.adminMu.Lock()
				ch, ok := c.adminPending[res.Op]
				c.adminMu.Unlock()
				if ok {
					ch <- &res
				}
			}
		case session.FramePing:
			c.writeFrame(&session.Frame{Kind: session.FramePong})
		case session.FrameEvent:
			if c.onEvent != nil {
				var p session.EventPayload
				if json.Unmarshal(f.Payload, &p) == nil {
					payload, _ := json.Marshal(p.Payload)
					c.onEvent(p.Kind, payload)
				}
			}
		}
	}
}

func (c *Client) handleDeliver(env *envelope.Envelope) {
	defer func() {
		recover() // a panicking handler still leaves the ack unsent
	}()
	if c.onDeliver != nil {
		c.onDeliver(env)
	}
	ackFrame, err := session.Encode(session.FrameDelivered, session.DeliveredPayload{ID: env.ID})
	if err == nil {
		c.writeFrame(ackFrame)
	}
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		err = c.conn.Close()
		c.mu.Unlock()
	})
	return err
}

// Done returns a channel closed once the read loop has exited (peer
// closed the connection or Close was called).
func (c *Client) Done() <-chan struct{} { return c.closed }
