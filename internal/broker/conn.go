package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/khaliqgant/agent-relay-sub006/internal/config"
	"github.com/khaliqgant/agent-relay-sub006/internal/session"
)

// handleConn owns one connection end-to-end: the hello handshake,
// registration, the reader/writer pair, and teardown (§4.D).
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess, err := s.handshake(conn)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	replaced := s.reg.Register(sess)
	if replaced != nil {
		replaced.TryEnqueue(mustEncode(session.FrameEvent, session.EventPayload{Kind: "replaced"}))
		replaced.Close()
	}

	var writerDone = make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, sess)
	}()

	s.readLoop(conn, sess)

	sess.Close()
	<-writerDone

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	s.subs.RemoveSession(sess)
	s.reg.Unregister(sess)
}

func (s *Server) handshake(conn net.Conn) (*session.Session, error) {
	conn.SetReadDeadline(time.Now().Add(config.Ms(s.cfg.Broker.ConnectTimeoutMs)))
	f, err := session.ReadFrame(conn, s.cfg.Broker.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	if f.Kind != session.FrameHello {
		session.WriteFrame(conn, mustEncode(session.FrameError, session.ErrorPayload{Code: "unknown_kind", Message: "expected hello"}))
		return nil, errors.New("broker: first frame was not hello")
	}

	var hello session.HelloPayload
	if err := json.Unmarshal(f.Payload, &hello); err != nil || hello.Agent == "" {
		session.WriteFrame(conn, mustEncode(session.FrameError, session.ErrorPayload{Code: "invalid_name", Message: "agent name is required"}))
		return nil, errors.New("broker: invalid hello payload")
	}

	sess := session.New(newSessionID(), hello.Agent, s.cfg.Broker.OutboxCapacity)
	for _, topic := range hello.Subscriptions {
		s.subs.Subscribe(sess, topic)
	}

	welcome := mustEncode(session.FrameWelcome, session.WelcomePayload{
		ServerVersion: ServerVersion,
		SessionID:     sess.ID,
		Now:           time.Now().UnixMilli(),
	})
	if err := session.WriteFrame(conn, welcome); err != nil {
		return nil, err
	}
	return sess, nil
}

// writeLoop drains sess.Outbox to conn and injects heartbeat pings
// whenever heartbeatMs elapses with no other outbound frame (§4.D).
func (s *Server) writeLoop(conn net.Conn, sess *session.Session) {
	heartbeat := config.Ms(s.cfg.Broker.HeartbeatMs)
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sess.Outbox:
			if !ok {
				return
			}
			if err := session.WriteFrame(conn, frame); err != nil {
				return
			}
			ticker.Reset(heartbeat)
		case <-ticker.C:
			if err := session.WriteFrame(conn, mustEncode(session.FramePing, nil)); err != nil {
				return
			}
		case <-sess.Done():
			// Write frames queued just before the close (e.g. "replaced").
			for {
				select {
				case frame := <-sess.Outbox:
					if err := session.WriteFrame(conn, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop decodes inbound frames until the connection closes, an
// idle timeout elapses, or a frame is malformed/oversized (§4.D, §4.E).
func (s *Server) readLoop(conn net.Conn, sess *session.Session) {
	idle := config.Ms(s.cfg.Broker.IdleTimeoutMs)
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		f, err := session.ReadFrame(conn, s.cfg.Broker.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, session.ErrFrameTooLarge) {
				sess.TryEnqueue(mustEncode(session.FrameError, session.ErrorPayload{Code: "payload_too_large"}))
			}
			return
		}
		sess.Touch()
		s.dispatch(conn, sess, f)
	}
}

func (s *Server) dispatch(conn net.Conn, sess *session.Session, f *session.Frame) {
	switch f.Kind {
	case session.FrameSend:
		s.handleSend(sess, f)
	case session.FrameSubscribe:
		s.handleSubscribe(sess, f, true)
	case session.FrameUnsubscribe:
		s.handleSubscribe(sess, f, false)
	case session.FramePing:
		sess.TryEnqueue(mustEncode(session.FramePong, session.PongPayload{Now: time.Now().UnixMilli()}))
	case session.FrameStatus:
		s.handleStatus(sess, f)
	case session.FrameDelivered:
		s.handleDelivered(sess, f)
	case session.FrameAdmin:
		s.handleAdmin(sess, f)
	default:
		sess.TryEnqueue(mustEncode(session.FrameError, session.ErrorPayload{Code: "unknown_kind", Message: string(f.Kind)}))
	}
}

func (s *Server) handleSend(sess *session.Session, f *session.Frame) {
	var p session.SendPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		sess.TryEnqueue(mustEncode(session.FrameAck, session.AckPayload{Status: "rejected", Reason: "invalid_name"}))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.Ms(s.cfg.Broker.ConnectTimeoutMs)+5*time.Second)
	defer cancel()
	ack, err := s.eng.HandleSend(ctx, sess.Agent, p)
	if err != nil {
		s.log.Error("broker: send handling failed: %v", err)
		return
	}
	sess.TryEnqueue(mustEncode(session.FrameAck, *ack))
}

func (s *Server) handleSubscribe(sess *session.Session, f *session.Frame, subscribe bool) {
	var p session.SubscribePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.Topic == "" {
		sess.TryEnqueue(mustEncode(session.FrameError, session.ErrorPayload{Code: "invalid_name"}))
		return
	}
	if subscribe {
		s.subs.Subscribe(sess, p.Topic)
	} else {
		s.subs.Unsubscribe(sess, p.Topic)
	}
	kind := session.FrameSubscribe
	if !subscribe {
		kind = session.FrameUnsubscribe
	}
	sess.TryEnqueue(mustEncode(kind, p))
}

func (s *Server) handleStatus(sess *session.Session, f *session.Frame) {
	var p session.StatusPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	if p.NeedsAttention != nil {
		sess.SetNeedsAttention(*p.NeedsAttention)
	}
}

func (s *Server) handleDelivered(sess *session.Session, f *session.Frame) {
	var p session.DeliveredPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.ID == "" {
		return
	}
	s.eng.Ack(sess.Agent, p.ID)
}
