// Package broker wires the broker's internal packages into the running
// service described in §4.H: a UNIX socket server with one
// reader/writer pair per connection, a heartbeat watchdog, and a
// cooperative shutdown that drains outbound queues before flushing
// Storage and the DLQ.
//
// Called by: cmd/agent-relayd
// Calls: internal/envelope, internal/session, internal/presence,
// internal/subscription, internal/delivery, internal/storage,
// internal/dlq, internal/hooks, internal/memmon, internal/config,
// internal/logging
package broker

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/khaliqgant/agent-relay-sub006/internal/config"
	"github.com/khaliqgant/agent-relay-sub006/internal/delivery"
	"github.com/khaliqgant/agent-relay-sub006/internal/dlq"
	"github.com/khaliqgant/agent-relay-sub006/internal/hooks"
	"github.com/khaliqgant/agent-relay-sub006/internal/logging"
	"github.com/khaliqgant/agent-relay-sub006/internal/memmon"
	"github.com/khaliqgant/agent-relay-sub006/internal/presence"
	"github.com/khaliqgant/agent-relay-sub006/internal/session"
	"github.com/khaliqgant/agent-relay-sub006/internal/storage"
	"github.com/khaliqgant/agent-relay-sub006/internal/subscription"
)

// ServerVersion is reported in every welcome frame.
const ServerVersion = "agent-relay/1"

// ErrAlreadyRunning is returned by Start when a live PID file is found
// at the configured socket path (§4.H, exit code 65).
var ErrAlreadyRunning = fmt.Errorf("broker: already running")

// Server owns the listener, every connected Session, and the shared
// subsystems sessions are wired into.
type Server struct {
	cfg *config.Config
	log *logging.Logger

	store storage.Store
	dlqq  dlq.Queue
	reg   *presence.Registry
	subs  *subscription.Table
	hooks *hooks.Emitter
	eng   *delivery.Engine
	mon   *memmon.Monitor

	listener net.Listener
	pidPath  string

	mu       sync.Mutex
	sessions map[string]*session.Session // by Session.ID
	degraded bool

	shutdownOnce sync.Once
	closeCh      chan struct{}
	wg           sync.WaitGroup
}

// New assembles a Server and every subsystem it depends on. It does not
// bind the socket; call Start for that.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	st, err := storage.Open(cfg.Storage.Dir, storage.BatchConfig{
		MaxBatchSize:  cfg.Storage.MaxBatchSize,
		MaxBatchBytes: cfg.Storage.MaxBatchBytes,
		MaxBatchDelay: config.Ms(cfg.Storage.MaxBatchDelayMs),
		TickInterval:  10 * time.Millisecond,
	}, log.With("storage"))
	if err != nil {
		return nil, fmt.Errorf("broker: open storage: %w", err)
	}

	dq, err := dlq.Open(cfg.DLQ.Dir, log.With("dlq"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("broker: open dlq: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		dlqq:     dq,
		subs:     subscription.New(),
		hooks:    hooks.New(log.With("hooks")),
		pidPath:  cfg.Broker.SocketPath + ".pid",
		sessions: make(map[string]*session.Session),
		closeCh:  make(chan struct{}),
	}
	s.reg = presence.New(s.onPresenceEvent)
	s.mon = memmon.New(cfg.Memory, s.hooks, log.With("memmon"))
	s.eng = delivery.New(st, dq, s.reg, s.subs, s.hooks, log.With("delivery"), cfg.Delivery, cfg.Broker.MaxBodyBytes, cfg.Broker.RefillPerSec, cfg.Broker.RateBurst, cfg.Storage.StorageRetryMs)
	s.wg.Add(1)
	go s.degradedWatchLoop()

	return s, nil
}

func (s *Server) onPresenceEvent(ev presence.Event) {
	s.eng.OnPresenceEvent(ev)
	s.hooks.Emit(hooks.EventPresenceChange, ev)
	s.broadcastEvent("presence", ev)
}

// Start binds the socket, writes the PID file, and begins accepting
// connections. It returns an error if binding or writing the PID file
// fails; otherwise it blocks until Shutdown closes the listener. Other
// accept errors are logged and accepting continues.
func (s *Server) Start(ctx context.Context) error {
	if err := s.checkNotRunning(); err != nil {
		return err
	}

	_ = os.Remove(s.cfg.Broker.SocketPath)
	ln, err := net.Listen("unix", s.cfg.Broker.SocketPath)
	if err != nil {
		return fmt.Errorf("broker: bind %s: %w", s.cfg.Broker.SocketPath, err)
	}
	s.listener = ln

	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		ln.Close()
		return fmt.Errorf("broker: write pid file: %w", err)
	}

	s.log.Lifecycle("broker: listening on %s", s.cfg.Broker.SocketPath)

	s.mon.Start(ctx)
	s.wg.Add(1)
	go s.dlqCleanupLoop(ctx)

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
				s.log.Error("broker: accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// checkNotRunning refuses startup if a live PID file already claims the
// socket path (§4.H, exit code 65).
func (s *Server) checkNotRunning() error {
	data, err := os.ReadFile(s.pidPath)
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		return ErrAlreadyRunning
	}
	return nil
}

// Shutdown stops accepting connections, notifies every session, drains
// outbound queues up to shutdownDrainMs, then flushes Storage and the
// DLQ (§4.H).
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.closeCh)
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		sessions := make([]*session.Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			sess.TryEnqueue(mustEncode(session.FrameEvent, session.EventPayload{Kind: "shutdown"}))
		}

		drain := config.Ms(s.cfg.Broker.ShutdownDrainMs)
		deadline := time.Now().Add(drain)
		for _, sess := range sessions {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			select {
			case <-drained(sess):
			case <-time.After(remaining):
			}
			sess.Close()
		}

		s.eng.Wait()
		s.mon.Stop()
		s.wg.Wait()

		if err := s.store.Flush(); err != nil {
			s.log.Error("broker: flush storage on shutdown: %v", err)
		}
		s.store.Close()
		s.dlqq.Close()

		os.Remove(s.pidPath)
		s.log.Lifecycle("broker: shutdown complete")
	})
}

// drained returns a channel that closes once sess's outbox is empty —
// best-effort: a blocked writer will still drain naturally within the
// shutdown deadline.
func drained(sess *session.Session) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for len(sess.Outbox) > 0 {
			time.Sleep(5 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

func (s *Server) dlqCleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := config.Ms(s.cfg.DLQ.CleanupIntervalMs)
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-ticker.C:
			if n, err := s.dlqq.Cleanup(ctx, s.cfg.DLQ.RetentionHours, s.cfg.DLQ.MaxEntries); err != nil {
				s.log.Warn("broker: dlq cleanup failed: %v", err)
			} else if n > 0 {
				s.log.Debug("broker: dlq cleanup removed %d entries", n)
			}
			if n, err := s.store.Retain(ctx, config.Ms(s.cfg.Storage.RetentionHours*3600*1000), s.cfg.Storage.MaxRows); err != nil {
				s.log.Warn("broker: storage retain failed: %v", err)
			} else if n > 0 {
				s.log.Debug("broker: storage retain trimmed %d rows", n)
			}
		}
	}
}

// degradedWatchLoop mirrors the Delivery Engine's storage-degraded flag
// onto the session-visible `degraded` event (§7 "Storage" error kind).
func (s *Server) degradedWatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			now := s.eng.Degraded()
			s.mu.Lock()
			changed := now != s.degraded
			s.degraded = now
			s.mu.Unlock()
			if changed {
				kind := "recovered"
				if now {
					kind = "degraded"
				}
				s.broadcastEvent(kind, nil)
			}
		}
	}
}

func (s *Server) broadcastEvent(kind string, payload interface{}) {
	frame := mustEncode(session.FrameEvent, session.EventPayload{Kind: kind, Payload: payload})
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.TryEnqueue(frame)
	}
}

func newSessionID() string {
	return uuid.NewString()
}

func mustEncode(kind session.FrameKind, payload interface{}) *session.Frame {
	f, err := session.Encode(kind, payload)
	if err != nil {
		return &session.Frame{Kind: kind}
	}
	return f
}
