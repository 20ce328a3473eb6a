package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/khaliqgant/agent-relay-sub006/internal/dlq"
	"github.com/khaliqgant/agent-relay-sub006/internal/session"
)

// handleAdmin dispatches an `admin` frame to one of the operations
// named in §4.K. Authorization is presumed by socket-filesystem
// permissions; there is no further auth check here.
func (s *Server) handleAdmin(sess *session.Session, f *session.Frame) {
	var p session.AdminPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		sess.TryEnqueue(mustEncode(session.FrameAdminResult, session.AdminResultPayload{Error: "invalid admin frame"}))
		return
	}

	result, err := s.runAdminOp(p.Op, p.Args)
	resp := session.AdminResultPayload{Op: p.Op}
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = merr.Error()
		} else {
			resp.Result = data
		}
	}
	sess.TryEnqueue(mustEncode(session.FrameAdminResult, resp))
}

func (s *Server) runAdminOp(op string, args json.RawMessage) (interface{}, error) {
	ctx := context.Background()
	switch op {
	case "status":
		return s.adminStatus(), nil
	case "list_agents":
		return s.reg.Names(), nil
	case "list_subscriptions":
		return s.subs.Topics(), nil
	case "dlq_query":
		return s.adminDLQQuery(ctx, args)
	case "dlq_ack":
		return s.adminDLQAck(ctx, args)
	case "dlq_retry":
		return s.adminDLQRetry(ctx, args)
	case "memory_summary":
		return s.mon.Summary(), nil
	default:
		return nil, unknownOpError(op)
	}
}

type unknownOpError string

func (e unknownOpError) Error() string { return "broker: unknown admin op " + string(e) }

type statusResult struct {
	Now         int64 `json:"now"`
	AgentCount  int   `json:"agentCount"`
	Degraded    bool  `json:"degraded"`
	SessionCount int  `json:"sessionCount"`
}

func (s *Server) adminStatus() statusResult {
	s.mu.Lock()
	n := len(s.sessions)
	degraded := s.degraded
	s.mu.Unlock()
	return statusResult{
		Now:          time.Now().UnixMilli(),
		AgentCount:   s.reg.Count(),
		Degraded:     degraded,
		SessionCount: n,
	}
}

type dlqQueryArgs struct {
	To           string `json:"to"`
	From         string `json:"from"`
	Reason       string `json:"reason"`
	Acknowledged *bool  `json:"acknowledged"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
}

func (s *Server) adminDLQQuery(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a dlqQueryArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
	}
	filter := dlq.QueryFilter{
		To:           a.To,
		From:         a.From,
		Reason:       dlq.Reason(a.Reason),
		Acknowledged: a.Acknowledged,
		Offset:       a.Offset,
		Limit:        a.Limit,
	}
	return s.dlqq.Query(ctx, filter)
}

type dlqIDsArgs struct {
	IDs []string `json:"ids"`
	Who string   `json:"who"`
}

func (s *Server) adminDLQAck(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a dlqIDsArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	n, err := s.dlqq.AcknowledgeMany(ctx, a.IDs, a.Who)
	if err != nil {
		return nil, err
	}
	return map[string]int{"acknowledged": n}, nil
}

// adminDLQRetry resubmits each named DLQ entry as a fresh send from its
// original sender, then removes the DLQ entry. The replay lets wrapper
// tooling clear a backlog without restarting the broker.
func (s *Server) adminDLQRetry(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a dlqIDsArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	retried := 0
	for _, id := range a.IDs {
		entry, err := s.dlqq.Get(ctx, id)
		if err != nil {
			continue
		}
		p := session.SendPayload{
			To:     entry.Recipient,
			Body:   entry.Envelope.Body,
			Data:   entry.Envelope.Data,
			Thread: entry.Envelope.Thread,
			Kind:   entry.Envelope.Kind,
		}
		if _, err := s.eng.HandleSend(ctx, entry.Envelope.From, p); err != nil {
			continue
		}
		if err := s.dlqq.Remove(ctx, id); err != nil {
			s.log.Warn("broker: dlq retry remove failed for %s: %v", id, err)
			continue
		}
		retried++
	}
	return map[string]int{"retried": retried}, nil
}
