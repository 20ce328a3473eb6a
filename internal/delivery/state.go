package delivery

import "sync"

// outcome is the terminal (or still-pending) result for one recipient
// of one envelope, tracked only in memory for the life of a send.
type outcome string

const (
	outcomePending   outcome = "pending"
	outcomeDelivered outcome = "delivered"
	outcomeTerminal  outcome = "terminal"
)

// deliveryState tracks per-recipient outcomes for one envelope send so
// the engine can compute the envelope-level status once every
// recipient has settled (§8 invariant 3: delivered + DLQ'd + pending
// recipients sums to the frozen recipient set's cardinality).
type deliveryState struct {
	mu         sync.Mutex
	recipients []string
	outcomes   map[string]outcome
}

func newDeliveryState(recipients []string) *deliveryState {
	s := &deliveryState{
		recipients: recipients,
		outcomes:   make(map[string]outcome, len(recipients)),
	}
	for _, r := range recipients {
		s.outcomes[r] = outcomePending
	}
	return s
}

// settle records recipient's final outcome and reports whether any
// recipient has been delivered and whether every recipient has now settled.
func (s *deliveryState) settle(recipient string, delivered bool) (anyDelivered, allSettled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delivered {
		s.outcomes[recipient] = outcomeDelivered
	} else {
		s.outcomes[recipient] = outcomeTerminal
	}
	allSettled = true
	for _, o := range s.outcomes {
		if o == outcomePending {
			allSettled = false
		}
		if o == outcomeDelivered {
			anyDelivered = true
		}
	}
	return anyDelivered, allSettled
}
