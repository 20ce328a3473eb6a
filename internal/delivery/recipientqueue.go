package delivery

import (
	"sync"

	"github.com/khaliqgant/agent-relay-sub006/internal/envelope"
)

// recipientJob is one envelope's delivery work for a single recipient.
type recipientJob struct {
	env       *envelope.Envelope
	recipient string
	state     *deliveryState
}

// recipientQueue is the FIFO queue of jobs for one recipient, plus the
// flag tracking whether a drain worker is currently running for it.
type recipientQueue struct {
	mu      sync.Mutex
	jobs    []recipientJob
	running bool
}

// recipientQueues holds one FIFO queue per recipient (§8 invariant 2:
// envelopes to the same (from,to) pair deliver in the order accepted;
// keying the queue on the recipient alone is a stronger guarantee that
// trivially implies the per-pair ordering). Exactly one worker drains
// a given recipient's queue at a time, started on first submit and
// exiting once the queue runs dry; a later submit restarts it.
type recipientQueues struct {
	mu          sync.Mutex
	byRecipient map[string]*recipientQueue
}

func newRecipientQueues() *recipientQueues {
	return &recipientQueues{byRecipient: make(map[string]*recipientQueue)}
}

// submit appends job to recipient's queue in call order and ensures a
// drain worker is running for it. process is invoked once per job,
// strictly in submission order, never concurrently for the same
// recipient.
func (rq *recipientQueues) submit(recipient string, job recipientJob, process func(recipientJob)) {
	rq.mu.Lock()
	q, ok := rq.byRecipient[recipient]
	if !ok {
		q = &recipientQueue{}
		rq.byRecipient[recipient] = q
	}
	rq.mu.Unlock()

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		go rq.drain(q, process)
	}
}

func (rq *recipientQueues) drain(q *recipientQueue, process func(recipientJob)) {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		process(job)
	}
}
