// Package hooks implements the named-event dispatcher with ordered
// sequential handlers and stop-propagation described in §4.I, mapped
// per §9 DESIGN NOTES onto: "a map from event name to an ordered list
// of handlers; emission walks the list, checking the sentinel after
// each call; a handler panic is caught and logged."
package hooks

import (
	"sync"

	"github.com/khaliqgant/agent-relay-sub006/internal/logging"
)

// EventName is one of the closed set of hook points the broker fires.
type EventName string

const (
	EventPreSend        EventName = "pre_send"
	EventPostSend        EventName = "post_send"
	EventPreDeliver      EventName = "pre_deliver"
	EventPostDeliver     EventName = "post_deliver"
	EventDeadLetter      EventName = "dead_letter"
	EventPresenceChange  EventName = "presence_change"
	EventMemoryAlert     EventName = "memory_alert"
)

// Result is the sentinel a handler returns to control propagation.
// Stop halts remaining handlers for this emission.
type Result struct {
	Stop bool
}

// Handler observes an event's payload and decides whether to halt
// propagation. Handlers run synchronously on the calling goroutine and
// must not perform unbounded work (§4.I, §5).
type Handler func(payload interface{}) Result

// Emitter dispatches named events to ordered handler lists.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventName][]Handler
	log      *logging.Logger
}

// New creates an empty Emitter.
func New(log *logging.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[EventName][]Handler),
		log:      log,
	}
}

// On registers h to run, in registration order, whenever event fires.
func (e *Emitter) On(event EventName, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], h)
}

// Emit walks event's handler list in order, stopping early if a
// handler returns Result{Stop: true}. A handler panic is recovered,
// logged, and treated as Result{Stop: false} so propagation continues
// to the remaining handlers (§4.I: "they fail closed").
func (e *Emitter) Emit(event EventName, payload interface{}) {
	e.mu.RLock()
	// Copy the slice header under the lock; handlers registered after
	// this Emit call started don't participate in it.
	list := e.handlers[event]
	handlers := make([]Handler, len(list))
	copy(handlers, list)
	e.mu.RUnlock()

	for _, h := range handlers {
		if e.runOne(event, h, payload).Stop {
			return
		}
	}
}

func (e *Emitter) runOne(event EventName, h Handler, payload interface{}) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			if e.log != nil {
				e.log.Error("hooks: handler for %s panicked: %v", event, r)
			}
			result = Result{Stop: false}
		}
	}()
	return h(payload)
}
