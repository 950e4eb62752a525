package ble

import (
	"sync"
)

// Event is a single input to the session state machine.
type Event interface {
	attemptID() uint64
}

// ConnectionStateEvent reports that a connection attempt connected or dropped.
type ConnectionStateEvent struct {
	Attempt   uint64
	Connected bool
	Err       error
}

// ServicesDiscoveredEvent reports completion of service discovery.
type ServicesDiscoveredEvent struct {
	Attempt uint64
	Err     error
}

// DescriptorWrittenEvent reports an acknowledged descriptor write.
type DescriptorWrittenEvent struct {
	Attempt    uint64
	Descriptor string
	Err        error
}

// NotificationEvent carries one notified characteristic value.
type NotificationEvent struct {
	Attempt        uint64
	Characteristic string
	Value          []byte
}

// connectDueEvent fires when the pre-connect delay for an attempt elapses.
type connectDueEvent struct {
	Attempt uint64
}

// startEvent begins the exchange.
type startEvent struct{}

// abortEvent ends the exchange early with the given failure.
type abortEvent struct {
	err *Error
}

// Events with attempt 0 are not tied to a connection attempt.
func (e ConnectionStateEvent) attemptID() uint64    { return e.Attempt }
func (e ServicesDiscoveredEvent) attemptID() uint64 { return e.Attempt }
func (e DescriptorWrittenEvent) attemptID() uint64  { return e.Attempt }
func (e NotificationEvent) attemptID() uint64       { return e.Attempt }
func (e connectDueEvent) attemptID() uint64         { return e.Attempt }
func (startEvent) attemptID() uint64                { return 0 }
func (abortEvent) attemptID() uint64                { return 0 }

// attemptEvents adapts transport callbacks for one connection attempt into
// events stamped with that attempt's number.
type attemptEvents struct {
	attempt uint64
	post    func(Event)
}

var _ EventHandler = attemptEvents{}

func (a attemptEvents) ConnectionStateChanged(connected bool, err error) {
	a.post(ConnectionStateEvent{Attempt: a.attempt, Connected: connected, Err: err})
}

func (a attemptEvents) ServicesDiscovered(err error) {
	a.post(ServicesDiscoveredEvent{Attempt: a.attempt, Err: err})
}

func (a attemptEvents) DescriptorWritten(descriptorUUID string, err error) {
	a.post(DescriptorWrittenEvent{Attempt: a.attempt, Descriptor: descriptorUUID, Err: err})
}

func (a attemptEvents) CharacteristicNotified(charUUID string, value []byte) {
	// The transport may reuse its buffer after the callback returns.
	cp := make([]byte, len(value))
	copy(cp, value)
	a.post(NotificationEvent{Attempt: a.attempt, Characteristic: charUUID, Value: cp})
}

// eventQueue is an unbounded FIFO drained by a single goroutine. post never
// blocks, so it is safe to call from inside an event handler.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *eventQueue) post(ev Event) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run handles events in order until stop is called.
func (q *eventQueue) run(handle func(Event)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if q.stopped || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			handle(ev)
		}
	}
}

// stop discards pending events and ends run. Safe to call more than once.
func (q *eventQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.pending = nil
	close(q.done)
}
