package ble

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAttemptEventsStampAttempt(t *testing.T) {
	var got []Event
	h := attemptEvents{attempt: 7, post: func(ev Event) { got = append(got, ev) }}

	h.ConnectionStateChanged(true, nil)
	h.ServicesDiscovered(errors.New("boom"))
	h.DescriptorWritten(CCCDUUID, nil)
	h.CharacteristicNotified(TXCharUUID, []byte{0x01})

	if len(got) != 4 {
		t.Fatalf("posted %d events, want 4", len(got))
	}
	for i, ev := range got {
		if ev.attemptID() != 7 {
			t.Errorf("event %d (%T) attempt = %d, want 7", i, ev, ev.attemptID())
		}
	}
	if ev, ok := got[1].(ServicesDiscoveredEvent); !ok || ev.Err == nil {
		t.Errorf("event 1 = %#v, want ServicesDiscoveredEvent with error", got[1])
	}
}

func TestEventQueuePreservesOrder(t *testing.T) {
	q := newEventQueue()
	var mu sync.Mutex
	var seen []uint64
	done := make(chan struct{})

	go q.run(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.attemptID())
		n := len(seen)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})
	for i := 1; i <= 100; i++ {
		q.post(connectDueEvent{Attempt: uint64(i)})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain within 2s")
	}
	q.stop()

	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		if id != uint64(i+1) {
			t.Fatalf("event %d has attempt %d, want %d", i, id, i+1)
		}
	}
}

func TestEventQueuePostFromHandlerDoesNotBlock(t *testing.T) {
	q := newEventQueue()
	done := make(chan struct{})
	go q.run(func(ev Event) {
		if ev.attemptID() < 50 {
			q.post(connectDueEvent{Attempt: ev.attemptID() + 1})
			return
		}
		close(done)
	})
	q.post(connectDueEvent{Attempt: 1})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant post deadlocked")
	}
	q.stop()
	q.stop() // idempotent
	q.post(startEvent{})
}
