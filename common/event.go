package common

import "sync"

// Event lets any number of goroutines wait for the next Broadcast. Unlike sync.Cond, waiting is done on a
// channel, so waiters can select on it together with a timer or a context.
type Event struct {
	mu sync.Mutex
	c  chan struct{}
}

// Wait returns a channel that is closed by the next call to Broadcast. Callers that need to avoid lost
// wake-ups must call Wait while still holding the lock that guards the condition they re-check.
func (e *Event) Wait() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.c
}

// Broadcast wakes every goroutine currently waiting on the event.
func (e *Event) Broadcast() {
	e.mu.Lock()
	defer e.mu.Unlock()

	close(e.c)
	e.c = make(chan struct{})
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}
