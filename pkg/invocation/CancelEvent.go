// Package invocation runs actions on worker goroutines and tracks their
// lifecycle: pending, running and one of the terminal states completed,
// cancelled or error. Cancellation is cooperative; per-invocation log capture
// and blob creation are provided through the invocation context.
package invocation

import (
	"errors"
	"sync"
	"time"
)

// ErrCancelled terminates an action body when its invocation is cancelled.
// Action code receives it from Sleep or RaiseIfCancelled and must let it
// propagate out.
var ErrCancelled = errors.New("invocation cancelled")

// CancelEvent is a cooperative cancellation flag.
//
// Set marks the event; RaiseIfCancelled and Sleep consume the mark as they
// report it, so one Set leads to exactly one ErrCancelled. Cancellation is
// never preemptive: an action that doesn't consult its event runs to
// completion.
type CancelEvent struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewCancelEvent creates an unset cancel event
func NewCancelEvent() *CancelEvent {
	return &CancelEvent{ch: make(chan struct{})}
}

// Set marks the event and wakes all current waiters. Idempotent.
func (event *CancelEvent) Set() {
	event.mu.Lock()
	defer event.mu.Unlock()
	if !event.set {
		event.set = true
		close(event.ch)
	}
}

// IsSet peeks at the flag without consuming it
func (event *CancelEvent) IsSet() bool {
	event.mu.Lock()
	defer event.mu.Unlock()
	return event.set
}

// consume clears the flag and re-arms the event.
// Returns whether the flag was set.
func (event *CancelEvent) consume() bool {
	event.mu.Lock()
	defer event.mu.Unlock()
	if !event.set {
		return false
	}
	event.set = false
	event.ch = make(chan struct{})
	return true
}

// waitChan returns the channel closed by the next Set
func (event *CancelEvent) waitChan() chan struct{} {
	event.mu.Lock()
	defer event.mu.Unlock()
	return event.ch
}

// RaiseIfCancelled returns ErrCancelled if the event is set, clearing it.
// A no-op otherwise.
func (event *CancelEvent) RaiseIfCancelled() error {
	if event.consume() {
		return ErrCancelled
	}
	return nil
}

// Sleep waits for the duration, interrupted by cancellation.
// Returns ErrCancelled (clearing the event) when interrupted, nil after a
// full sleep.
func (event *CancelEvent) Sleep(duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-event.waitChan():
	}
	// the wake may be stale if another waiter consumed the flag first
	if event.consume() {
		return ErrCancelled
	}
	return nil
}
