// Package concurrency implements the cancellation and supervised-spawn
// primitives every long-running task in the engine is built on (C13):
// a clone-shared cancellation token and a panic-capturing task wrapper that
// reports one of a small set of terminal outcomes (spec §4.13).
package concurrency

import "sync"

// CancellationToken is a lightweight, clone-shared cancellation flag with a
// broadcast wakeup, grounded directly on
// original_source/src/core/exchanges/cancellation_token.rs's
// CancellationState (an atomic bool plus a notify). Go has no direct
// equivalent of tokio::sync::Notify that survives multiple independent
// waiters after the fact, so this implementation closes a channel instead:
// closing is idempotent-safe via sync.Once and every past or future
// when_cancelled() receive observes it immediately.
type CancellationToken struct {
	state *tokenState
}

type tokenState struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	canceled bool
}

// New creates a fresh, not-yet-cancelled token.
func New() CancellationToken {
	return CancellationToken{state: &tokenState{done: make(chan struct{})}}
}

// Cancel flips the flag and wakes every waiter. Idempotent.
func (t CancellationToken) Cancel() {
	t.state.once.Do(func() {
		t.state.mu.Lock()
		t.state.canceled = true
		t.state.mu.Unlock()
		close(t.state.done)
	})
}

// IsCancellationRequested reports whether Cancel has been called.
func (t CancellationToken) IsCancellationRequested() bool {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	return t.state.canceled
}

// Done returns a channel that closes when the token is cancelled, usable
// directly in a select alongside context.Context.Done() and timers.
func (t CancellationToken) Done() <-chan struct{} {
	return t.state.done
}

// WhenCancelled blocks until the token is cancelled.
func (t CancellationToken) WhenCancelled() {
	<-t.state.done
}

// CreateLinkedToken returns a new, independently cancellable token that is
// also cancelled whenever t is: the parent-to-child half of the relationship
// wait_cancel_order relies on to stop its own per-order background work
// (the "order_is_finished_token" in
// original_source/.../wait_cancel.rs) without forcing every other order's
// linked token to cancel too. Cancelling the child never cancels t back.
func (t CancellationToken) CreateLinkedToken() CancellationToken {
	child := New()
	go func() {
		select {
		case <-t.Done():
			child.Cancel()
		case <-child.Done():
		}
	}()
	return child
}
