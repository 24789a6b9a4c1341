// Package blocker implements the exchange blocker (C12): a per-exchange set
// of active block reasons, each either manual or timed, that suspends
// adapter calls until every reason clears. Every state transition is
// serialized through a single actor goroutine per spec §4.12, so handlers
// never race each other or the query methods.
//
// Grounded on
// original_source/src/core/exchanges/exchange_blocker.rs (BlockReason,
// BlockType::{Manual,Timed}, the ProgressStatus state machine
// WaitBlockedMove -> ProgressBlocked -> WaitBeforeUnblockedMove ->
// WaitUnblockedMove, and the per-blocker Notify used by wait_unblock); the
// channel-actor shape generalizes the teacher's risk.Manager, which also
// runs a single goroutine consuming events off a channel and serializes all
// of its state mutation through it.
package blocker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shiori-quant/ledgerman/internal/concurrency"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// BlockReason names why an exchange is blocked (e.g. "RateLimit",
// "WebsocketReconnect"). Adapters and the lifecycle engine share a small,
// fixed vocabulary of reasons; it is a plain string so callers do not need
// to import a shared enum package for one.
type BlockReason string

// BlockType is how a block ends: Manual blocks only end via an explicit
// Unblock call; Timed blocks end on their own after Duration unless
// extended by a later, longer-lived Block call for the same reason.
type BlockType struct {
	Manual   bool
	Duration time.Duration
}

// Moment is which phase of the unblock sequence a handler is being notified
// of (spec §4.12's ExchangeBlockerMoment).
type Moment int

const (
	MomentBlocked Moment = iota
	MomentBeforeUnblocked
	MomentUnblocked
)

func (m Moment) String() string {
	switch m {
	case MomentBlocked:
		return "Blocked"
	case MomentBeforeUnblocked:
		return "BeforeUnblocked"
	case MomentUnblocked:
		return "Unblocked"
	default:
		return "Unknown"
	}
}

// Event is what a registered Handler receives on every state change.
type Event struct {
	Exchange types.ExchangeAccountID
	Reason   BlockReason
	Moment   Moment
}

// Handler is invoked synchronously, in actor order, for every state change
// of every blocker. It receives a cancellation token linked to the actor's
// own lifetime so a handler that needs to wait on something can observe the
// blocker shutting down.
type Handler func(evt Event, token concurrency.CancellationToken)

type progressStatus int

const (
	statusProgressBlocked progressStatus = iota
	statusWaitBeforeUnblockedMove
	statusWaitUnblockedMove
)

type blockerEntry struct {
	exchange types.ExchangeAccountID
	reason   BlockReason
	blkType  BlockType
	endTime  time.Time
	status   progressStatus
	timer    *time.Timer
	done     chan struct{}
}

// actorEvent is one unit of work processed serially by the actor goroutine.
type actorEvent struct {
	kind    string // "block" | "unblock" | "timer_fired"
	exchange types.ExchangeAccountID
	reason   BlockReason
	blkType  BlockType
	reply    chan error
}

// Blocker owns every exchange's active block reasons and drives their state
// transitions through a single serialized actor.
type Blocker struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[types.ExchangeAccountID]map[BlockReason]*blockerEntry

	handlersMu sync.RWMutex
	handlers   []Handler

	events chan actorEvent
	token  concurrency.CancellationToken
}

// New creates a Blocker and starts its actor goroutine.
func New(log *slog.Logger) *Blocker {
	if log == nil {
		log = slog.Default()
	}
	b := &Blocker{
		log:     log.With("component", "exchange_blocker"),
		entries: make(map[types.ExchangeAccountID]map[BlockReason]*blockerEntry),
		events:  make(chan actorEvent, 64),
		token:   concurrency.New(),
	}
	go b.run()
	return b
}

// Stop cancels the actor's token and drains no further events; existing
// timers are left to fire harmlessly against a closed actor (their
// timer_fired events are simply dropped once events is no longer read).
func (b *Blocker) Stop() {
	b.token.Cancel()
}

// RegisterHandler adds a handler invoked on every future state change.
func (b *Blocker) RegisterHandler(h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Blocker) notify(evt Event) {
	b.handlersMu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.handlersMu.RUnlock()

	for _, h := range handlers {
		h(evt, b.token)
	}
}

func (b *Blocker) run() {
	for {
		select {
		case evt := <-b.events:
			b.handle(evt)
		case <-b.token.Done():
			return
		}
	}
}

func (b *Blocker) handle(ae actorEvent) {
	switch ae.kind {
	case "block":
		b.handleBlock(ae)
	case "unblock":
		b.handleUnblock(ae)
	case "timer_fired":
		b.handleTimerFired(ae)
	}
}

func (b *Blocker) handleBlock(ae actorEvent) {
	b.mu.Lock()
	m, ok := b.entries[ae.exchange]
	if !ok {
		m = make(map[BlockReason]*blockerEntry)
		b.entries[ae.exchange] = m
	}
	existing, exists := m[ae.reason]

	if exists && existing.blkType.Manual && !ae.blkType.Manual {
		// A manual block is never weakened into a timed one by a later
		// timed Block call for the same reason.
		b.mu.Unlock()
		if ae.reply != nil {
			ae.reply <- nil
		}
		return
	}
	if exists && !existing.blkType.Manual && ae.blkType.Manual {
		b.mu.Unlock()
		if ae.reply != nil {
			ae.reply <- fmt.Errorf("blocker: cannot issue manual block for %s/%s while a timed block is active", ae.exchange, ae.reason)
		}
		return
	}

	now := time.Now()
	var newEnd time.Time
	if !ae.blkType.Manual {
		newEnd = now.Add(ae.blkType.Duration)
	}

	if exists {
		if !ae.blkType.Manual && newEnd.After(existing.endTime) {
			if existing.timer != nil {
				existing.timer.Stop()
			}
			existing.endTime = newEnd
			existing.timer = b.scheduleTimeout(ae.exchange, ae.reason, ae.blkType.Duration)
		}
		b.mu.Unlock()
		if ae.reply != nil {
			ae.reply <- nil
		}
		return
	}

	entry := &blockerEntry{
		exchange: ae.exchange,
		reason:   ae.reason,
		blkType:  ae.blkType,
		endTime:  newEnd,
		status:   statusProgressBlocked,
		done:     make(chan struct{}),
	}
	if !ae.blkType.Manual {
		entry.timer = b.scheduleTimeout(ae.exchange, ae.reason, ae.blkType.Duration)
	}
	m[ae.reason] = entry
	b.mu.Unlock()

	b.notify(Event{Exchange: ae.exchange, Reason: ae.reason, Moment: MomentBlocked})
	if ae.reply != nil {
		ae.reply <- nil
	}
}

func (b *Blocker) scheduleTimeout(exchange types.ExchangeAccountID, reason BlockReason, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case b.events <- actorEvent{kind: "timer_fired", exchange: exchange, reason: reason}:
		case <-b.token.Done():
		}
	})
}

func (b *Blocker) handleTimerFired(ae actorEvent) {
	b.beginUnblock(ae.exchange, ae.reason)
}

func (b *Blocker) handleUnblock(ae actorEvent) {
	b.mu.Lock()
	m, ok := b.entries[ae.exchange]
	if !ok {
		b.mu.Unlock()
		if ae.reply != nil {
			ae.reply <- nil
		}
		return
	}
	if _, ok := m[ae.reason]; !ok {
		b.mu.Unlock()
		if ae.reply != nil {
			ae.reply <- nil
		}
		return
	}
	b.mu.Unlock()

	b.beginUnblock(ae.exchange, ae.reason)
	if ae.reply != nil {
		ae.reply <- nil
	}
}

// beginUnblock drives an entry through WaitBeforeUnblockedMove ->
// WaitUnblockedMove -> removed, running registered handlers at each step
// (spec §4.12's state diagram).
func (b *Blocker) beginUnblock(exchange types.ExchangeAccountID, reason BlockReason) {
	b.mu.Lock()
	m, ok := b.entries[exchange]
	if !ok {
		b.mu.Unlock()
		return
	}
	entry, ok := m[reason]
	if !ok {
		b.mu.Unlock()
		return
	}
	entry.status = statusWaitBeforeUnblockedMove
	b.mu.Unlock()

	b.notify(Event{Exchange: exchange, Reason: reason, Moment: MomentBeforeUnblocked})

	b.mu.Lock()
	entry.status = statusWaitUnblockedMove
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(m, reason)
	if len(m) == 0 {
		delete(b.entries, exchange)
	}
	b.mu.Unlock()

	b.notify(Event{Exchange: exchange, Reason: reason, Moment: MomentUnblocked})
	close(entry.done)
}

// Block issues (or extends) a block for (exchange, reason). Returns an
// error if a manual block is requested while a timed block for the same
// reason is active (spec §4.12).
func (b *Blocker) Block(exchange types.ExchangeAccountID, reason BlockReason, blkType BlockType) error {
	reply := make(chan error, 1)
	select {
	case b.events <- actorEvent{kind: "block", exchange: exchange, reason: reason, blkType: blkType, reply: reply}:
	case <-b.token.Done():
		return fmt.Errorf("blocker: stopped")
	}
	return <-reply
}

// Unblock manually clears (exchange, reason), if active.
func (b *Blocker) Unblock(exchange types.ExchangeAccountID, reason BlockReason) error {
	reply := make(chan error, 1)
	select {
	case b.events <- actorEvent{kind: "unblock", exchange: exchange, reason: reason, reply: reply}:
	case <-b.token.Done():
		return fmt.Errorf("blocker: stopped")
	}
	return <-reply
}

// IsBlocked reports whether exchange has any active block reason.
func (b *Blocker) IsBlocked(exchange types.ExchangeAccountID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[exchange]) > 0
}

// IsBlockedByReason reports whether exchange is blocked specifically for reason.
func (b *Blocker) IsBlockedByReason(exchange types.ExchangeAccountID, reason BlockReason) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[exchange][reason]
	return ok
}

// IsBlockedExceptReason reports whether exchange is blocked for any reason
// other than the given one.
func (b *Blocker) IsBlockedExceptReason(exchange types.ExchangeAccountID, reason BlockReason) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r := range b.entries[exchange] {
		if r != reason {
			return true
		}
	}
	return false
}

// doneChannels snapshots every currently-live entry's done channel for
// exchange (optionally filtered to one reason), used by the wait methods so
// they never hold b.mu while blocking.
func (b *Blocker) doneChannels(exchange types.ExchangeAccountID, reason *BlockReason) []chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []chan struct{}
	for r, entry := range b.entries[exchange] {
		if reason != nil && r != *reason {
			continue
		}
		out = append(out, entry.done)
	}
	return out
}

// WaitUnblock blocks until every block reason on exchange has cleared, or
// ctx is cancelled.
func (b *Blocker) WaitUnblock(ctx context.Context, exchange types.ExchangeAccountID) error {
	for {
		pending := b.doneChannels(exchange, nil)
		if len(pending) == 0 {
			return nil
		}
		if err := waitAny(ctx, pending); err != nil {
			return err
		}
	}
}

// WaitUnblockWithReason blocks until the specific (exchange, reason) block
// clears, or ctx is cancelled.
func (b *Blocker) WaitUnblockWithReason(ctx context.Context, exchange types.ExchangeAccountID, reason BlockReason) error {
	for {
		pending := b.doneChannels(exchange, &reason)
		if len(pending) == 0 {
			return nil
		}
		if err := waitAny(ctx, pending); err != nil {
			return err
		}
		// Re-check: the entry might have been replaced by a fresh Block
		// call for the same reason between the wait and the re-scan.
		if !b.IsBlockedByReason(exchange, reason) {
			return nil
		}
	}
}

func waitAny(ctx context.Context, chans []chan struct{}) error {
	if len(chans) == 1 {
		select {
		case <-chans[0]:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Multiple concurrent reasons: wait for the first to clear, then the
	// caller re-scans (all must clear for WaitUnblock to return).
	done := make(chan struct{}, 1)
	for _, ch := range chans {
		ch := ch
		go func() {
			<-ch
			select {
			case done <- struct{}{}:
			default:
			}
		}()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
