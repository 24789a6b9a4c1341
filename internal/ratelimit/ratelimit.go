// Package ratelimit implements the per-exchange request timeout manager
// (C11): a sliding-window request budget parameterized by
// (requests_per_period, period_duration), with atomic group pre-reservation
// for batches of future requests (spec §4.11).
//
// Generalizes the teacher's three fixed exchange.TokenBucket instances
// (Order/Cancel/Book, each a continuously-refilling bucket) into a bucket
// per (exchange, RequestType) with an accounting model that also supports
// pre-reserving a block of slots for a batch of requests that will be spent
// over the next few calls — something a pure token bucket cannot express.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/shiori-quant/ledgerman/pkg/types"
)

// RequestType classifies a request for rate-limiting purposes. Each
// exchange adapter maps its own endpoints onto these.
type RequestType string

const (
	RequestOrder      RequestType = "ORDER"
	RequestCancel     RequestType = "CANCEL"
	RequestBalance    RequestType = "BALANCE"
	RequestOpenOrders RequestType = "OPEN_ORDERS"
	RequestOrderInfo  RequestType = "ORDER_INFO"
	RequestMyTrades   RequestType = "MY_TRADES"
	RequestBook       RequestType = "BOOK"
)

// GroupID identifies a block of pre-reserved future request slots.
type GroupID int64

// Outcome is what ReserveWhenAvailable resolves to.
type Outcome int

const (
	OutcomeReserved Outcome = iota
	OutcomeCanceled
)

type group struct {
	id        GroupID
	remaining int
}

// bucket is the sliding-window accounting for one (exchange, RequestType).
type bucket struct {
	mu                sync.Mutex
	requestsPerPeriod int
	period            time.Duration
	startTimes        []time.Time
	lastNow           time.Time
	groups            map[GroupID]*group
	pendingGroupSlots int
}

func newBucket(requestsPerPeriod int, period time.Duration) *bucket {
	return &bucket{
		requestsPerPeriod: requestsPerPeriod,
		period:            period,
		groups:            make(map[GroupID]*group),
	}
}

// clampNow enforces the spec's "time must be monotonically non-decreasing"
// rule: a caller passing a stale timestamp never rewinds the window.
func (b *bucket) clampNow(now time.Time) time.Time {
	if now.Before(b.lastNow) {
		now = b.lastNow
	}
	b.lastNow = now
	return now
}

func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-b.period)
	i := 0
	for ; i < len(b.startTimes); i++ {
		if b.startTimes[i].After(cutoff) {
			break
		}
	}
	b.startTimes = b.startTimes[i:]
}

func (b *bucket) availableLocked() int {
	return b.requestsPerPeriod - len(b.startTimes) - b.pendingGroupSlots
}

// nextFreeAt returns when the oldest counted request ages out of the
// window, i.e. the earliest time a fresh slot becomes available.
func (b *bucket) nextFreeAt(now time.Time) time.Time {
	if len(b.startTimes) == 0 {
		return now
	}
	return b.startTimes[0].Add(b.period)
}

// tryReserveInstantLocked accounts one request immediately if a slot is
// available, honoring a pre-reserved group's quota when groupID is set.
func (b *bucket) tryReserveInstantLocked(now time.Time, groupID *GroupID) bool {
	b.prune(now)

	if groupID != nil {
		g, ok := b.groups[*groupID]
		if !ok || g.remaining <= 0 {
			return false
		}
		g.remaining--
		b.pendingGroupSlots--
		b.startTimes = append(b.startTimes, now)
		if g.remaining == 0 {
			delete(b.groups, *groupID)
		}
		return true
	}

	if b.availableLocked() <= 0 {
		return false
	}
	b.startTimes = append(b.startTimes, now)
	return true
}

// Limiter owns one bucket per (exchange, RequestType).
type Limiter struct {
	mu        sync.Mutex
	buckets   map[types.ExchangeAccountID]map[RequestType]*bucket
	nextGroup int64

	defaultRequestsPerPeriod int
	defaultPeriod            time.Duration
}

// NewLimiter creates a limiter. defaultRequestsPerPeriod/defaultPeriod apply
// to any (exchange, RequestType) pair not explicitly configured, so a
// reference adapter works out of the box without per-endpoint tuning.
func NewLimiter(defaultRequestsPerPeriod int, defaultPeriod time.Duration) *Limiter {
	if defaultRequestsPerPeriod <= 0 {
		defaultRequestsPerPeriod = 10
	}
	if defaultPeriod <= 0 {
		defaultPeriod = time.Second
	}
	return &Limiter{
		buckets:                  make(map[types.ExchangeAccountID]map[RequestType]*bucket),
		defaultRequestsPerPeriod: defaultRequestsPerPeriod,
		defaultPeriod:            defaultPeriod,
	}
}

// Configure sets an explicit (requests_per_period, period) budget for one
// (exchange, RequestType). Safe to call at any time; resets that bucket's
// window.
func (l *Limiter) Configure(exchange types.ExchangeAccountID, reqType RequestType, requestsPerPeriod int, period time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bucketLocked(exchange, reqType, requestsPerPeriod, period)
}

func (l *Limiter) bucketLocked(exchange types.ExchangeAccountID, reqType RequestType, requestsPerPeriod int, period time.Duration) *bucket {
	m, ok := l.buckets[exchange]
	if !ok {
		m = make(map[RequestType]*bucket)
		l.buckets[exchange] = m
	}
	b, ok := m[reqType]
	if !ok {
		if requestsPerPeriod <= 0 {
			requestsPerPeriod = l.defaultRequestsPerPeriod
		}
		if period <= 0 {
			period = l.defaultPeriod
		}
		b = newBucket(requestsPerPeriod, period)
		m[reqType] = b
	}
	return b
}

func (l *Limiter) bucketFor(exchange types.ExchangeAccountID, reqType RequestType) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucketLocked(exchange, reqType, 0, 0)
}

// TryReserveInstant implements spec §4.11's try_reserve_instant.
func (l *Limiter) TryReserveInstant(exchange types.ExchangeAccountID, reqType RequestType, now time.Time, group *GroupID) bool {
	b := l.bucketFor(exchange, reqType)
	b.mu.Lock()
	defer b.mu.Unlock()
	now = b.clampNow(now)
	return b.tryReserveInstantLocked(now, group)
}

// TryReserveGroup implements spec §4.11's try_reserve_group: atomically
// reserves count future slots, returning a GroupID to be consumed later via
// TryReserveInstant.
func (l *Limiter) TryReserveGroup(exchange types.ExchangeAccountID, reqType RequestType, now time.Time, count int) (GroupID, bool) {
	b := l.bucketFor(exchange, reqType)

	l.mu.Lock()
	id := GroupID(l.nextGroup + 1)
	l.nextGroup++
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	now = b.clampNow(now)
	b.prune(now)

	if b.availableLocked() < count {
		return 0, false
	}
	b.groups[id] = &group{id: id, remaining: count}
	b.pendingGroupSlots += count
	return id, true
}

// RemoveGroup releases an unused group reservation, implementing spec
// §4.11's remove_group.
func (l *Limiter) RemoveGroup(exchange types.ExchangeAccountID, reqType RequestType, id GroupID, now time.Time) bool {
	b := l.bucketFor(exchange, reqType)
	b.mu.Lock()
	defer b.mu.Unlock()
	now = b.clampNow(now)
	b.prune(now)

	g, ok := b.groups[id]
	if !ok {
		return false
	}
	delete(b.groups, id)
	b.pendingGroupSlots -= g.remaining
	return true
}

// ReserveWhenAvailable blocks until a slot frees for (exchange, reqType), or
// ctx is canceled, implementing spec §4.11's reserve_when_available.
func (l *Limiter) ReserveWhenAvailable(ctx context.Context, exchange types.ExchangeAccountID, reqType RequestType, group *GroupID) (Outcome, error) {
	b := l.bucketFor(exchange, reqType)

	for {
		now := time.Now()
		b.mu.Lock()
		now = b.clampNow(now)
		if b.tryReserveInstantLocked(now, group) {
			b.mu.Unlock()
			return OutcomeReserved, nil
		}
		wait := b.nextFreeAt(now).Sub(now)
		b.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return OutcomeCanceled, ctx.Err()
		case <-timer.C:
		}
	}
}

// Wait is the convenience entry point most adapters call directly: reserve
// a slot for this (exchange, reqType), blocking until one frees or ctx is
// canceled.
func (l *Limiter) Wait(ctx context.Context, exchange types.ExchangeAccountID, reqType RequestType) error {
	_, err := l.ReserveWhenAvailable(ctx, exchange, reqType, nil)
	return err
}
