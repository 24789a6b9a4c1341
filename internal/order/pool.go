package order

import (
	"sync"

	"github.com/shiori-quant/ledgerman/pkg/types"
)

// handle is the shared, lock-guarded state behind every Ref copy pointing
// at the same order — cloning a Ref never clones the lock (spec §4.9's
// "shared ownership of order snapshots with lock-guarded mutation").
type handle struct {
	mu    sync.RWMutex
	order *Order
}

// Ref is a handle to one order. All reads and writes go through FnRef/FnMut
// so every access is serialized by the order's own lock; closures passed to
// FnMut must never block or await (spec §5).
type Ref struct {
	h *handle
}

// FnRef runs f with a read lock held.
func (r Ref) FnRef(f func(o *Order)) {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	f(r.h.order)
}

// FnMut runs f with the write lock held.
func (r Ref) FnMut(f func(o *Order)) {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	f(r.h.order)
}

// ClientOrderID implements balance.OrderView.
func (r Ref) ClientOrderID() types.ClientOrderID {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.order.ClientOrderID
}

// ExchangeOrderID returns the exchange-assigned id, or "" if not yet known.
func (r Ref) ExchangeOrderID() types.ExchangeOrderID {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.order.ExchangeOrderID
}

// Status implements balance.OrderView.
func (r Ref) Status() types.OrderStatus {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.order.Status
}

// IsFinished implements balance.OrderView.
func (r Ref) IsFinished() bool {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.order.IsFinished()
}

// IsMarket implements balance.OrderView. OrderType is part of the immutable
// header so this needs no lock, but takes one anyway for a uniform access
// pattern across Ref's methods.
func (r Ref) IsMarket() bool {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.order.IsMarket()
}

// ReservationID implements balance.OrderView.
func (r Ref) ReservationID() (types.ReservationID, bool) {
	return r.h.order.ReservationIDValue()
}

// ToCancellingOrder returns the (clientID, exchangeID) pair needed to issue
// a cancel, or ok=false if the exchange order id is not yet known.
func (r Ref) ToCancellingOrder() (clientID types.ClientOrderID, exchangeID types.ExchangeOrderID, ok bool) {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.order.toCancellingOrder()
}

// Pool is the order pool (C9): every order the engine knows about, indexed
// by client order id and, once known, by exchange order id. A "not
// finished" sub-index accelerates bulk queries like wait-cancel sweeps and
// clone-and-subtract.
type Pool struct {
	mu            sync.RWMutex
	byClientID    map[types.ClientOrderID]Ref
	byExchangeID  map[types.ExchangeOrderID]Ref
	notFinished   map[types.ClientOrderID]Ref
}

// NewPool creates an empty order pool.
func NewPool() *Pool {
	return &Pool{
		byClientID:   make(map[types.ClientOrderID]Ref),
		byExchangeID: make(map[types.ExchangeOrderID]Ref),
		notFinished:  make(map[types.ClientOrderID]Ref),
	}
}

// Add creates a fresh order in Creating status and indexes it by client
// order id.
func (p *Pool) Add(h Header) Ref {
	ref := Ref{h: &handle{order: newOrder(h)}}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byClientID[h.ClientOrderID] = ref
	p.notFinished[h.ClientOrderID] = ref
	return ref
}

// AddSynthesized registers an order that was synthesized directly into the
// Created status for a liquidation/close-position fill with no originating
// client order (spec §4.10.5). exchangeOrderID is indexed immediately since
// it is already known.
func (p *Pool) AddSynthesized(h Header, exchangeOrderID types.ExchangeOrderID, t func(o *Order)) Ref {
	ref := Ref{h: &handle{order: newOrder(h)}}
	ref.FnMut(func(o *Order) {
		o.ExchangeOrderID = exchangeOrderID
		t(o)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byClientID[h.ClientOrderID] = ref
	p.byExchangeID[exchangeOrderID] = ref
	if !ref.IsFinished() {
		p.notFinished[h.ClientOrderID] = ref
	}
	return ref
}

// IndexByExchangeID records the exchange order id once known, on first
// successful creation.
func (p *Pool) IndexByExchangeID(exchangeOrderID types.ExchangeOrderID, ref Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byExchangeID[exchangeOrderID] = ref
}

// MarkFinished removes an order from the not-finished sub-index. Callers
// invoke this once the order has transitioned to a terminal status.
func (p *Pool) MarkFinished(clientID types.ClientOrderID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notFinished, clientID)
}

// ByClientOrderID looks up an order by its client order id.
func (p *Pool) ByClientOrderID(id types.ClientOrderID) (Ref, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.byClientID[id]
	return r, ok
}

// ByExchangeOrderID looks up an order by its exchange-assigned id.
func (p *Pool) ByExchangeOrderID(id types.ExchangeOrderID) (Ref, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.byExchangeID[id]
	return r, ok
}

// NotFinished returns every order not yet in a terminal status.
func (p *Pool) NotFinished() []Ref {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Ref, 0, len(p.notFinished))
	for _, r := range p.notFinished {
		out = append(out, r)
	}
	return out
}

// All returns every order the pool has ever held.
func (p *Pool) All() []Ref {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Ref, 0, len(p.byClientID))
	for _, r := range p.byClientID {
		out = append(out, r)
	}
	return out
}

// AllViews adapts All to balance.OrderView for CloneAndSubtractNotApprovedData.
func (p *Pool) AllViews() []orderView {
	refs := p.All()
	views := make([]orderView, len(refs))
	for i, r := range refs {
		views[i] = r
	}
	return views
}

// orderView is the subset of Ref that satisfies balance.OrderView, named
// locally so this package does not need to import internal/balance just to
// spell the interface it already structurally implements.
type orderView interface {
	ClientOrderID() types.ClientOrderID
	ReservationID() (types.ReservationID, bool)
	Status() types.OrderStatus
	IsFinished() bool
	IsMarket() bool
}
