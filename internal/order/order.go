// Package order implements the order pool (C9) and the order lifecycle
// engine (C10): the per-order state machine that reconciles REST responses,
// WebSocket user-data events and fallback polling into one authoritative
// order status, and drives cancellation/fill handling through the balance
// reservation manager (spec §4.9, §4.10).
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// Fill is one execution applied to an order (spec §3's OrderFill).
type Fill struct {
	TradeID            string
	Time               time.Time
	Type               types.OrderFillType
	Price              decimal.Decimal
	Amount             decimal.Decimal
	Cost               decimal.Decimal
	Role               types.OrderRole
	CommissionCurrency types.CurrencyCode
	CommissionAmount   decimal.Decimal
	// ConvertedCommission* carries the commission re-expressed in the
	// order's amount currency, when CommissionCurrency differs from it.
	ConvertedCommissionCurrency types.CurrencyCode
	ConvertedCommissionAmount   decimal.Decimal
	// IsDiff marks a fill replayed from a diffed/partial report rather
	// than a fresh trade. Fill dedup in Engine.applyFill compares TradeID
	// only; IsDiff is not consulted.
	IsDiff bool
}

// StatusChange is one entry of an order's status history.
type StatusChange struct {
	Status types.OrderStatus
	Time   time.Time
}

// Header is the immutable part of an order snapshot, set once at creation.
type Header struct {
	ClientOrderID types.ClientOrderID
	CreatedAt     time.Time
	Exchange      types.ExchangeAccountID
	Symbol        *symbol.Symbol
	OrderType     types.OrderType
	Side          types.Side
	Amount        decimal.Decimal
	Execution     types.OrderExecutionType
	ReservationID *types.ReservationID
	StrategyTag   string
}

// Order is a live order snapshot (C9's unit of shared ownership): Header is
// set once and never mutated; every other field is read/written only while
// holding the order's own lock, via Ref.FnRef/FnMut. Orders live in the pool
// for their entire lifecycle.
type Order struct {
	Header

	Status          types.OrderStatus
	Price           decimal.Decimal
	ExchangeOrderID types.ExchangeOrderID
	Role            types.OrderRole

	Fills        []Fill
	FilledAmount decimal.Decimal

	StatusHistory []StatusChange

	LastErrorKind    string
	LastErrorMessage string

	CreationSourceType     types.EventSourceType
	CancellationSourceType types.EventSourceType

	CancellationEventWasRaised    bool
	IsCancelingFromWaitCancelOrder bool
}

// newOrder builds a fresh order in the Creating status.
func newOrder(h Header) *Order {
	now := h.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	h.CreatedAt = now
	return &Order{
		Header:        h,
		Status:        types.StatusCreating,
		StatusHistory: []StatusChange{{Status: types.StatusCreating, Time: now}},
	}
}

// setStatus appends to history and updates Status. Caller must hold the
// order's lock (i.e. be inside a Ref.FnMut callback).
func (o *Order) setStatus(s types.OrderStatus, t time.Time) {
	o.Status = s
	o.StatusHistory = append(o.StatusHistory, StatusChange{Status: s, Time: t})
}

// IsFinished reports whether the order is in a terminal status.
func (o *Order) IsFinished() bool { return o.Status.IsFinished() }

// IsMarket reports whether this is a market order (no fixed price), used by
// balance.Facade.CloneAndSubtractNotApprovedData (spec §4.7).
func (o *Order) IsMarket() bool { return o.OrderType == types.OrderTypeMarket }

// ReservationIDValue returns the order's reservation id, if any, satisfying
// balance.OrderView's two-value convention.
func (o *Order) ReservationIDValue() (types.ReservationID, bool) {
	if o.Header.ReservationID == nil {
		return 0, false
	}
	return *o.Header.ReservationID, true
}

// toCancellingOrder returns the client and exchange order ids a cancel
// request needs. Returns false if the exchange order id is not yet known — the caller must
// first have awaited order creation.
func (o *Order) toCancellingOrder() (clientID types.ClientOrderID, exchangeID types.ExchangeOrderID, ok bool) {
	if o.ExchangeOrderID == "" {
		return o.ClientOrderID, "", false
	}
	return o.ClientOrderID, o.ExchangeOrderID, true
}
