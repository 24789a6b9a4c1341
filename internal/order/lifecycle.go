package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/adapter"
	"github.com/shiori-quant/ledgerman/internal/balance"
	"github.com/shiori-quant/ledgerman/internal/blocker"
	"github.com/shiori-quant/ledgerman/internal/concurrency"
	"github.com/shiori-quant/ledgerman/internal/eventbus"
	"github.com/shiori-quant/ledgerman/internal/ratelimit"
	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// creationConfirmTimeout bounds how long CreateOrder waits for a WebSocket
// confirmation after a REST success that is not itself authoritative (spec
// §4.10.1 step 3, adapter.Features.CreationResponseFromRestOnlyForError).
// On expiry the REST response is applied anyway.
const creationConfirmTimeout = 5 * time.Second

// cancelFallbackPollInterval is how often WaitCancelOrder retries a cancel
// attempt while the order has not yet reached a terminal status.
const cancelFallbackPollInterval = 10 * time.Second

// ErrOrderNotRegistered is returned when an operation targets a client order
// id the engine's pool has no record of.
var ErrOrderNotRegistered = errors.New("order: not registered in pool")

// ErrAdapterNotRegistered is returned when no adapter is registered for an
// order's exchange.
var ErrAdapterNotRegistered = errors.New("order: no adapter registered for exchange")

// Engine is the order lifecycle engine (C10): it owns the order pool,
// drives every order through the create/cancel state machine, reconciles
// REST, WebSocket and fallback-poll event sources into one authoritative
// status, and applies every fill's balance effect through the reservation
// facade (spec §4.10).
type Engine struct {
	log *slog.Logger

	pool       *Pool
	balance    *balance.Facade
	limiter    *ratelimit.Limiter
	blocker    *blocker.Blocker
	bus        *eventbus.Bus
	supervisor *concurrency.Supervisor

	mu       sync.Mutex
	adapters map[types.ExchangeAccountID]adapter.Adapter

	waitersMu       sync.Mutex
	creationSignals map[types.ClientOrderID]chan struct{}
	cancelSignals   map[types.ClientOrderID]chan struct{}

	bufferedMu      sync.Mutex
	bufferedFills   map[types.ExchangeOrderID][]adapter.Trade
	bufferedCancels map[types.ExchangeOrderID]types.EventSourceType
}

// NewEngine wires a lifecycle engine over its collaborators. pool, facade,
// limiter, blk and bus must all be non-nil; supervisor may be nil in tests.
func NewEngine(
	log *slog.Logger,
	pool *Pool,
	facade *balance.Facade,
	limiter *ratelimit.Limiter,
	blk *blocker.Blocker,
	bus *eventbus.Bus,
	supervisor *concurrency.Supervisor,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:             log.With("component", "order_engine"),
		pool:            pool,
		balance:         facade,
		limiter:         limiter,
		blocker:         blk,
		bus:             bus,
		supervisor:      supervisor,
		adapters:        make(map[types.ExchangeAccountID]adapter.Adapter),
		creationSignals: make(map[types.ClientOrderID]chan struct{}),
		cancelSignals:   make(map[types.ClientOrderID]chan struct{}),
		bufferedFills:   make(map[types.ExchangeOrderID][]adapter.Trade),
		bufferedCancels: make(map[types.ExchangeOrderID]types.EventSourceType),
	}
}

// RegisterAdapter wires an exchange adapter into the engine, subscribing to
// its asynchronous WebSocket callbacks.
func (e *Engine) RegisterAdapter(a adapter.Adapter) {
	e.mu.Lock()
	e.adapters[a.Exchange()] = a
	e.mu.Unlock()

	a.OnOrderCreated(e.handleOrderCreated)
	a.OnOrderCancelled(e.handleOrderCancelled)
	a.OnOrderFilled(e.handleOrderFilled)
}

func (e *Engine) adapterFor(exchange types.ExchangeAccountID) (adapter.Adapter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.adapters[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotRegistered, exchange)
	}
	return a, nil
}

// Pool exposes the underlying order pool.
func (e *Engine) Pool() *Pool { return e.pool }

// reportRateLimitIfNeeded blocks the exchange on a rate-limit classified
// error, matching the teacher's pattern of letting transport-level signals
// drive the blocker rather than a fixed cooldown guessed up front.
func (e *Engine) reportRateLimitIfNeeded(exchange types.ExchangeAccountID, err error) {
	if err == nil || e.blocker == nil {
		return
	}
	if errors.Is(err, adapter.ErrRateLimit) {
		if blockErr := e.blocker.Block(exchange, "RateLimit", blocker.BlockType{Duration: time.Second}); blockErr != nil {
			e.log.Debug("rate limit block already active", "exchange", exchange.String())
		}
	}
}

// CreateOrder implements spec §4.10.1: places a new order, racing the REST
// response against the WebSocket creation event when the adapter declares
// that REST success is not itself authoritative.
func (e *Engine) CreateOrder(ctx context.Context, h Header, price decimal.Decimal) (Ref, error) {
	a, err := e.adapterFor(h.Exchange)
	if err != nil {
		return Ref{}, err
	}

	if e.blocker != nil {
		if err := e.blocker.WaitUnblock(ctx, h.Exchange); err != nil {
			return Ref{}, fmt.Errorf("order: waiting for unblock before create: %w", err)
		}
	}
	if err := e.limiter.Wait(ctx, h.Exchange, ratelimit.RequestOrder); err != nil {
		return Ref{}, fmt.Errorf("order: rate limit wait: %w", err)
	}

	ref := e.pool.Add(h)
	sig := make(chan struct{})
	e.waitersMu.Lock()
	e.creationSignals[h.ClientOrderID] = sig
	e.waitersMu.Unlock()
	defer func() {
		e.waitersMu.Lock()
		delete(e.creationSignals, h.ClientOrderID)
		e.waitersMu.Unlock()
	}()

	resp, err := a.CreateOrder(ctx, adapter.CreatingOrder{
		ClientOrderID: h.ClientOrderID,
		Exchange:      h.Exchange,
		Symbol:        h.Symbol,
		Side:          h.Side,
		OrderType:     h.OrderType,
		Price:         price,
		Amount:        h.Amount,
	})
	if err != nil {
		e.reportRateLimitIfNeeded(h.Exchange, err)
		ref.FnMut(func(o *Order) {
			if o.Status == types.StatusCreating {
				o.setStatus(types.StatusFailedToCreate, time.Now())
				o.LastErrorKind = fmt.Sprint(adapter.Classify(err))
				o.LastErrorMessage = err.Error()
			}
		})
		e.pool.MarkFinished(h.ClientOrderID)
		return ref, fmt.Errorf("order: create order: %w", err)
	}

	if !a.Features().CreationResponseFromRestOnlyForError {
		e.applyCreated(ref, resp.ExchangeOrderID, types.SourceRest, price)
		return ref, nil
	}

	select {
	case <-sig:
	case <-time.After(creationConfirmTimeout):
		e.log.Debug("websocket creation confirmation timed out, applying rest response",
			"client_order_id", string(h.ClientOrderID))
		e.applyCreated(ref, resp.ExchangeOrderID, types.SourceRest, price)
	case <-ctx.Done():
		return ref, ctx.Err()
	}
	return ref, nil
}

// applyCreated transitions an order into Created, idempotently: a second
// call (REST after WebSocket already applied it, or vice versa) only backs
// the exchange order id index and leaves the status transition alone.
func (e *Engine) applyCreated(ref Ref, exchangeOrderID types.ExchangeOrderID, source types.EventSourceType, price decimal.Decimal) {
	applied := false
	ref.FnMut(func(o *Order) {
		o.ExchangeOrderID = exchangeOrderID
		o.CreationSourceType = source
		if o.Status == types.StatusCreating {
			o.Price = price
			o.setStatus(types.StatusCreated, time.Now())
			applied = true
		}
	})
	e.pool.IndexByExchangeID(exchangeOrderID, ref)

	if applied {
		e.bus.PublishOrder(eventbus.OrderEvent{
			ClientOrderID:   ref.ClientOrderID(),
			ExchangeOrderID: exchangeOrderID,
			Exchange:        ref.FnRefExchange(),
			Status:          types.StatusCreated,
		})
	}
	e.replayBuffered(exchangeOrderID)
}

// FnRefExchange is a narrow accessor used only by applyCreated's event
// publish, kept on Ref so callers never need to reach past the lock to read
// the immutable header.
func (r Ref) FnRefExchange() types.ExchangeAccountID {
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()
	return r.h.order.Exchange
}

func (e *Engine) handleOrderCreated(exchangeOrderID types.ExchangeOrderID, clientOrderID types.ClientOrderID, source types.EventSourceType) {
	ref, ok := e.pool.ByClientOrderID(clientOrderID)
	if !ok {
		e.log.Warn("order created event for unknown client order id", "client_order_id", string(clientOrderID))
		return
	}
	var price decimal.Decimal
	ref.FnRef(func(o *Order) { price = o.Price })
	e.applyCreated(ref, exchangeOrderID, source, price)

	e.waitersMu.Lock()
	sig, ok := e.creationSignals[clientOrderID]
	e.waitersMu.Unlock()
	if ok {
		closeOnce(sig)
	}
}

// closeOnce closes ch if it is not already closed. Safe because every
// signal channel in this package is only ever closed from this helper and
// only looked up while still registered.
func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// CancelOrder implements spec §4.10.2: a single cancel attempt, symmetric to
// CreateOrder. Callers that need retry-until-terminal semantics should use
// WaitCancelOrder instead.
func (e *Engine) CancelOrder(ctx context.Context, clientOrderID types.ClientOrderID) error {
	ref, ok := e.pool.ByClientOrderID(clientOrderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotRegistered, clientOrderID)
	}
	return e.cancelOnce(ctx, ref)
}

func (e *Engine) cancelOnce(ctx context.Context, ref Ref) error {
	exchange := ref.FnRefExchange()
	a, err := e.adapterFor(exchange)
	if err != nil {
		return err
	}

	clientID, exchangeID, ok := ref.ToCancellingOrder()
	if !ok {
		return fmt.Errorf("order: %s has no exchange order id yet", clientID)
	}

	if ref.IsFinished() {
		return nil
	}

	if e.blocker != nil {
		if err := e.blocker.WaitUnblock(ctx, exchange); err != nil {
			return fmt.Errorf("order: waiting for unblock before cancel: %w", err)
		}
	}
	if err := e.limiter.Wait(ctx, exchange, ratelimit.RequestCancel); err != nil {
		return fmt.Errorf("order: rate limit wait: %w", err)
	}

	ref.FnMut(func(o *Order) {
		if o.Status == types.StatusCreated {
			o.setStatus(types.StatusCanceling, time.Now())
		}
	})

	var sym *symbol.Symbol
	ref.FnRef(func(o *Order) { sym = o.Symbol })

	_, err = a.RequestCancelOrder(ctx, adapter.CancellingOrder{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		Exchange:        exchange,
		Symbol:          sym,
	})
	if err != nil {
		if errors.Is(err, adapter.ErrOrderNotFound) {
			e.applyCancelled(ref, types.SourceRestFallback)
			return nil
		}
		e.reportRateLimitIfNeeded(exchange, err)
		return fmt.Errorf("order: cancel order: %w", err)
	}

	if a.Features().AllowedCancelEventSourceType == types.SourceFallbackOnly {
		return nil
	}
	e.applyCancelled(ref, types.SourceRest)
	return nil
}

// applyCancelled raises CancelOrderSucceeded exactly once per order,
// guarded by CancellationEventWasRaised (spec §4.10.4).
func (e *Engine) applyCancelled(ref Ref, source types.EventSourceType) {
	raised := false
	ref.FnMut(func(o *Order) {
		o.CancellationSourceType = source
		if o.CancellationEventWasRaised {
			return
		}
		if o.Status == types.StatusCreated || o.Status == types.StatusCanceling {
			o.setStatus(types.StatusCanceled, time.Now())
		}
		o.CancellationEventWasRaised = true
		raised = true
	})
	if raised {
		e.pool.MarkFinished(ref.ClientOrderID())
		e.unreserveOnFinish(ref)
		e.bus.PublishOrder(eventbus.OrderEvent{
			ClientOrderID:   ref.ClientOrderID(),
			ExchangeOrderID: ref.ExchangeOrderID(),
			Exchange:        ref.FnRefExchange(),
			Status:          types.StatusCanceled,
		})
	}

	e.waitersMu.Lock()
	sig, ok := e.cancelSignals[ref.ClientOrderID()]
	e.waitersMu.Unlock()
	if ok {
		closeOnce(sig)
	}
}

// unreserveOnFinish releases whatever of the order's reservation remains
// once it reaches a terminal status, matching spec §4.7's expectation that a
// canceled or failed order no longer holds balance.
func (e *Engine) unreserveOnFinish(ref Ref) {
	resID, ok := ref.ReservationID()
	if !ok {
		return
	}
	clientID := ref.ClientOrderID()
	if err := e.balance.Manager().CancelApprovedReservation(resID, clientID); err != nil {
		e.log.Debug("no approved part to cancel on finish", "client_order_id", string(clientID), "error", err)
	}
}

func (e *Engine) handleOrderCancelled(exchangeOrderID types.ExchangeOrderID, source types.EventSourceType) {
	ref, ok := e.pool.ByExchangeOrderID(exchangeOrderID)
	if !ok {
		e.bufferedMu.Lock()
		e.bufferedCancels[exchangeOrderID] = source
		e.bufferedMu.Unlock()
		return
	}
	e.applyCancelled(ref, source)
}

// WaitCancelOrder implements spec §4.10.3: repeatedly attempts to cancel an
// order until it reaches a terminal status or ctx is canceled, re-entry safe
// via IsCancelingFromWaitCancelOrder so two concurrent callers for the same
// order converge on one attempt loop instead of racing each other.
//
// Grounded on original_source/src/core/exchanges/general/order/wait_cancel.rs:
// the attempt loop returns the instant the order's cancel signal fires
// (from a REST response, a WebSocket event, or this loop's own attempt), or
// at its next pass once the order is finished by any other route, without
// requiring every other order's wait loop to observe the same signal.
func (e *Engine) WaitCancelOrder(ctx context.Context, clientOrderID types.ClientOrderID) error {
	ref, ok := e.pool.ByClientOrderID(clientOrderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotRegistered, clientOrderID)
	}

	alreadyWaiting := false
	ref.FnMut(func(o *Order) {
		if o.IsCancelingFromWaitCancelOrder {
			alreadyWaiting = true
			return
		}
		o.IsCancelingFromWaitCancelOrder = true
	})

	finished := concurrency.New()
	e.waitersMu.Lock()
	sig, ok := e.cancelSignals[clientOrderID]
	if !ok {
		sig = make(chan struct{})
		e.cancelSignals[clientOrderID] = sig
	}
	e.waitersMu.Unlock()

	if alreadyWaiting {
		select {
		case <-sig:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() {
		e.waitersMu.Lock()
		delete(e.cancelSignals, clientOrderID)
		e.waitersMu.Unlock()
		ref.FnMut(func(o *Order) { o.IsCancelingFromWaitCancelOrder = false })
	}()

	go func() {
		select {
		case <-sig:
			finished.Cancel()
		case <-finished.Done():
		}
	}()

	attempt := 0
	ticker := time.NewTicker(cancelFallbackPollInterval)
	defer ticker.Stop()

	for {
		if ref.IsFinished() {
			return nil
		}

		attempt++
		err := e.cancelOnce(ctx, ref)
		if err == nil {
			if ref.IsFinished() {
				return nil
			}
		} else if attempt > 1 {
			e.log.Warn("wait_cancel_order attempt failed, retrying", "client_order_id", string(clientOrderID), "attempt", attempt, "error", err)
		}

		select {
		case <-sig:
			return nil
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleOrderFilled applies one fill to the owning order. If no tracked
// order owns the reporting exchange order id, a liquidation or
// close-position fill gets a synthesized local order (spec §4.10.5: such
// fills can arrive with no originating client order); any other fill is
// buffered and replayed once the order is indexed (see replayBuffered).
func (e *Engine) handleOrderFilled(trade adapter.Trade, source types.EventSourceType) {
	ref, ok := e.pool.ByExchangeOrderID(trade.ExchangeOrderID)
	if !ok {
		if (trade.FillType == types.FillLiquidation || trade.FillType == types.FillClosePosition) && trade.Symbol != nil {
			e.SynthesizeFill(trade.Symbol.Exchange, trade.Symbol, trade, trade.FillType)
			return
		}
		e.bufferedMu.Lock()
		e.bufferedFills[trade.ExchangeOrderID] = append(e.bufferedFills[trade.ExchangeOrderID], trade)
		e.bufferedMu.Unlock()
		return
	}
	e.applyFill(ref, trade)
}

func (e *Engine) applyFill(ref Ref, trade adapter.Trade) {
	var (
		bucket types.ConfigurationDescriptor
		dup    bool
	)
	ref.FnMut(func(o *Order) {
		for _, f := range o.Fills {
			if f.TradeID == trade.TradeID {
				dup = true
				return
			}
		}
		o.Fills = append(o.Fills, Fill{
			TradeID:            trade.TradeID,
			Time:                trade.Time,
			Type:                trade.FillType,
			Price:               trade.Price,
			Amount:              trade.Amount,
			Cost:                trade.Amount.Mul(trade.Price),
			Role:                trade.Role,
			CommissionCurrency:  trade.CommissionCurrency,
			CommissionAmount:    trade.Commission,
		})
		o.FilledAmount = o.FilledAmount.Add(trade.Amount)
		o.Role = trade.Role
		if o.Symbol != nil && !o.Symbol.AmountMarginError(o.Amount.Sub(o.FilledAmount)) {
			return
		}
		if o.Status != types.StatusCompleted {
			o.setStatus(types.StatusCompleted, time.Now())
		}
	})
	if dup {
		return
	}

	var (
		sym      *symbol.Symbol
		exchange types.ExchangeAccountID
		bucketOK bool
	)
	ref.FnRef(func(o *Order) {
		sym = o.Symbol
		exchange = o.Exchange
		if o.StrategyTag != "" {
			bucket = types.ConfigurationDescriptor{ServiceName: o.StrategyTag}
			bucketOK = true
		}
	})
	if !bucketOK {
		bucket = types.ConfigurationDescriptor{ServiceName: "default"}
	}

	side := trade.Side
	if err := e.balance.HandleFill(bucket, exchange, sym, side, trade.Amount, trade.Price, trade.Commission, trade.CommissionCurrency); err != nil {
		e.log.Error("applying fill to balance failed", "client_order_id", string(ref.ClientOrderID()), "error", err)
	}

	if ref.IsFinished() {
		e.pool.MarkFinished(ref.ClientOrderID())
		e.unreserveOnFinish(ref)
	}

	e.bus.PublishTrades(eventbus.TradesEvent{
		Exchange:      exchange,
		Symbol:        sym,
		ClientOrderID: ref.ClientOrderID(),
		Price:         trade.Price,
		Amount:        trade.Amount,
	})
}

// replayBuffered applies any fill/cancel events that arrived for
// exchangeOrderID before the order was indexed (a race between the create
// round trip returning and a WebSocket event beating it).
func (e *Engine) replayBuffered(exchangeOrderID types.ExchangeOrderID) {
	ref, ok := e.pool.ByExchangeOrderID(exchangeOrderID)
	if !ok {
		return
	}

	e.bufferedMu.Lock()
	fills := e.bufferedFills[exchangeOrderID]
	delete(e.bufferedFills, exchangeOrderID)
	cancelSource, hasCancel := e.bufferedCancels[exchangeOrderID]
	delete(e.bufferedCancels, exchangeOrderID)
	e.bufferedMu.Unlock()

	for _, trade := range fills {
		e.applyFill(ref, trade)
	}
	if hasCancel {
		e.applyCancelled(ref, cancelSource)
	}
}

// SynthesizeFill registers a brand-new local order for a liquidation or
// close-position trade that has no originating client order (spec
// §4.10.5), then applies it exactly like a normal fill. Used when
// handleOrderFilled's exchange-order-id lookup misses and the fill type
// indicates it was never going to have one.
func (e *Engine) SynthesizeFill(exchange types.ExchangeAccountID, sym *symbol.Symbol, trade adapter.Trade, fillType types.OrderFillType) {
	execType := types.ExecutionLiquidation
	if fillType == types.FillClosePosition {
		execType = types.ExecutionClosePosition
	}

	h := Header{
		ClientOrderID: types.ClientOrderID(uuid.NewString()),
		CreatedAt:     trade.Time,
		Exchange:      exchange,
		Symbol:        sym,
		OrderType:     types.OrderTypeMarket,
		Side:          trade.Side,
		Amount:        trade.Amount,
		Execution:     execType,
	}
	ref := e.pool.AddSynthesized(h, trade.ExchangeOrderID, func(o *Order) {
		o.Price = trade.Price
		o.setStatus(types.StatusCreated, trade.Time)
		o.CreationSourceType = types.SourceWebSocket
	})

	e.applyFill(ref, trade)
}
