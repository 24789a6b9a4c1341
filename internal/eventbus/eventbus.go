// Package eventbus implements the engine's single broadcast channel (C14):
// every order-book, order, trade and balance event funnels through one bus,
// and every subscriber gets its own buffered view so a slow consumer only
// drops its own events instead of blocking the producer (spec §4.14, §5).
//
// Grounded on the teacher's internal/exchange.WSFeed, which fans one
// WebSocket connection out into per-kind typed channels
// (BookEvents/PriceChangeEvents/TradeEvents/OrderEvents); this package
// generalizes that from "one channel per event kind, one feed" to "one
// broadcast point, many independent subscribers", since the engine now has
// many producers (every adapter) and many consumers (the lifecycle engine,
// the local order-book snapshot service, the control plane).
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// Kind discriminates an Event's payload.
type Kind string

const (
	KindOrderBook      Kind = "ORDER_BOOK"
	KindOrder          Kind = "ORDER"
	KindBalanceUpdate  Kind = "BALANCE_UPDATE"
	KindLiquidationPrice Kind = "LIQUIDATION_PRICE"
	KindTrades         Kind = "TRADES"
)

// OrderBookEvent carries a top-of-book (or fuller) snapshot for one symbol,
// published by the local order-book snapshot service collaborator so the
// reservation manager can compute middle prices on demand.
type OrderBookEvent struct {
	Exchange types.ExchangeAccountID
	Pair     types.CurrencyPair
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
}

// OrderEvent carries an order lifecycle transition.
type OrderEvent struct {
	ClientOrderID   types.ClientOrderID
	ExchangeOrderID types.ExchangeOrderID
	Exchange        types.ExchangeAccountID
	Status          types.OrderStatus
}

// BalanceUpdateEvent announces that an exchange's raw balance was refreshed.
type BalanceUpdateEvent struct {
	Exchange types.ExchangeAccountID
}

// LiquidationPriceEvent carries a derivative's estimated liquidation price.
type LiquidationPriceEvent struct {
	Exchange types.ExchangeAccountID
	Pair     types.CurrencyPair
	Price    decimal.Decimal
}

// TradesEvent carries one fill.
type TradesEvent struct {
	Exchange      types.ExchangeAccountID
	Symbol        *symbol.Symbol
	ClientOrderID types.ClientOrderID
	Price         decimal.Decimal
	Amount        decimal.Decimal
}

// Event is the envelope published on the bus. Exactly one of the typed
// fields is populated, selected by Kind.
type Event struct {
	Kind            Kind
	OrderBook       *OrderBookEvent
	Order           *OrderEvent
	BalanceUpdate   *BalanceUpdateEvent
	LiquidationPrice *LiquidationPriceEvent
	Trades          *TradesEvent
}

// defaultCapacity is spec §4.14's "bounded capacity (≈200 000)".
const defaultCapacity = 200_000

// subscriber is one consumer's buffered view of the bus.
type subscriber struct {
	ch chan Event
}

// Bus is a single broadcast point with bounded per-subscriber buffers. Slow
// consumers lag: a full subscriber buffer causes that subscriber (and only
// that subscriber) to drop the event, logged at debug level (spec §5's
// backpressure policy — "producers drop on overflow").
type Bus struct {
	log *slog.Logger

	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	capacity    int
}

// New creates a bus with the spec's default capacity. Pass capacity <= 0 to
// use the default.
func New(log *slog.Logger, capacity int) *Bus {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		log:         log.With("component", "eventbus"),
		subscribers: make(map[int64]*subscriber),
		capacity:    capacity,
	}
}

// Subscription is a handle returned by Subscribe; callers read from Events()
// and must call Unsubscribe when done.
type Subscription struct {
	id  int64
	bus *Bus
	ch  <-chan Event
}

// Events returns the subscription's receive-only channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe registers a new consumer with its own buffered channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.capacity)}
	b.subscribers[id] = sub
	return &Subscription{id: id, bus: b, ch: sub.ch}
}

// Publish fans evt out to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- evt:
		default:
			b.log.Debug("subscriber lagging, dropping event", "subscriber", id, "kind", evt.Kind)
		}
	}
}

// PublishOrderBook is a convenience wrapper for the common order-book path.
func (b *Bus) PublishOrderBook(e OrderBookEvent) {
	b.Publish(Event{Kind: KindOrderBook, OrderBook: &e})
}

// PublishOrder is a convenience wrapper for order lifecycle transitions.
func (b *Bus) PublishOrder(e OrderEvent) {
	b.Publish(Event{Kind: KindOrder, Order: &e})
}

// PublishBalanceUpdate is a convenience wrapper for balance refresh events.
func (b *Bus) PublishBalanceUpdate(e BalanceUpdateEvent) {
	b.Publish(Event{Kind: KindBalanceUpdate, BalanceUpdate: &e})
}

// PublishTrades is a convenience wrapper for fill events.
func (b *Bus) PublishTrades(e TradesEvent) {
	b.Publish(Event{Kind: KindTrades, Trades: &e})
}
