// Package adapter defines the exchange wire-adapter contract (C8): the
// interface every connected exchange must satisfy, the order request/
// response shapes it trades in, the feature-declaration struct that tells
// the order lifecycle engine how to treat that exchange's event sources,
// and the error taxonomy every adapter method classifies into.
//
// Concrete adapters are out of spec scope; internal/adapter/refclob is a
// reference implementation that exercises the contract end to end.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// Error classes every adapter method is expected to classify its failures
// into, via errors.Is (spec §7, §9).
var (
	ErrOrderNotFound     = errors.New("adapter: order not found")
	ErrInsufficientFunds = errors.New("adapter: insufficient funds")
	ErrInvalidOrder      = errors.New("adapter: invalid order")
	ErrRateLimit         = errors.New("adapter: rate limited")
	ErrParsing           = errors.New("adapter: response parsing failed")
	ErrTransport         = errors.New("adapter: transport failure")
	ErrUnknown           = errors.New("adapter: unclassified error")
)

// OpenOrdersType declares how an adapter can list open orders.
type OpenOrdersType string

const (
	OpenOrdersNone             OpenOrdersType = "NONE"
	OpenOrdersAllCurrencyPair  OpenOrdersType = "ALL_CURRENCY_PAIR"
	OpenOrdersOneCurrencyPair  OpenOrdersType = "ONE_CURRENCY_PAIR"
)

// RestFillsType declares how an adapter surfaces fills over REST.
type RestFillsType string

const (
	RestFillsNone        RestFillsType = "NONE"
	RestFillsOrderTrades RestFillsType = "ORDER_TRADES"
	RestFillsMyTrades    RestFillsType = "MY_TRADES"
)

// BalancePositionOption declares whether get_balance also returns positions.
type BalancePositionOption string

const (
	BalanceOnly         BalancePositionOption = "BALANCE_ONLY"
	BalanceWithPosition BalancePositionOption = "BALANCE_WITH_POSITION"
)

// Features is the static capability declaration every adapter exposes
// (spec §4.8). The order lifecycle engine reads it once at adapter
// registration and never again.
type Features struct {
	OpenOrdersType                  OpenOrdersType
	RestFillsType                   RestFillsType
	AllowedFillEventSourceType      types.EventSourcePolicy
	AllowedCancelEventSourceType    types.EventSourcePolicy
	AllowsGetOrderInfoByClientOrder bool
	EmptyResponseIsOK               bool
	BalancePositionOption           BalancePositionOption
	// CreationResponseFromRestOnlyForError: if true, a successful REST
	// create response is not itself authoritative — the engine must also
	// await the WebSocket confirmation before considering the order Created
	// (spec §4.10.1 step 3).
	CreationResponseFromRestOnlyForError bool
}

// CreatingOrder is the request to place a new order.
type CreatingOrder struct {
	ClientOrderID types.ClientOrderID
	Exchange      types.ExchangeAccountID
	Symbol        *symbol.Symbol
	Side          types.Side
	OrderType     types.OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
}

// CreateOrderResponse is the result of a create-order round trip.
type CreateOrderResponse struct {
	ExchangeOrderID types.ExchangeOrderID
	RawStatus       string
}

// CancellingOrder is the request to cancel an existing order.
type CancellingOrder struct {
	ClientOrderID   types.ClientOrderID
	ExchangeOrderID types.ExchangeOrderID
	Exchange        types.ExchangeAccountID
	Symbol          *symbol.Symbol
}

// CancelOrderResponse is the result of a cancel round trip.
type CancelOrderResponse struct {
	Accepted bool
}

// OpenOrder is one entry of an open-orders listing.
type OpenOrder struct {
	ClientOrderID   types.ClientOrderID
	ExchangeOrderID types.ExchangeOrderID
	Symbol          *symbol.Symbol
	Side            types.Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Filled          decimal.Decimal
	Status          types.OrderStatus
}

// OrderInfo is a single-order status lookup result.
type OrderInfo struct {
	ExchangeOrderID types.ExchangeOrderID
	ClientOrderID   types.ClientOrderID
	Status          types.OrderStatus
	Filled          decimal.Decimal
}

// Trade is one fill, as reported via REST or WebSocket.
type Trade struct {
	ExchangeOrderID    types.ExchangeOrderID
	ClientOrderID      types.ClientOrderID
	Symbol             *symbol.Symbol
	Side               types.Side
	Price              decimal.Decimal
	Amount             decimal.Decimal
	Commission         decimal.Decimal
	CommissionCurrency types.CurrencyCode
	FillType           types.OrderFillType
	Role               types.OrderRole
	TradeID            string
	Time               time.Time
}

// BalanceResult is what get_balance returns: raw balances and, for adapters
// that declare BalanceWithPosition, derivative positions alongside them.
type BalanceResult struct {
	Balances  map[types.CurrencyCode]decimal.Decimal
	Positions map[types.CurrencyPair]decimal.Decimal
}

// OrderCreatedCallback, OrderCancelledCallback and OrderFilledCallback let
// an adapter push WebSocket-driven events back into the order lifecycle
// engine asynchronously, outside of any REST round trip.
type OrderCreatedCallback func(exchangeOrderID types.ExchangeOrderID, clientOrderID types.ClientOrderID, source types.EventSourceType)
type OrderCancelledCallback func(exchangeOrderID types.ExchangeOrderID, source types.EventSourceType)
type OrderFilledCallback func(trade Trade, source types.EventSourceType)

// Adapter is the exchange wire-adapter contract (spec §4.8). An
// implementation wraps one exchange's REST and WebSocket surface and
// translates it into this shape; the order lifecycle engine and reservation
// manager are otherwise exchange-agnostic.
type Adapter interface {
	Exchange() types.ExchangeAccountID
	Features() Features

	CreateOrder(ctx context.Context, order CreatingOrder) (CreateOrderResponse, error)
	RequestCancelOrder(ctx context.Context, order CancellingOrder) (CancelOrderResponse, error)
	RequestOpenOrders(ctx context.Context, pair *types.CurrencyPair) ([]OpenOrder, error)
	RequestOrderInfo(ctx context.Context, order CancellingOrder) (OrderInfo, error)
	RequestMyTrades(ctx context.Context, sym *symbol.Symbol, since *time.Time) ([]Trade, error)
	GetBalance(ctx context.Context) (BalanceResult, error)
	CancelAllOrders(ctx context.Context, pair *types.CurrencyPair) error

	ParseAllSymbols(raw []byte) ([]*symbol.Symbol, error)

	IsRestErrorCode(statusCode int, body []byte) error
	GetOrderID(body []byte) (types.ExchangeOrderID, error)

	OnOrderCreated(cb OrderCreatedCallback)
	OnOrderCancelled(cb OrderCancelledCallback)
	OnOrderFilled(cb OrderFilledCallback)

	ToSpecificPair(pair types.CurrencyPair) types.SpecificCurrencyPair
	ToUnifiedPair(specific types.SpecificCurrencyPair) (types.CurrencyPair, bool)

	RestURL() string
	WebsocketURL() string
	ShouldLogMessage(raw []byte) bool
}

// Classify maps a transport-level failure to one of the adapter error
// sentinels, falling back to ErrUnknown. Adapters are expected to return
// errors already wrapped with one of these via fmt.Errorf("%w: ...", ...);
// Classify exists for callers (mainly tests and the lifecycle engine's
// logging) that need a coarse category without a type switch.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOrderNotFound):
		return ErrOrderNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, ErrInvalidOrder):
		return ErrInvalidOrder
	case errors.Is(err, ErrRateLimit):
		return ErrRateLimit
	case errors.Is(err, ErrParsing):
		return ErrParsing
	case errors.Is(err, ErrTransport):
		return ErrTransport
	default:
		return ErrUnknown
	}
}
