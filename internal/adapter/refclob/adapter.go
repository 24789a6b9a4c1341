package refclob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/adapter"
	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// Adapter is a reference adapter.Adapter implementation over a generic
// HMAC-authenticated CLOB-style REST API. It demonstrates the contract is
// satisfiable; production deployments supply their own per-exchange
// implementation the same shape, the way the teacher's exchange package
// wires Polymarket specifically.
type Adapter struct {
	exchange types.ExchangeAccountID
	client   *Client
	registry *symbol.Registry
	features adapter.Features
	restURL  string
	wsURL    string
	log      *slog.Logger

	mu          sync.Mutex
	onCreated   adapter.OrderCreatedCallback
	onCancelled adapter.OrderCancelledCallback
	onFilled    adapter.OrderFilledCallback
}

// Config wires an Adapter instance.
type Config struct {
	Exchange types.ExchangeAccountID
	Client   *Client
	Registry *symbol.Registry
	RestURL  string
	WSURL    string
	Features adapter.Features
}

// New creates a reference adapter bound to one exchange account.
func New(cfg Config, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		exchange: cfg.Exchange,
		client:   cfg.Client,
		registry: cfg.Registry,
		restURL:  cfg.RestURL,
		wsURL:    cfg.WSURL,
		features: cfg.Features,
		log:      log.With("component", "refclob_adapter", "exchange", cfg.Exchange.String()),
	}
}

func (a *Adapter) Exchange() types.ExchangeAccountID { return a.exchange }
func (a *Adapter) Features() adapter.Features        { return a.features }
func (a *Adapter) RestURL() string                   { return a.restURL }
func (a *Adapter) WebsocketURL() string               { return a.wsURL }

// ShouldLogMessage filters out high-frequency, low-information WebSocket
// traffic (e.g. heartbeats) the way the teacher's ws.go silently drops
// pings — everything else is logged at debug level by the caller.
func (a *Adapter) ShouldLogMessage(raw []byte) bool {
	return !strings.Contains(string(raw), `"type":"ping"`)
}

func (a *Adapter) CreateOrder(ctx context.Context, order adapter.CreatingOrder) (adapter.CreateOrderResponse, error) {
	wire := string(a.ToSpecificPair(order.Symbol.Pair))
	resp, err := a.client.CreateOrder(ctx, wire, order)
	if err != nil {
		return adapter.CreateOrderResponse{}, err
	}
	if !resp.Success {
		return adapter.CreateOrderResponse{}, fmt.Errorf("%w: %s (%s)", adapter.ErrInvalidOrder, resp.Message, resp.ErrorCode)
	}
	return adapter.CreateOrderResponse{
		ExchangeOrderID: types.ExchangeOrderID(resp.ExchangeOrderID),
		RawStatus:       resp.Status,
	}, nil
}

func (a *Adapter) RequestCancelOrder(ctx context.Context, order adapter.CancellingOrder) (adapter.CancelOrderResponse, error) {
	resp, err := a.client.CancelOrder(ctx, order.ExchangeOrderID)
	if err != nil {
		return adapter.CancelOrderResponse{}, err
	}
	return adapter.CancelOrderResponse{Accepted: resp.Accepted}, nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, pair *types.CurrencyPair) error {
	wire := ""
	if pair != nil {
		wire = string(a.ToSpecificPair(*pair))
	}
	return a.client.CancelAll(ctx, wire)
}

// RequestOpenOrders and RequestOrderInfo are not exercised by a reference
// deployment that only ever places and cancels orders it tracks locally;
// the reference API they would call (GET /orders, GET /orders/{id}) is
// intentionally left unimplemented here and returns ErrUnknown, matching
// the adapter contract's expectation that every method is classified.
func (a *Adapter) RequestOpenOrders(ctx context.Context, pair *types.CurrencyPair) ([]adapter.OpenOrder, error) {
	return nil, fmt.Errorf("%w: open orders listing not implemented by refclob", adapter.ErrUnknown)
}

func (a *Adapter) RequestOrderInfo(ctx context.Context, order adapter.CancellingOrder) (adapter.OrderInfo, error) {
	return adapter.OrderInfo{}, fmt.Errorf("%w: order info lookup not implemented by refclob", adapter.ErrUnknown)
}

func (a *Adapter) RequestMyTrades(ctx context.Context, sym *symbol.Symbol, since *time.Time) ([]adapter.Trade, error) {
	return nil, fmt.Errorf("%w: trade history lookup not implemented by refclob", adapter.ErrUnknown)
}

func (a *Adapter) GetBalance(ctx context.Context) (adapter.BalanceResult, error) {
	wire, err := a.client.GetBalance(ctx)
	if err != nil {
		return adapter.BalanceResult{}, err
	}

	balances := make(map[types.CurrencyCode]decimal.Decimal, len(wire.Balances))
	for currency, raw := range wire.Balances {
		d, err := parseDecimal(raw)
		if err != nil {
			return adapter.BalanceResult{}, err
		}
		balances[types.CurrencyCode(currency)] = d
	}

	var positions map[types.CurrencyPair]decimal.Decimal
	if a.features.BalancePositionOption == adapter.BalanceWithPosition && len(wire.Positions) > 0 {
		positions = make(map[types.CurrencyPair]decimal.Decimal, len(wire.Positions))
		for specific, raw := range wire.Positions {
			pair, ok := a.ToUnifiedPair(types.SpecificCurrencyPair(specific))
			if !ok {
				continue
			}
			d, err := parseDecimal(raw)
			if err != nil {
				return adapter.BalanceResult{}, err
			}
			positions[pair] = d
		}
	}

	return adapter.BalanceResult{Balances: balances, Positions: positions}, nil
}

type wireSymbolInfo struct {
	Specific         string `json:"symbol"`
	Base             string `json:"base"`
	Quote            string `json:"quote"`
	IsDerivative     bool   `json:"isDerivative"`
	BalanceCurrency  string `json:"balanceCurrency"`
	PriceTick        string `json:"priceTick"`
	AmountTick       string `json:"amountTick"`
	AmountMultiplier string `json:"amountMultiplier"`
	MinAmount        string `json:"minAmount"`
	MaxAmount        string `json:"maxAmount"`
	MinPrice         string `json:"minPrice"`
	MaxPrice         string `json:"maxPrice"`
	Active           bool   `json:"active"`
}

// ParseAllSymbols decodes the reference exchange's instrument listing into
// Symbol registry entries, registering each one so ToSpecificPair/
// ToUnifiedPair resolve immediately afterward.
func (a *Adapter) ParseAllSymbols(raw []byte) ([]*symbol.Symbol, error) {
	var wire []wireSymbolInfo
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrParsing, err)
	}

	out := make([]*symbol.Symbol, 0, len(wire))
	for _, w := range wire {
		priceTick, err := parseDecimal(w.PriceTick)
		if err != nil {
			return nil, err
		}
		amountTick, err := parseDecimal(w.AmountTick)
		if err != nil {
			return nil, err
		}
		multiplier, err := parseDecimal(w.AmountMultiplier)
		if err != nil {
			return nil, err
		}
		if multiplier.IsZero() {
			multiplier = decimal.NewFromInt(1)
		}
		minAmount, _ := parseDecimal(w.MinAmount)
		maxAmount, _ := parseDecimal(w.MaxAmount)
		minPrice, _ := parseDecimal(w.MinPrice)
		maxPrice, _ := parseDecimal(w.MaxPrice)

		sym := &symbol.Symbol{
			Exchange:         a.exchange,
			Pair:             types.CurrencyPair{Base: types.CurrencyCode(w.Base), Quote: types.CurrencyCode(w.Quote)},
			Specific:         types.SpecificCurrencyPair(w.Specific),
			IsDerivative:     w.IsDerivative,
			IsActive:         w.Active,
			PriceMode:        symbol.PrecisionTick,
			PriceTick:        priceTick,
			AmountMode:       symbol.PrecisionTick,
			AmountTick:       amountTick,
			AmountMultiplier: multiplier,
			MinAmount:        minAmount,
			MaxAmount:        maxAmount,
			MinPrice:         minPrice,
			MaxPrice:         maxPrice,
		}
		if w.BalanceCurrency != "" {
			code := types.CurrencyCode(w.BalanceCurrency)
			sym.BalanceCurrencyCode = &code
		}

		a.registry.Register(sym)
		out = append(out, sym)
	}
	return out, nil
}

func (a *Adapter) IsRestErrorCode(statusCode int, body []byte) error {
	if statusCode < 300 {
		return nil
	}
	return classifyStatus(statusCode, string(body))
}

type wireOrderID struct {
	OrderID string `json:"orderId"`
}

func (a *Adapter) GetOrderID(body []byte) (types.ExchangeOrderID, error) {
	var w wireOrderID
	if err := json.Unmarshal(body, &w); err != nil {
		return "", fmt.Errorf("%w: %v", adapter.ErrParsing, err)
	}
	if w.OrderID == "" {
		return "", fmt.Errorf("%w: missing orderId", adapter.ErrParsing)
	}
	return types.ExchangeOrderID(w.OrderID), nil
}

func (a *Adapter) OnOrderCreated(cb adapter.OrderCreatedCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCreated = cb
}

func (a *Adapter) OnOrderCancelled(cb adapter.OrderCancelledCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCancelled = cb
}

func (a *Adapter) OnOrderFilled(cb adapter.OrderFilledCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFilled = cb
}

// DispatchOrderCreated is called by the WebSocket feed (ws.go) when it
// receives an order-created event out of band from any REST round trip.
func (a *Adapter) DispatchOrderCreated(exchangeOrderID types.ExchangeOrderID, clientOrderID types.ClientOrderID, source types.EventSourceType) {
	a.mu.Lock()
	cb := a.onCreated
	a.mu.Unlock()
	if cb != nil {
		cb(exchangeOrderID, clientOrderID, source)
	}
}

// DispatchOrderCancelled mirrors DispatchOrderCreated for cancel events.
func (a *Adapter) DispatchOrderCancelled(exchangeOrderID types.ExchangeOrderID, source types.EventSourceType) {
	a.mu.Lock()
	cb := a.onCancelled
	a.mu.Unlock()
	if cb != nil {
		cb(exchangeOrderID, source)
	}
}

// DispatchOrderFilled mirrors DispatchOrderCreated for fill events.
func (a *Adapter) DispatchOrderFilled(trade adapter.Trade, source types.EventSourceType) {
	a.mu.Lock()
	cb := a.onFilled
	a.mu.Unlock()
	if cb != nil {
		cb(trade, source)
	}
}

func (a *Adapter) ToSpecificPair(pair types.CurrencyPair) types.SpecificCurrencyPair {
	if sym, ok := a.registry.Get(a.exchange, pair); ok {
		return sym.Specific
	}
	return types.SpecificCurrencyPair(string(pair.Base) + string(pair.Quote))
}

func (a *Adapter) ToUnifiedPair(specific types.SpecificCurrencyPair) (types.CurrencyPair, bool) {
	sym, ok := a.registry.GetBySpecific(a.exchange, specific)
	if !ok {
		return types.CurrencyPair{}, false
	}
	return sym.Pair, true
}

var _ adapter.Adapter = (*Adapter)(nil)
