package refclob

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/adapter"
	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

func newTestWSFeed(t *testing.T) (*WSFeed, *Adapter) {
	t.Helper()
	a := newTestAdapter(t)
	if _, err := a.ParseAllSymbols([]byte(testSymbolsJSON)); err != nil {
		t.Fatalf("ParseAllSymbols: %v", err)
	}
	return NewWSFeed("wss://example.invalid", testAuth(), a, nil), a
}

func TestTradeFromWSResolvesRegisteredSymbol(t *testing.T) {
	t.Parallel()
	f, _ := newTestWSFeed(t)

	trade, err := f.tradeFromWS(wsTradeEvent{
		ExchangeOrderID: "exch-1",
		ClientOrderID:   "client-1",
		Symbol:          "BTCUSDT",
		Side:            "BUY",
		Price:           "100.5",
		Amount:          "2",
		Commission:      "0.01",
		CommissionAsset: "USDT",
		Role:            "taker",
		TradeID:         "t-1",
		Timestamp:       1700000000000,
	})
	if err != nil {
		t.Fatalf("tradeFromWS: %v", err)
	}
	if trade.Side != types.Buy {
		t.Errorf("side = %v, want BUY", trade.Side)
	}
	if !trade.Price.Equal(decimal.NewFromFloat(100.5)) {
		t.Errorf("price = %s, want 100.5", trade.Price)
	}
	if !trade.Amount.Equal(decimal.NewFromInt(2)) {
		t.Errorf("amount = %s, want 2", trade.Amount)
	}
	if trade.Role != types.RoleTaker {
		t.Errorf("role = %v, want taker", trade.Role)
	}
	if trade.Symbol == nil || trade.Symbol.Pair.Base != "BTC" {
		t.Fatalf("resolved symbol = %+v, want BTC/USDT", trade.Symbol)
	}
}

func TestTradeFromWSUnknownSymbolFails(t *testing.T) {
	t.Parallel()
	f, _ := newTestWSFeed(t)
	_, err := f.tradeFromWS(wsTradeEvent{Symbol: "NOPE", Side: "BUY", Price: "1", Amount: "1"})
	if !errors.Is(err, errUnknownSymbol) {
		t.Fatalf("err = %v, want %v", err, errUnknownSymbol)
	}
}

func TestTradeFromWSBadCommissionDefaultsToZero(t *testing.T) {
	t.Parallel()
	f, _ := newTestWSFeed(t)
	trade, err := f.tradeFromWS(wsTradeEvent{Symbol: "BTCUSDT", Side: "SELL", Price: "1", Amount: "1", Commission: "garbage"})
	if err != nil {
		t.Fatalf("tradeFromWS: %v", err)
	}
	if !trade.Commission.IsZero() {
		t.Errorf("commission = %s, want 0 when unparseable", trade.Commission)
	}
}

func TestDispatchMessageOrderLiveCallsOrderCreated(t *testing.T) {
	t.Parallel()
	f, a := newTestWSFeed(t)

	var gotID types.ExchangeOrderID
	a.OnOrderCreated(func(exchangeOrderID types.ExchangeOrderID, clientOrderID types.ClientOrderID, source types.EventSourceType) {
		gotID = exchangeOrderID
	})

	f.dispatchMessage([]byte(`{"event_type":"order","orderId":"exch-7","clientOrderId":"c-7","status":"live"}`))

	if gotID != "exch-7" {
		t.Errorf("DispatchOrderCreated callback got %q, want exch-7", gotID)
	}
}

func TestDispatchMessageOrderCanceledCallsOrderCancelled(t *testing.T) {
	t.Parallel()
	f, a := newTestWSFeed(t)

	var gotID types.ExchangeOrderID
	a.OnOrderCancelled(func(exchangeOrderID types.ExchangeOrderID, source types.EventSourceType) {
		gotID = exchangeOrderID
	})

	f.dispatchMessage([]byte(`{"event_type":"order","orderId":"exch-8","status":"canceled"}`))

	if gotID != "exch-8" {
		t.Errorf("DispatchOrderCancelled callback got %q, want exch-8", gotID)
	}
}

func TestDispatchMessageTradeCallsOrderFilled(t *testing.T) {
	t.Parallel()
	f, a := newTestWSFeed(t)

	called := false
	a.OnOrderFilled(func(trade adapter.Trade, source types.EventSourceType) {
		called = true
		if trade.Symbol == nil || trade.Symbol.Pair.Base != "BTC" {
			t.Errorf("dispatched trade symbol = %+v, want BTC/USDT", trade.Symbol)
		}
	})

	f.dispatchMessage([]byte(`{"event_type":"trade","orderId":"exch-9","symbol":"BTCUSDT","side":"BUY","price":"100","amount":"1"}`))

	if !called {
		t.Fatal("expected OnOrderFilled callback to run for a trade event")
	}
}

func TestDispatchMessageIgnoresNonJSON(t *testing.T) {
	t.Parallel()
	f, _ := newTestWSFeed(t)
	f.dispatchMessage([]byte(`not json at all`))
}

func TestDispatchMessageIgnoresPing(t *testing.T) {
	t.Parallel()
	f, a := newTestWSFeed(t)
	a.OnOrderCreated(func(types.ExchangeOrderID, types.ClientOrderID, types.EventSourceType) {
		t.Error("ping messages must never trigger order callbacks")
	})
	f.dispatchMessage([]byte(`{"event_type":"ping"}`))
}
