package refclob

import (
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/adapter"
	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

const testSymbolsJSON = `[
	{"symbol":"BTCUSDT","base":"BTC","quote":"USDT","priceTick":"0.01","amountTick":"0.0001","amountMultiplier":"1","active":true},
	{"symbol":"ETHUSDPERP","base":"ETH","quote":"USD","isDerivative":true,"balanceCurrency":"USD","priceTick":"0.01","amountTick":"0.001","amountMultiplier":"0.1","active":true}
]`

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	return New(Config{
		Exchange: testExchange,
		Registry: symbol.NewRegistry(),
		RestURL:  "https://example.invalid",
		WSURL:    "wss://example.invalid",
	}, nil)
}

func TestParseAllSymbolsRegistersEachEntry(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)

	syms, err := a.ParseAllSymbols([]byte(testSymbolsJSON))
	if err != nil {
		t.Fatalf("ParseAllSymbols: %v", err)
	}
	if len(syms) != 2 {
		t.Fatalf("got %d symbols, want 2", len(syms))
	}

	spot := syms[0]
	if spot.IsDerivative {
		t.Error("first symbol should not be a derivative")
	}
	if spot.BalanceCurrencyCode != nil {
		t.Error("a non-derivative symbol should not have a balance currency code")
	}

	deriv := syms[1]
	if !deriv.IsDerivative {
		t.Error("second symbol should be a derivative")
	}
	if deriv.BalanceCurrencyCode == nil || *deriv.BalanceCurrencyCode != "USD" {
		t.Errorf("derivative balance currency = %v, want USD", deriv.BalanceCurrencyCode)
	}

	pair, ok := a.ToUnifiedPair(types.SpecificCurrencyPair("BTCUSDT"))
	if !ok || pair != spot.Pair {
		t.Fatalf("ToUnifiedPair(BTCUSDT) = %v, %v, want %v, true", pair, ok, spot.Pair)
	}
	specific := a.ToSpecificPair(spot.Pair)
	if specific != "BTCUSDT" {
		t.Errorf("ToSpecificPair round trip = %q, want BTCUSDT", specific)
	}
}

func TestParseAllSymbolsDefaultsZeroMultiplierToOne(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	syms, err := a.ParseAllSymbols([]byte(`[{"symbol":"BTCUSDT","base":"BTC","quote":"USDT","priceTick":"0.01","amountTick":"0.0001","active":true}]`))
	if err != nil {
		t.Fatalf("ParseAllSymbols: %v", err)
	}
	if got := syms[0].AmountMultiplier; !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("amount multiplier with no wire value = %s, want default 1", got)
	}
}

func TestParseAllSymbolsRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	if _, err := a.ParseAllSymbols([]byte(`not json`)); !errors.Is(err, adapter.ErrParsing) {
		t.Fatalf("err = %v, want wrapping %v", err, adapter.ErrParsing)
	}
}

func TestToSpecificPairFallsBackWhenUnregistered(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	pair := types.CurrencyPair{Base: "BTC", Quote: "USDT"}
	if got := a.ToSpecificPair(pair); got != "BTCUSDT" {
		t.Errorf("ToSpecificPair for an unregistered pair = %q, want the concatenated fallback BTCUSDT", got)
	}
}

func TestToUnifiedPairUnknownReturnsFalse(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	if _, ok := a.ToUnifiedPair("NOPE"); ok {
		t.Fatal("expected ok=false for an unregistered specific pair")
	}
}

func TestIsRestErrorCode(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	if err := a.IsRestErrorCode(http.StatusOK, nil); err != nil {
		t.Errorf("IsRestErrorCode(200) = %v, want nil", err)
	}
	if err := a.IsRestErrorCode(http.StatusNotFound, []byte("missing")); !errors.Is(err, adapter.ErrOrderNotFound) {
		t.Errorf("IsRestErrorCode(404) = %v, want wrapping %v", err, adapter.ErrOrderNotFound)
	}
}

func TestGetOrderID(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)

	id, err := a.GetOrderID([]byte(`{"orderId":"exch-1"}`))
	if err != nil || id != "exch-1" {
		t.Fatalf("GetOrderID valid = %v, %v, want exch-1, nil", id, err)
	}

	if _, err := a.GetOrderID([]byte(`{}`)); !errors.Is(err, adapter.ErrParsing) {
		t.Errorf("GetOrderID missing orderId err = %v, want wrapping %v", err, adapter.ErrParsing)
	}
	if _, err := a.GetOrderID([]byte(`not json`)); !errors.Is(err, adapter.ErrParsing) {
		t.Errorf("GetOrderID malformed json err = %v, want wrapping %v", err, adapter.ErrParsing)
	}
}

func TestDispatchOrderCreatedCallsRegisteredCallback(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)

	var gotExchangeID types.ExchangeOrderID
	var gotClientID types.ClientOrderID
	a.OnOrderCreated(func(exchangeOrderID types.ExchangeOrderID, clientOrderID types.ClientOrderID, source types.EventSourceType) {
		gotExchangeID = exchangeOrderID
		gotClientID = clientOrderID
	})

	a.DispatchOrderCreated("exch-9", "client-9", types.SourceWebSocket)

	if gotExchangeID != "exch-9" || gotClientID != "client-9" {
		t.Errorf("callback got (%q, %q), want (exch-9, client-9)", gotExchangeID, gotClientID)
	}
}

func TestDispatchOrderCreatedWithoutCallbackDoesNotPanic(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	a.DispatchOrderCreated("exch-1", "client-1", types.SourceWebSocket)
}
