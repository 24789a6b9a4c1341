package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

func testHeader(id string) Header {
	return Header{
		ClientOrderID: types.ClientOrderID(id),
		CreatedAt:     time.Now(),
		Exchange:      types.ExchangeAccountID{ExchangeID: "ref"},
		Symbol:        &symbol.Symbol{Pair: types.CurrencyPair{Base: "BTC", Quote: "USDT"}},
		OrderType:     types.OrderTypeLimit,
		Side:          types.Buy,
		Amount:        decimal.NewFromInt(1),
	}
}

func TestPoolAddAndLookup(t *testing.T) {
	p := NewPool()
	ref := p.Add(testHeader("c1"))

	if ref.Status() != types.StatusCreating {
		t.Fatalf("got status %v, want Creating", ref.Status())
	}

	got, ok := p.ByClientOrderID("c1")
	if !ok {
		t.Fatalf("expected order to be indexed by client order id")
	}
	if got.ClientOrderID() != "c1" {
		t.Fatalf("got client order id %s, want c1", got.ClientOrderID())
	}

	notFinished := p.NotFinished()
	if len(notFinished) != 1 {
		t.Fatalf("got %d not-finished orders, want 1", len(notFinished))
	}
}

func TestPoolIndexByExchangeIDAndMarkFinished(t *testing.T) {
	p := NewPool()
	ref := p.Add(testHeader("c2"))
	p.IndexByExchangeID("ex-1", ref)

	got, ok := p.ByExchangeOrderID("ex-1")
	if !ok || got.ClientOrderID() != "c2" {
		t.Fatalf("expected exchange order id index to resolve to c2")
	}

	p.MarkFinished("c2")
	if len(p.NotFinished()) != 0 {
		t.Fatalf("expected no not-finished orders after MarkFinished")
	}
}

func TestRefFnMutMutatesUnderLock(t *testing.T) {
	p := NewPool()
	ref := p.Add(testHeader("c3"))

	ref.FnMut(func(o *Order) {
		o.setStatus(types.StatusCreated, time.Now())
	})
	if ref.Status() != types.StatusCreated {
		t.Fatalf("got status %v, want Created", ref.Status())
	}
}

func TestRefSatisfiesOrderView(t *testing.T) {
	p := NewPool()
	ref := p.Add(testHeader("c4"))

	var v orderView = ref
	if v.ClientOrderID() != "c4" {
		t.Fatalf("orderView.ClientOrderID() = %s, want c4", v.ClientOrderID())
	}
	if v.IsFinished() {
		t.Fatalf("freshly created order should not be finished")
	}
}
