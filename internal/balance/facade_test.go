package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/pkg/types"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	m := newTestManager(t)
	return NewFacade(nil, m, nil, 3)
}

// TestUpdateExchangeBalanceKeepsReportedZero is the regression for the
// zero-balance filter that dropped every zero entry regardless of whether the
// currency is actually still being reported by the exchange.
func TestUpdateExchangeBalanceKeepsReportedZero(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)

	if err := f.UpdateExchangeBalance(ExchangeUpdate{
		Exchange: testExchange,
		Balances: map[types.CurrencyCode]decimal.Decimal{
			"USDT": decimal.NewFromInt(100),
			"BTC":  decimal.Zero,
		},
	}); err != nil {
		t.Fatalf("UpdateExchangeBalance: %v", err)
	}

	if _, ok := f.Manager().Virtual().RawBalance(testExchange, "BTC"); !ok {
		t.Fatal("a reported zero balance must still be recorded, not dropped as unknown")
	}
	got, ok := f.Manager().Virtual().RawBalance(testExchange, "BTC")
	if !ok || !got.IsZero() {
		t.Fatalf("BTC raw balance = %v (ok=%v), want 0", got, ok)
	}
}

// TestUpdateExchangeBalanceDeductsLiveReservations exercises the
// pre-deduction step: a reservation's not-approved amount, converted to its
// own reservation currency, is subtracted before the raw figures land.
func TestUpdateExchangeBalanceDeductsLiveReservations(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)
	sym := spotSymbol()
	f.Manager().SetLeverage(testExchange, sym.Pair, decimal.NewFromInt(1))
	f.Manager().Virtual().UpdateBalances(testExchange, map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(1000)})

	r, err := f.Manager().TryReserve(testBucket, testExchange, sym, types.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}

	if err := f.UpdateExchangeBalance(ExchangeUpdate{
		Exchange: testExchange,
		Balances: map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(1000)},
	}); err != nil {
		t.Fatalf("UpdateExchangeBalance: %v", err)
	}

	raw, ok := f.Manager().Virtual().RawBalance(testExchange, "USDT")
	if !ok {
		t.Fatal("expected a raw USDT balance")
	}
	if !raw.Equal(decimal.NewFromInt(1000).Sub(r.Cost)) {
		t.Fatalf("raw USDT after refresh = %s, want %s", raw, decimal.NewFromInt(1000).Sub(r.Cost))
	}
}

// TestReconcilePositionsForcesAfterToleranceExceeded covers the mismatch
// streak: tolerated silently until it recurs mismatchTolerance times in a
// row, at which point the local position is forced to the reported one.
func TestReconcilePositionsForcesAfterToleranceExceeded(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)
	sym := derivativeSymbol()
	f.Manager().Positions().SetPosition(testExchange, sym.Pair, decimal.NewFromInt(1))

	for i := 0; i < 2; i++ {
		if err := f.UpdateExchangeBalance(ExchangeUpdate{
			Exchange:  testExchange,
			Balances:  map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(100)},
			Positions: map[types.CurrencyPair]decimal.Decimal{sym.Pair: decimal.NewFromInt(5)},
		}); err != nil {
			t.Fatalf("UpdateExchangeBalance[%d]: %v", i, err)
		}
		if got := f.Manager().Positions().Position(testExchange, sym.Pair); !got.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("position forced too early on iteration %d: got %s, want 1 still tolerated", i, got)
		}
	}

	if err := f.UpdateExchangeBalance(ExchangeUpdate{
		Exchange:  testExchange,
		Balances:  map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(100)},
		Positions: map[types.CurrencyPair]decimal.Decimal{sym.Pair: decimal.NewFromInt(5)},
	}); err != nil {
		t.Fatalf("UpdateExchangeBalance[final]: %v", err)
	}
	if got := f.Manager().Positions().Position(testExchange, sym.Pair); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("position after tolerance exceeded = %s, want forced to reported 5", got)
	}
}

// TestReconcilePositionsResetsStreakOnMatch ensures a single matching read
// clears the accumulated mismatch streak instead of letting it carry over.
func TestReconcilePositionsResetsStreakOnMatch(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)
	sym := derivativeSymbol()
	f.Manager().Positions().SetPosition(testExchange, sym.Pair, decimal.NewFromInt(1))

	for i := 0; i < 2; i++ {
		_ = f.UpdateExchangeBalance(ExchangeUpdate{
			Exchange:  testExchange,
			Balances:  map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(100)},
			Positions: map[types.CurrencyPair]decimal.Decimal{sym.Pair: decimal.NewFromInt(5)},
		})
	}
	// A matching report resets the streak back to 0.
	_ = f.UpdateExchangeBalance(ExchangeUpdate{
		Exchange:  testExchange,
		Balances:  map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(100)},
		Positions: map[types.CurrencyPair]decimal.Decimal{sym.Pair: decimal.NewFromInt(1)},
	})

	for i := 0; i < 2; i++ {
		_ = f.UpdateExchangeBalance(ExchangeUpdate{
			Exchange:  testExchange,
			Balances:  map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(100)},
			Positions: map[types.CurrencyPair]decimal.Decimal{sym.Pair: decimal.NewFromInt(5)},
		})
		if got := f.Manager().Positions().Position(testExchange, sym.Pair); !got.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("streak should have restarted after the matching read; position forced early: %s", got)
		}
	}
}

type fakeOrderView struct {
	clientOrderID types.ClientOrderID
	reservationID types.ReservationID
	hasReservation bool
	status        types.OrderStatus
	isMarket      bool
}

func (o fakeOrderView) ClientOrderID() types.ClientOrderID { return o.clientOrderID }
func (o fakeOrderView) ReservationID() (types.ReservationID, bool) {
	return o.reservationID, o.hasReservation
}
func (o fakeOrderView) Status() types.OrderStatus { return o.status }
func (o fakeOrderView) IsFinished() bool          { return o.status.IsFinished() }
func (o fakeOrderView) IsMarket() bool            { return o.isMarket }

// TestCloneAndSubtractRejectsLiveMarketOrder covers the boundary case: a
// non-finished, non-Creating market order has no fixed price to unreserve
// against, so the whole operation must fail.
func TestCloneAndSubtractRejectsLiveMarketOrder(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)
	order := fakeOrderView{clientOrderID: "o1", status: types.StatusCreated, isMarket: true}

	_, err := f.CloneAndSubtractNotApprovedData([]OrderView{order})
	if !errors.Is(err, ErrMarketOrderPrice) {
		t.Fatalf("err = %v, want %v", err, ErrMarketOrderPrice)
	}
}

// TestCloneAndSubtractUnreservesLiveOrders exercises the shadow-manager
// projection: unreserving a live order's reservation in the clone must not
// touch the real manager's own reservations.
func TestCloneAndSubtractUnreservesLiveOrders(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)
	sym := spotSymbol()
	f.Manager().SetLeverage(testExchange, sym.Pair, decimal.NewFromInt(1))
	f.Manager().Virtual().UpdateBalances(testExchange, map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(1000)})

	r, err := f.Manager().TryReserve(testBucket, testExchange, sym, types.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	order := fakeOrderView{clientOrderID: "o1", reservationID: r.ID, hasReservation: true, status: types.StatusCreated, isMarket: false}

	if _, err := f.CloneAndSubtractNotApprovedData([]OrderView{order}); err != nil {
		t.Fatalf("CloneAndSubtractNotApprovedData: %v", err)
	}

	if _, ok := f.Manager().Reservations().Get(r.ID); !ok {
		t.Fatal("clone_and_subtract must not mutate the real reservation store")
	}
	got, ok := f.Manager().Reservations().Get(r.ID)
	if !ok || !got.UnreservedAmount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("real reservation's unreserved amount changed: %+v", got)
	}
}

// TestCloneAndSubtractIsDeterministic is spec §8's round-trip property:
// calling it twice against the same unchanged state must produce the same
// projection.
func TestCloneAndSubtractIsDeterministic(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)
	sym := spotSymbol()
	f.Manager().SetLeverage(testExchange, sym.Pair, decimal.NewFromInt(1))
	f.Manager().Virtual().UpdateBalances(testExchange, map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(1000)})

	if _, err := f.Manager().TryReserve(testBucket, testExchange, sym, types.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1)); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}

	first, err := f.CloneAndSubtractNotApprovedData(nil)
	if err != nil {
		t.Fatalf("CloneAndSubtractNotApprovedData first: %v", err)
	}
	second, err := f.CloneAndSubtractNotApprovedData(nil)
	if err != nil {
		t.Fatalf("CloneAndSubtractNotApprovedData second: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("result size differs across calls: %d vs %d", len(first), len(second))
	}
	for k, v := range first {
		if !second[k].Equal(v) {
			t.Fatalf("result for %+v differs: %s vs %s", k, v, second[k])
		}
	}
}

// TestUpdateBalancesForExchangesSkipsFailingExchange covers: one dead venue
// must not block refreshing the rest, and must not itself return an error.
func TestUpdateBalancesForExchangesSkipsFailingExchange(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)
	otherExchange := types.ExchangeAccountID{ExchangeID: "other", AccountIndex: 0}

	f.RegisterRefresher(testExchange, func(ctx context.Context) (ExchangeUpdate, error) {
		return ExchangeUpdate{}, errors.New("boom")
	})
	refreshed := false
	f.RegisterRefresher(otherExchange, func(ctx context.Context) (ExchangeUpdate, error) {
		refreshed = true
		return ExchangeUpdate{
			Exchange: otherExchange,
			Balances: map[types.CurrencyCode]decimal.Decimal{"USDT": decimal.NewFromInt(50)},
		}, nil
	})

	if err := f.UpdateBalancesForExchanges(context.Background()); err != nil {
		t.Fatalf("UpdateBalancesForExchanges should never propagate a single refresher's failure: %v", err)
	}
	if !refreshed {
		t.Fatal("the healthy exchange's refresher should still have run")
	}
	got, ok := f.Manager().Virtual().RawBalance(otherExchange, "USDT")
	if !ok || !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("other exchange balance = %v (ok=%v), want 50", got, ok)
	}
}

// TestLastFillRecordsTimestamp covers HandleFill's side effect on LastFill.
func TestLastFillRecordsTimestamp(t *testing.T) {
	t.Parallel()
	f := newTestFacade(t)
	sym := spotSymbol()
	f.Manager().SetLeverage(testExchange, sym.Pair, decimal.NewFromInt(1))
	f.Manager().Virtual().UpdateBalances(testExchange, map[types.CurrencyCode]decimal.Decimal{
		"BTC": decimal.NewFromInt(10), "USDT": decimal.NewFromInt(1000),
	})

	if _, ok := f.LastFill(testExchange, sym.Pair); ok {
		t.Fatal("no fill recorded yet")
	}

	before := time.Now()
	if err := f.HandleFill(testBucket, testExchange, sym, types.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}
	ts, ok := f.LastFill(testExchange, sym.Pair)
	if !ok {
		t.Fatal("expected a recorded fill timestamp")
	}
	if ts.Before(before) {
		t.Fatalf("recorded timestamp %v is before the call started %v", ts, before)
	}
}
