package balance

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/pkg/types"
)

// tradePlace is the key the position ledger tracks: one exchange, one pair.
type tradePlace struct {
	Exchange types.ExchangeAccountID
	Pair     types.CurrencyPair
}

// PositionChange is one recorded step of a position's history, produced by
// Ledger.Add. PortionOpened classifies how much of the move opened new
// exposure versus closed existing exposure (spec §4.5):
//   - moving through zero (sign flip): PortionOpened = after / (after - before)
//   - starting from flat: purely opening, PortionOpened = 1
//   - ending at flat: purely closing, PortionOpened = 0
//   - same sign, growing in magnitude: purely opening, PortionOpened = 1
//   - same sign, shrinking in magnitude: purely closing, PortionOpened = 0
type PositionChange struct {
	Exchange          types.ExchangeAccountID
	Pair              types.CurrencyPair
	Delta             decimal.Decimal
	Before            decimal.Decimal
	After             decimal.Decimal
	PortionOpened     decimal.Decimal
	ClientOrderFillID string
	Time              time.Time
}

// Ledger tracks the signed net position per (exchange, pair) and the history
// of changes that produced it (C5). Positive means net long base currency.
type Ledger struct {
	mu        sync.RWMutex
	positions map[tradePlace]decimal.Decimal
	changes   map[tradePlace][]PositionChange
}

// NewLedger creates an empty position ledger.
func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[tradePlace]decimal.Decimal),
		changes:   make(map[tradePlace][]PositionChange),
	}
}

// Add applies delta to the tracked position and appends the resulting
// change record.
func (l *Ledger) Add(exchange types.ExchangeAccountID, pair types.CurrencyPair, delta decimal.Decimal, clientOrderFillID string, t time.Time) PositionChange {
	place := tradePlace{Exchange: exchange, Pair: pair}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.positions[place]
	after := before.Add(delta)
	l.positions[place] = after

	change := PositionChange{
		Exchange:          exchange,
		Pair:              pair,
		Delta:             delta,
		Before:            before,
		After:             after,
		PortionOpened:     portionOpened(before, after),
		ClientOrderFillID: clientOrderFillID,
		Time:              t,
	}
	l.changes[place] = append(l.changes[place], change)
	return change
}

func portionOpened(before, after decimal.Decimal) decimal.Decimal {
	beforeSign := before.Sign()
	afterSign := after.Sign()

	switch {
	case beforeSign != 0 && afterSign != 0 && beforeSign != afterSign:
		denom := after.Sub(before)
		if denom.IsZero() {
			return decimal.Zero
		}
		return after.Div(denom)
	case beforeSign == 0 && afterSign == 0:
		return decimal.Zero
	case beforeSign == 0:
		return decimal.NewFromInt(1)
	case afterSign == 0:
		return decimal.Zero
	case after.Abs().GreaterThan(before.Abs()):
		return decimal.NewFromInt(1)
	default:
		return decimal.Zero
	}
}

// Position returns the current signed position for (exchange, pair).
func (l *Ledger) Position(exchange types.ExchangeAccountID, pair types.CurrencyPair) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positions[tradePlace{Exchange: exchange, Pair: pair}]
}

// SetPosition overwrites the tracked position without recording a change,
// used when reconciling against an exchange-reported position snapshot.
func (l *Ledger) SetPosition(exchange types.ExchangeAccountID, pair types.CurrencyPair, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[tradePlace{Exchange: exchange, Pair: pair}] = amount
}

// GetLastChangeBefore returns the most recent change at or before t, if any.
func (l *Ledger) GetLastChangeBefore(exchange types.ExchangeAccountID, pair types.CurrencyPair, t time.Time) (PositionChange, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	changes := l.changes[tradePlace{Exchange: exchange, Pair: pair}]
	var best *PositionChange
	for i := range changes {
		c := &changes[i]
		if c.Time.After(t) {
			continue
		}
		if best == nil || c.Time.After(best.Time) {
			best = c
		}
	}
	if best == nil {
		return PositionChange{}, false
	}
	return *best, true
}
