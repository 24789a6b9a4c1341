// Package balance implements the accounting core of the engine: the virtual
// balance holder (C3), reservation storage (C4), position ledger (C5), the
// reservation manager (C6), and the facade that wraps them all for the rest
// of the engine to call (C7).
package balance

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/internal/valuetree"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// Request addresses one (bucket, exchange, pair, currency) leaf, the key
// shape shared by the diff tree, the limits tree and reserved-amount totals.
type Request = valuetree.Key

// VirtualBalanceHolder holds the last-known raw balance per (exchange,
// currency) plus a correction diff accumulated by reservations and fills.
// The "virtual" balance read by everything else is raw + diff.
type VirtualBalanceHolder struct {
	mu  sync.RWMutex
	raw map[types.ExchangeAccountID]map[types.CurrencyCode]decimal.Decimal

	diff *valuetree.Tree
}

// NewVirtualBalanceHolder creates an empty holder.
func NewVirtualBalanceHolder() *VirtualBalanceHolder {
	return &VirtualBalanceHolder{
		raw:  make(map[types.ExchangeAccountID]map[types.CurrencyCode]decimal.Decimal),
		diff: valuetree.New(),
	}
}

// UpdateBalances replaces the raw figures for exchange and zeros every diff
// entry touching a currency present in the update: that diff existed only to
// correct a now-superseded raw figure (spec §4.3).
func (h *VirtualBalanceHolder) UpdateBalances(exchange types.ExchangeAccountID, balances map[types.CurrencyCode]decimal.Decimal) {
	h.mu.Lock()
	cp := make(map[types.CurrencyCode]decimal.Decimal, len(balances))
	for k, v := range balances {
		cp[k] = v
	}
	h.raw[exchange] = cp
	h.mu.Unlock()

	for currency := range balances {
		h.diff.ZeroCurrency(exchange, currency)
	}
}

// RawBalance returns the last raw figure reported for (exchange, currency).
func (h *VirtualBalanceHolder) RawBalance(exchange types.ExchangeAccountID, currency types.CurrencyCode) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.raw[exchange]
	if !ok {
		return decimal.Zero, false
	}
	v, ok := m[currency]
	return v, ok
}

// AddBalance accumulates delta into the diff tree at request and returns the
// new diff total.
func (h *VirtualBalanceHolder) AddBalance(request Request, delta decimal.Decimal) decimal.Decimal {
	return h.diff.Add(request, delta)
}

// Diff returns the accumulated diff tree, used directly by callers that
// already hold an exchange/currency key (the reservation manager).
func (h *VirtualBalanceHolder) Diff() *valuetree.Tree {
	return h.diff
}

// GetVirtualBalance returns raw(exchange, currency) + diff(request) directly
// for spot instruments, or when the requested currency already is the
// symbol's balance currency. For a cross-currency derivative read it instead
// looks up the balance-currency raw+diff and converts through sym at price.
// Returns (zero, false) when the raw figure is unknown, or when a price is
// required for the conversion but not supplied (spec §4.3).
func (h *VirtualBalanceHolder) GetVirtualBalance(request Request, sym *symbol.Symbol, price decimal.Decimal) (decimal.Decimal, bool) {
	balanceCurrency := request.Currency
	if sym.IsDerivative && sym.BalanceCurrencyCode != nil {
		balanceCurrency = *sym.BalanceCurrencyCode
	}

	if balanceCurrency == request.Currency {
		raw, ok := h.RawBalance(request.Exchange, request.Currency)
		if !ok {
			return decimal.Zero, false
		}
		diff := h.diff.Get(request)
		return raw.Add(diff), true
	}

	raw, ok := h.RawBalance(request.Exchange, balanceCurrency)
	if !ok {
		return decimal.Zero, false
	}
	balanceKey := request
	balanceKey.Currency = balanceCurrency
	diff := h.diff.Get(balanceKey)
	virtualInBalanceCurrency := raw.Add(diff)

	if price.Sign() == 0 {
		return decimal.Zero, false
	}
	converted, err := sym.ConvertAmountToAmountCurrencyCode(balanceCurrency, virtualInBalanceCurrency, price)
	if err != nil {
		return decimal.Zero, false
	}
	out, err := sym.ConvertAmountFromAmountCurrencyCode(request.Currency, converted, price)
	if err != nil {
		return decimal.Zero, false
	}
	return out, true
}
