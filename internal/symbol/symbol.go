// Package symbol is the canonical ↔ exchange-specific currency-pair registry.
// It owns precision rules (tick size or significant-figure rounding),
// min/max price and amount bounds, and the derivative-aware conversions
// between base quantity and margin-currency units (spec §4.1).
//
// Symbols are immutable once registered, mirroring how the teacher treats
// market metadata (pkg/types.MarketInfo): populated once from an exchange's
// instrument list, then shared read-only by every other component.
package symbol

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/pkg/types"
)

// PrecisionMode selects how Round rounds a price or amount.
type PrecisionMode int

const (
	// PrecisionTick rounds to the nearest multiple of Tick.
	PrecisionTick PrecisionMode = iota
	// PrecisionSignificantDigits rounds to a fixed number of significant
	// decimal places (some exchanges quote precision this way instead of
	// a fixed tick).
	PrecisionSignificantDigits
)

// Symbol is the immutable description of one tradeable instrument on one
// exchange account.
type Symbol struct {
	Exchange types.ExchangeAccountID
	Pair     types.CurrencyPair
	Specific types.SpecificCurrencyPair

	BaseCurrencyID  types.CurrencyID
	QuoteCurrencyID types.CurrencyID

	IsDerivative bool
	IsActive     bool

	// BalanceCurrencyCode is set for derivatives: the currency margin is
	// held and settled in. Linear when it equals the quote currency,
	// inverse when it equals the base currency (glossary).
	BalanceCurrencyCode *types.CurrencyCode

	PriceMode      PrecisionMode
	PriceTick      decimal.Decimal
	PriceSigDigits int32

	AmountMode      PrecisionMode
	AmountTick      decimal.Decimal
	AmountSigDigits int32

	MinPrice  decimal.Decimal
	MaxPrice  decimal.Decimal
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	MinCost   decimal.Decimal

	// AmountMultiplier scales contract units to amount-currency units.
	// != 1 for reverse-quoted (inverse) derivatives, e.g. 0.001 BTC/contract.
	AmountMultiplier decimal.Decimal
}

// IsInverse reports whether this is an inverse derivative (profits settle in
// base currency).
func (s *Symbol) IsInverse() bool {
	return s.IsDerivative && s.BalanceCurrencyCode != nil && *s.BalanceCurrencyCode == s.Pair.Base
}

// TradeCode returns the currency spent ("before") or received ("after") when
// trading this symbol on the given side (spec §4.1, §4.6.1).
//
//	Buy,  Before -> quote   Buy,  After -> base
//	Sell, Before -> base    Sell, After -> quote
func (s *Symbol) TradeCode(side types.Side, when types.BeforeAfter) types.CurrencyCode {
	buyBefore := side == types.Buy && when == types.Before
	sellAfter := side == types.Sell && when == types.After
	if buyBefore || sellAfter {
		return s.Pair.Quote
	}
	return s.Pair.Base
}

func tickOrDigitsError(tick decimal.Decimal) error {
	if tick.Sign() <= 0 {
		return fmt.Errorf("symbol: rounding tick must be > 0, got %s", tick)
	}
	return nil
}

// RoundPrice rounds a price per this symbol's price precision rule and the
// requested direction. Fails when the configured tick is <= 0 (spec §4.1).
func (s *Symbol) RoundPrice(price decimal.Decimal, dir types.RoundingDirection) (decimal.Decimal, error) {
	if s.PriceMode == PrecisionTick {
		if err := tickOrDigitsError(s.PriceTick); err != nil {
			return decimal.Zero, err
		}
		return roundToTick(price, s.PriceTick, dir), nil
	}
	return roundSignificant(price, s.PriceSigDigits, dir), nil
}

// RoundAmount rounds an amount per this symbol's amount precision rule.
func (s *Symbol) RoundAmount(amount decimal.Decimal, dir types.RoundingDirection) (decimal.Decimal, error) {
	if s.AmountMode == PrecisionTick {
		if err := tickOrDigitsError(s.AmountTick); err != nil {
			return decimal.Zero, err
		}
		return roundToTick(amount, s.AmountTick, dir), nil
	}
	return roundSignificant(amount, s.AmountSigDigits, dir), nil
}

// AmountMarginError is "within rounding tolerance of zero" for this symbol's
// amount tick — spec §9's "precision errors" tolerance used throughout the
// reservation manager instead of comparing decimals for exact equality.
func (s *Symbol) AmountMarginError(amount decimal.Decimal) bool {
	tick := s.AmountTick
	if s.AmountMode != PrecisionTick || tick.Sign() <= 0 {
		tick = decimal.New(1, -8)
	}
	return amount.Abs().LessThanOrEqual(tick)
}

func roundToTick(v, tick decimal.Decimal, dir types.RoundingDirection) decimal.Decimal {
	units := v.Div(tick)
	switch dir {
	case types.RoundFloor:
		units = units.Floor()
	case types.RoundCeil:
		units = units.Ceil()
	default:
		units = units.Round(0)
	}
	return units.Mul(tick)
}

func roundSignificant(v decimal.Decimal, digits int32, dir types.RoundingDirection) decimal.Decimal {
	switch dir {
	case types.RoundFloor:
		return v.Truncate(digits)
	case types.RoundCeil:
		scale := decimal.New(1, digits)
		return v.Mul(scale).Ceil().Div(scale)
	default:
		return v.Round(digits)
	}
}

// ConvertAmountFromAmountCurrencyCode translates amount (denominated in the
// symbol's natural amount currency — base quantity for spot and most
// derivatives) into target currency units at the given price. For
// derivatives it additionally applies AmountMultiplier, so callers get
// margin-currency units directly (spec §4.1).
func (s *Symbol) ConvertAmountFromAmountCurrencyCode(target types.CurrencyCode, amount, price decimal.Decimal) (decimal.Decimal, error) {
	if price.Sign() == 0 && target != s.Pair.Base {
		return decimal.Zero, fmt.Errorf("symbol: price required to convert to %s", target)
	}

	var converted decimal.Decimal
	switch target {
	case s.Pair.Base:
		converted = amount
	case s.Pair.Quote:
		converted = amount.Mul(price)
	default:
		return decimal.Zero, fmt.Errorf("symbol: unknown target currency %s for pair %s", target, s.Pair)
	}

	if s.IsDerivative {
		converted = converted.Mul(s.AmountMultiplier)
	}
	return converted, nil
}

// ConvertAmountToAmountCurrencyCode is the inverse of
// ConvertAmountFromAmountCurrencyCode.
func (s *Symbol) ConvertAmountToAmountCurrencyCode(source types.CurrencyCode, amount, price decimal.Decimal) (decimal.Decimal, error) {
	if s.IsDerivative {
		if s.AmountMultiplier.Sign() == 0 {
			return decimal.Zero, fmt.Errorf("symbol: amount multiplier is zero for %s", s.Pair)
		}
		amount = amount.Div(s.AmountMultiplier)
	}

	switch source {
	case s.Pair.Base:
		return amount, nil
	case s.Pair.Quote:
		if price.Sign() == 0 {
			return decimal.Zero, fmt.Errorf("symbol: price required to convert from %s", source)
		}
		return amount.Div(price), nil
	default:
		return decimal.Zero, fmt.Errorf("symbol: unknown source currency %s for pair %s", source, s.Pair)
	}
}

// Registry is the lookup table from (exchange, pair) or exchange-native pair
// string to Symbol. Read-mostly after initial load; guarded by a mutex only
// because adapters may register symbols lazily on first use.
type Registry struct {
	byPair     map[types.ExchangeAccountID]map[types.CurrencyPair]*Symbol
	bySpecific map[types.ExchangeAccountID]map[types.SpecificCurrencyPair]*Symbol
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPair:     make(map[types.ExchangeAccountID]map[types.CurrencyPair]*Symbol),
		bySpecific: make(map[types.ExchangeAccountID]map[types.SpecificCurrencyPair]*Symbol),
	}
}

// Register adds or replaces a symbol.
func (r *Registry) Register(sym *Symbol) {
	if _, ok := r.byPair[sym.Exchange]; !ok {
		r.byPair[sym.Exchange] = make(map[types.CurrencyPair]*Symbol)
		r.bySpecific[sym.Exchange] = make(map[types.SpecificCurrencyPair]*Symbol)
	}
	r.byPair[sym.Exchange][sym.Pair] = sym
	r.bySpecific[sym.Exchange][sym.Specific] = sym
}

// Get looks up a symbol by unified pair.
func (r *Registry) Get(exchange types.ExchangeAccountID, pair types.CurrencyPair) (*Symbol, bool) {
	m, ok := r.byPair[exchange]
	if !ok {
		return nil, false
	}
	s, ok := m[pair]
	return s, ok
}

// GetBySpecific looks up a symbol by the exchange-native pair string.
func (r *Registry) GetBySpecific(exchange types.ExchangeAccountID, specific types.SpecificCurrencyPair) (*Symbol, bool) {
	m, ok := r.bySpecific[exchange]
	if !ok {
		return nil, false
	}
	s, ok := m[specific]
	return s, ok
}
