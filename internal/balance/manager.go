package balance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// untouchableMarginFraction is the fraction of a derivative's virtual
// balance withheld from availability as an untouchable margin reserve
// (spec §4.6.1 step 5).
var untouchableMarginFraction = decimal.NewFromFloat(0.05)

// precisionMargin is the fallback "close enough to zero" tolerance used when
// a symbol does not define a tick-based margin (spec §9).
var precisionMargin = decimal.New(1, -8)

// limitKey addresses one (bucket, exchange, pair) target-amount-limit slot.
type limitKey struct {
	Bucket   types.ConfigurationDescriptor
	Exchange types.ExchangeAccountID
	Pair     types.CurrencyPair
}

// Manager is the balance reservation manager (C6): the single allocator of
// available balance into reservations. Every exported method takes the
// manager's own lock; none ever blocks while holding it, matching the
// locking discipline of the teacher's risk.Manager and exchange.WSFeed.
type Manager struct {
	mu sync.Mutex

	log *slog.Logger

	virtual      *VirtualBalanceHolder
	reservations *Store
	positions    *Ledger

	leverage map[tradePlace]decimal.Decimal
	limits   map[limitKey]decimal.Decimal
}

// NewManager wires a fresh reservation manager over the given collaborators.
func NewManager(log *slog.Logger, virtual *VirtualBalanceHolder, reservations *Store, positions *Ledger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:          log.With("component", "balance_manager"),
		virtual:      virtual,
		reservations: reservations,
		positions:    positions,
		leverage:     make(map[tradePlace]decimal.Decimal),
		limits:       make(map[limitKey]decimal.Decimal),
	}
}

// SetLeverage records the leverage factor to use for (exchange, pair).
// Leverage of 1 is the spot/no-leverage default.
func (m *Manager) SetLeverage(exchange types.ExchangeAccountID, pair types.CurrencyPair, leverage decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[tradePlace{Exchange: exchange, Pair: pair}] = leverage
}

func (m *Manager) leverageFor(exchange types.ExchangeAccountID, pair types.CurrencyPair) (decimal.Decimal, bool) {
	l, ok := m.leverage[tradePlace{Exchange: exchange, Pair: pair}]
	if !ok {
		return decimal.Zero, false
	}
	return l, true
}

// SetTargetAmountLimit stores limit under a single (bucket, exchange,
// pair.Pair) key, so either trade direction of the pair sees the same cap
// (spec §4.6.8).
func (m *Manager) SetTargetAmountLimit(bucket types.ConfigurationDescriptor, exchange types.ExchangeAccountID, sym *symbol.Symbol, limit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[limitKey{Bucket: bucket, Exchange: exchange, Pair: sym.Pair}] = limit
}

func (m *Manager) limitFor(bucket types.ConfigurationDescriptor, exchange types.ExchangeAccountID, pair types.CurrencyPair) (decimal.Decimal, bool) {
	l, ok := m.limits[limitKey{Bucket: bucket, Exchange: exchange, Pair: pair}]
	return l, ok
}

// GetFillAmountPositionPercent returns the current position as a fraction of
// its configured limit, clamped to [0, 1]. Returns 0 if no limit is set.
func (m *Manager) GetFillAmountPositionPercent(bucket types.ConfigurationDescriptor, exchange types.ExchangeAccountID, pair types.CurrencyPair) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, ok := m.limitFor(bucket, exchange, pair)
	if !ok || limit.IsZero() {
		return decimal.Zero
	}
	pct := m.positions.Position(exchange, pair).Div(limit)
	if pct.Sign() < 0 {
		return decimal.Zero
	}
	if pct.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return pct
}

// roundToPrecisionErrorZero nudges v to exactly zero when it falls within
// sym's amount margin error, so boundary comparisons (">= 0") are not foiled
// by an accumulated rounding residue.
func roundToPrecisionErrorZero(v decimal.Decimal, sym *symbol.Symbol) decimal.Decimal {
	if sym.AmountMarginError(v) {
		return decimal.Zero
	}
	return v
}

// reservedSideSum sums the signed reservation amount (positive for Buy,
// negative for Sell) across every live reservation matching bucket/exchange/
// pair, used by the target-amount-limit check (spec §4.6.8).
func (m *Manager) reservedSideSum(bucket types.ConfigurationDescriptor, exchange types.ExchangeAccountID, pair types.CurrencyPair) decimal.Decimal {
	total := decimal.Zero
	for _, r := range m.reservations.Filter(func(r *Reservation) bool {
		return r.Bucket == bucket && r.Exchange == exchange && r.Symbol.Pair == pair
	}) {
		if r.Side == types.Sell {
			total = total.Sub(r.UnreservedAmount)
		} else {
			total = total.Add(r.UnreservedAmount)
		}
	}
	return total
}

// takenFreeSum sums TakenFreeAmount across live reservations matching
// bucket/exchange/pair/side, used when computing how much of the current
// position is still genuinely free to reserve against without fresh balance.
func (m *Manager) takenFreeSum(bucket types.ConfigurationDescriptor, exchange types.ExchangeAccountID, pair types.CurrencyPair, side types.Side) decimal.Decimal {
	total := decimal.Zero
	for _, r := range m.reservations.Filter(func(r *Reservation) bool {
		return r.Bucket == bucket && r.Exchange == exchange && r.Symbol.Pair == pair && r.Side == side
	}) {
		total = total.Add(r.TakenFreeAmount)
	}
	return total
}

// unreservedPositionFree returns how much of the current position is
// available to close on side without touching fresh balance: the position's
// magnitude on that side, minus what other reservations already claimed.
func (m *Manager) unreservedPositionFree(bucket types.ConfigurationDescriptor, exchange types.ExchangeAccountID, sym *symbol.Symbol, side types.Side) decimal.Decimal {
	pos := m.positions.Position(exchange, sym.Pair)

	var onSide decimal.Decimal
	if side == types.Buy {
		// Buying closes a short position.
		onSide = pos.Neg()
	} else {
		// Selling closes a long position.
		onSide = pos
	}
	if onSide.Sign() < 0 {
		onSide = decimal.Zero
	}

	free := onSide.Sub(m.takenFreeSum(bucket, exchange, sym.Pair, side))
	if free.Sign() < 0 {
		return decimal.Zero
	}
	return free
}

// TryGetAvailableBalance implements spec §4.6.1.
func (m *Manager) TryGetAvailableBalance(
	bucket types.ConfigurationDescriptor,
	exchange types.ExchangeAccountID,
	sym *symbol.Symbol,
	side types.Side,
	price decimal.Decimal,
	includeFreeFromPosition bool,
	leveraged bool,
) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryGetAvailableBalanceLocked(bucket, exchange, sym, side, price, includeFreeFromPosition, leveraged)
}

func (m *Manager) tryGetAvailableBalanceLocked(
	bucket types.ConfigurationDescriptor,
	exchange types.ExchangeAccountID,
	sym *symbol.Symbol,
	side types.Side,
	price decimal.Decimal,
	includeFreeFromPosition bool,
	leveraged bool,
) (decimal.Decimal, error) {
	currency := sym.TradeCode(side, types.Before)

	request := Request{Bucket: bucket, Exchange: exchange, Pair: sym.Pair, Currency: currency}
	virtual, ok := m.virtual.GetVirtualBalance(request, sym, price)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrBalanceUnknown, exchange, currency)
	}

	leverage, ok := m.leverageFor(exchange, sym.Pair)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrLeverageUnknown, exchange, sym.Pair)
	}

	if sym.IsDerivative && includeFreeFromPosition {
		freeBase := m.unreservedPositionFree(bucket, exchange, sym, side)
		freeInCurrency, err := sym.ConvertAmountFromAmountCurrencyCode(currency, freeBase, price)
		if err != nil {
			return decimal.Zero, err
		}
		if leverage.Sign() != 0 {
			freeInCurrency = freeInCurrency.Div(leverage)
		}
		virtual = virtual.Add(freeInCurrency)
	}

	if sym.IsDerivative {
		untouchable := virtual.Mul(untouchableMarginFraction)
		virtual = virtual.Sub(untouchable)
	}

	if _, hasLimit := m.limitFor(bucket, exchange, sym.Pair); !hasLimit {
		virtual = m.applyPositionLimitAdjustment(bucket, exchange, sym, side, virtual)
		if virtual.Sign() < 0 {
			virtual = decimal.Zero
		}
	}

	if leveraged {
		if sym.AmountMultiplier.Sign() != 0 {
			virtual = virtual.Mul(leverage).Div(sym.AmountMultiplier)
		} else {
			virtual = virtual.Mul(leverage)
		}
	}

	return virtual, nil
}

// applyPositionLimitAdjustment is the "position and limit adjustment" of
// spec §4.6.1 step 6: when no explicit amount limit is configured there is
// nothing to clamp against, so the virtual figure passes through unchanged.
// Kept as a distinct hook because a future limit policy (e.g. soft caps per
// side) slots in here without touching the rest of the computation.
func (m *Manager) applyPositionLimitAdjustment(_ types.ConfigurationDescriptor, _ types.ExchangeAccountID, _ *symbol.Symbol, _ types.Side, virtual decimal.Decimal) decimal.Decimal {
	return virtual
}

// reservationPreset computes the reservation currency, the amount expressed
// in that currency, the balance cost to debit, and the taken-free portion
// (spec §4.6.2 steps 1-2).
func (m *Manager) reservationPreset(
	bucket types.ConfigurationDescriptor,
	exchange types.ExchangeAccountID,
	sym *symbol.Symbol,
	side types.Side,
	price decimal.Decimal,
	amount decimal.Decimal,
) (currency types.CurrencyCode, amountInReservationCurrency, cost, takenFree decimal.Decimal, err error) {
	currency = sym.TradeCode(side, types.Before)
	amountInReservationCurrency, err = sym.ConvertAmountFromAmountCurrencyCode(currency, amount, price)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	if sym.IsDerivative {
		return currency, amountInReservationCurrency, amountInReservationCurrency, decimal.Zero, nil
	}

	leverage, ok := m.leverageFor(exchange, sym.Pair)
	if !ok {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s/%s", ErrLeverageUnknown, exchange, sym.Pair)
	}

	free := m.unreservedPositionFree(bucket, exchange, sym, side)
	amountToPayFor := amount.Sub(free)
	if amountToPayFor.Sign() < 0 {
		amountToPayFor = decimal.Zero
	}
	takenFree = amount.Sub(amountToPayFor)

	cost, err = sym.ConvertAmountFromAmountCurrencyCode(currency, amountToPayFor, price)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if leverage.Sign() != 0 {
		cost = cost.Div(leverage)
	}
	return currency, amountInReservationCurrency, cost, takenFree, nil
}

// canReserveWithLimit implements spec §4.6.2 step 4.
func (m *Manager) canReserveWithLimit(
	bucket types.ConfigurationDescriptor,
	exchange types.ExchangeAccountID,
	sym *symbol.Symbol,
	side types.Side,
	amount decimal.Decimal,
) bool {
	limit, ok := m.limitFor(bucket, exchange, sym.Pair)
	if !ok {
		return true
	}

	current := m.positions.Position(exchange, sym.Pair)
	reservedSoFar := m.reservedSideSum(bucket, exchange, sym.Pair)

	signedNew := amount
	if side == types.Sell {
		signedNew = signedNew.Neg()
	}

	prospective := current.Add(reservedSoFar).Add(signedNew)
	if prospective.Abs().LessThanOrEqual(limit) {
		return true
	}
	return prospective.Abs().LessThan(current.Abs())
}

// TryReserve implements spec §4.6.2.
func (m *Manager) TryReserve(
	bucket types.ConfigurationDescriptor,
	exchange types.ExchangeAccountID,
	sym *symbol.Symbol,
	side types.Side,
	price decimal.Decimal,
	amount decimal.Decimal,
) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	currency, _, cost, takenFree, err := m.reservationPreset(bucket, exchange, sym, side, price, amount)
	if err != nil {
		return nil, err
	}

	if !m.canReserveWithLimit(bucket, exchange, sym, side, amount) {
		return nil, fmt.Errorf("%w: target amount limit would be exceeded for %s on %s", ErrInsufficientFunds, sym.Pair, exchange)
	}

	available, err := m.tryGetAvailableBalanceLocked(bucket, exchange, sym, side, price, false, false)
	if err != nil {
		return nil, err
	}

	newBalance := roundToPrecisionErrorZero(available.Sub(cost), sym)
	if newBalance.Sign() < 0 {
		return nil, fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientFunds, cost, currency, available)
	}

	r := &Reservation{
		ID:                  m.reservations.NextID(),
		Bucket:              bucket,
		Exchange:            exchange,
		Symbol:              sym,
		Side:                side,
		Price:               price,
		Amount:              amount,
		Cost:                cost,
		TakenFreeAmount:     takenFree,
		ReservationCurrency: currency,
		NotApprovedAmount:   amount,
		UnreservedAmount:    amount,
		ApprovedParts:       make(map[types.ClientOrderID]*ApprovedPart),
		CreatedAt:           time.Now(),
	}
	m.reservations.Add(r)

	request := Request{Bucket: bucket, Exchange: exchange, Pair: sym.Pair, Currency: currency}
	m.virtual.AddBalance(request, cost.Neg())

	m.log.Debug("reservation created",
		"id", r.ID, "exchange", exchange.String(), "pair", sym.Pair.String(),
		"side", side, "amount", amount.String(), "cost", cost.String())

	return r, nil
}

// proportionalCost returns the share of r.Cost proportional to amount out of
// r.Amount, used to credit back the right fraction of balance on a partial
// unreserve.
func proportionalCost(r *Reservation, amount decimal.Decimal) decimal.Decimal {
	if r.Amount.IsZero() {
		return decimal.Zero
	}
	return r.Cost.Mul(amount).Div(r.Amount)
}

// Unreserve implements spec §4.6.3.
func (m *Manager) Unreserve(id types.ReservationID, amount decimal.Decimal, clientOrderID *types.ClientOrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrReservationNotFound, id)
	}
	return m.unreserveLocked(r, amount, clientOrderID)
}

// unreserveLocked is the body of Unreserve, callable by other manager
// methods (TryTransferReservation) that already hold m.mu.
func (m *Manager) unreserveLocked(r *Reservation, amount decimal.Decimal, clientOrderID *types.ClientOrderID) error {
	id := r.ID
	rounded, err := r.Symbol.RoundAmount(amount, types.RoundNearest)
	if err != nil {
		return err
	}
	if rounded.IsZero() && !amount.IsZero() {
		m.log.Warn("unreserve amount rounded to zero", "id", id, "requested", amount.String())
		return nil
	}

	if clientOrderID != nil {
		part, ok := r.ApprovedParts[*clientOrderID]
		if ok {
			part.UnreservedAmount = part.UnreservedAmount.Sub(rounded)
		} else {
			m.log.Warn("unreserve: approved part missing, falling back to not-approved amount",
				"id", id, "client_order_id", string(*clientOrderID))
			r.NotApprovedAmount = r.NotApprovedAmount.Sub(rounded)
		}
	} else {
		r.NotApprovedAmount = r.NotApprovedAmount.Sub(rounded)
		if r.NotApprovedAmount.Sign() < 0 && r.TotalApprovedUnreserved().Sign() > 0 {
			return fmt.Errorf("%w: reservation %d has approved parts outstanding", ErrMissingClientOrder, id)
		}
	}

	request := Request{Bucket: r.Bucket, Exchange: r.Exchange, Pair: r.Symbol.Pair, Currency: r.ReservationCurrency}
	m.virtual.AddBalance(request, proportionalCost(r, rounded))
	r.UnreservedAmount = r.UnreservedAmount.Sub(rounded)

	if r.Symbol.AmountMarginError(r.UnreservedAmount) {
		residual := r.UnreservedAmount
		m.reservations.Remove(id)
		if !residual.IsZero() {
			m.virtual.AddBalance(request, proportionalCost(r, residual).Neg())
		}
	}

	return nil
}

// HandleFill implements spec §4.6.4: applies a single fill's balance effect.
// fillAmount is the unsigned fill quantity in the symbol's amount currency;
// side decides which currency is spent ("before") and which is received
// ("after"), and each leg is fillAmount converted into its currency at
// fillPrice.
func (m *Manager) HandleFill(
	bucket types.ConfigurationDescriptor,
	exchange types.ExchangeAccountID,
	sym *symbol.Symbol,
	side types.Side,
	fillAmount decimal.Decimal,
	fillPrice decimal.Decimal,
	commission decimal.Decimal,
	commissionCurrency types.CurrencyCode,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	leverage, ok := m.leverageFor(exchange, sym.Pair)
	if !ok {
		leverage = decimal.NewFromInt(1)
	}

	beforeCurrency := sym.TradeCode(side, types.Before)
	afterCurrency := sym.TradeCode(side, types.After)

	beforeAmount, err := sym.ConvertAmountFromAmountCurrencyCode(beforeCurrency, fillAmount, fillPrice)
	if err != nil {
		return err
	}
	afterAmount, err := sym.ConvertAmountFromAmountCurrencyCode(afterCurrency, fillAmount, fillPrice)
	if err != nil {
		return err
	}

	if !sym.IsDerivative {
		m.virtual.AddBalance(Request{Bucket: bucket, Exchange: exchange, Pair: sym.Pair, Currency: beforeCurrency}, beforeAmount.Neg())
		m.virtual.AddBalance(Request{Bucket: bucket, Exchange: exchange, Pair: sym.Pair, Currency: afterCurrency}, afterAmount)
	} else {
		free := m.unreservedPositionFree(bucket, exchange, sym, side)
		addAmount := fillAmount
		if addAmount.GreaterThan(free) {
			addAmount = free
		}
		subAmount := fillAmount.Sub(addAmount)

		net := addAmount.Sub(subAmount)
		if leverage.Sign() != 0 {
			net = net.Div(leverage)
		}
		net = net.Mul(sym.AmountMultiplier)

		m.virtual.AddBalance(Request{Bucket: bucket, Exchange: exchange, Pair: sym.Pair, Currency: beforeCurrency}, net)
	}

	signedPositionDelta := fillAmount
	if side == types.Sell {
		signedPositionDelta = signedPositionDelta.Neg()
	}
	m.positions.Add(exchange, sym.Pair, signedPositionDelta, "", time.Now())

	if commission.Sign() != 0 {
		var commissionDebit decimal.Decimal
		if commissionCurrency == sym.Pair.Base || sym.IsDerivative {
			commissionDebit = commission
			if leverage.Sign() != 0 {
				commissionDebit = commissionDebit.Div(leverage)
			}
		} else {
			converted, err := sym.ConvertAmountFromAmountCurrencyCode(commissionCurrency, commission, fillPrice)
			if err != nil {
				return err
			}
			commissionDebit = converted
			if leverage.Sign() != 0 {
				commissionDebit = commissionDebit.Div(leverage)
			}
		}
		m.virtual.AddBalance(Request{Bucket: bucket, Exchange: exchange, Pair: sym.Pair, Currency: commissionCurrency}, commissionDebit.Neg())
	}

	return nil
}

// TryTransferReservation implements spec §4.6.5.
func (m *Manager) TryTransferReservation(srcID, dstID types.ReservationID, amount decimal.Decimal, clientOrderID *types.ClientOrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.reservations.Get(srcID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrReservationNotFound, srcID)
	}
	dst, ok := m.reservations.Get(dstID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrReservationNotFound, dstID)
	}

	if src.Exchange != dst.Exchange || src.Symbol.Pair != dst.Symbol.Pair || src.Side != dst.Side {
		return fmt.Errorf("%w: src and dst must share exchange/symbol/side", ErrIllegalTransfer)
	}
	if src.Bucket == dst.Bucket {
		return fmt.Errorf("%w: src and dst must have different buckets", ErrIllegalTransfer)
	}

	if src.Symbol.IsDerivative {
		costAtSrc := amount.Mul(src.Price)
		costAtDst := amount.Mul(dst.Price)
		delta := costAtSrc.Sub(costAtDst)

		dstAvailable, err := m.tryGetAvailableBalanceLocked(dst.Bucket, dst.Exchange, dst.Symbol, dst.Side, dst.Price, false, false)
		if err != nil {
			return err
		}
		if roundToPrecisionErrorZero(dstAvailable.Add(delta), dst.Symbol).Sign() < 0 {
			return fmt.Errorf("%w: destination balance would go negative after price delta", ErrInsufficientFunds)
		}
	}

	if err := m.unreserveLocked(src, amount, clientOrderID); err != nil {
		return err
	}

	request := Request{Bucket: dst.Bucket, Exchange: dst.Exchange, Pair: dst.Symbol.Pair, Currency: dst.ReservationCurrency}
	cost, err := dst.Symbol.ConvertAmountFromAmountCurrencyCode(dst.ReservationCurrency, amount, dst.Price)
	if err != nil {
		return err
	}
	m.virtual.AddBalance(request, cost.Neg())
	dst.NotApprovedAmount = dst.NotApprovedAmount.Add(amount)
	dst.UnreservedAmount = dst.UnreservedAmount.Add(amount)
	dst.Amount = dst.Amount.Add(amount)
	dst.Cost = dst.Cost.Add(cost)

	return nil
}

// ApproveReservation implements spec §4.6.6.
func (m *Manager) ApproveReservation(id types.ReservationID, clientOrderID types.ClientOrderID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrReservationNotFound, id)
	}

	newNotApproved := r.NotApprovedAmount.Sub(amount)
	if roundToPrecisionErrorZero(newNotApproved, r.Symbol).Sign() < 0 {
		return fmt.Errorf("%w: approving %s would leave not_approved_amount negative for reservation %d", ErrInsufficientFunds, amount, id)
	}
	r.NotApprovedAmount = newNotApproved
	r.ApprovedParts[clientOrderID] = &ApprovedPart{ClientOrderID: clientOrderID, UnreservedAmount: amount}
	return nil
}

// CancelApprovedReservation implements spec §4.6.6.
func (m *Manager) CancelApprovedReservation(id types.ReservationID, clientOrderID types.ClientOrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrReservationNotFound, id)
	}
	part, ok := r.ApprovedParts[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: reservation %d, client order %s", ErrApprovedPartMissing, id, clientOrderID)
	}
	part.Canceled = true
	r.NotApprovedAmount = r.NotApprovedAmount.Add(part.UnreservedAmount)
	return nil
}

// TryUpdateReservationPrice implements spec §4.6.7.
func (m *Manager) TryUpdateReservationPrice(id types.ReservationID, newPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrReservationNotFound, id)
	}

	restAmount := r.UnreservedAmount
	oldCostRest := proportionalCost(r, restAmount)
	newCostRest, err := r.Symbol.ConvertAmountFromAmountCurrencyCode(r.ReservationCurrency, restAmount, newPrice)
	if err != nil {
		return err
	}
	if !r.Symbol.IsDerivative {
		if leverage, ok := m.leverageFor(r.Exchange, r.Symbol.Pair); ok && leverage.Sign() != 0 {
			newCostRest = newCostRest.Div(leverage)
		}
	}

	delta := newCostRest.Sub(oldCostRest)

	available, err := m.tryGetAvailableBalanceLocked(r.Bucket, r.Exchange, r.Symbol, r.Side, newPrice, false, false)
	if err != nil {
		return err
	}
	if roundToPrecisionErrorZero(available.Sub(delta), r.Symbol).Sign() < 0 {
		return fmt.Errorf("%w: reservation %d would go negative at new price %s", ErrInsufficientFunds, id, newPrice)
	}

	request := Request{Bucket: r.Bucket, Exchange: r.Exchange, Pair: r.Symbol.Pair, Currency: r.ReservationCurrency}
	m.virtual.AddBalance(request, delta.Neg())

	r.Price = newPrice
	r.Cost = r.Cost.Sub(oldCostRest).Add(newCostRest)
	return nil
}

// Reservations exposes the underlying store, e.g. for the facade's
// clone-and-subtract snapshot.
func (m *Manager) Reservations() *Store {
	return m.reservations
}

// Positions exposes the underlying position ledger.
func (m *Manager) Positions() *Ledger {
	return m.positions
}

// Virtual exposes the underlying balance holder.
func (m *Manager) Virtual() *VirtualBalanceHolder {
	return m.virtual
}
