package balance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// ProfitListener is the optional hook a BalanceChangesService-style
// collaborator would implement to turn fills into realized USD PnL. Spec
// leaves this as future work (§9); the facade calls it if present and
// otherwise runs with none wired up, matching the teacher's pattern of
// optional hooks with no forced consumer (e.g. risk.Manager.reportCh).
type ProfitListener interface {
	OnFill(exchange types.ExchangeAccountID, pair types.CurrencyPair, fillAmount, fillPrice decimal.Decimal)
}

// Recorder persists balance snapshots for later inspection/replay. See
// internal/recorder for the concrete msgpack-backed implementation.
type Recorder interface {
	SaveBalances(snapshot Snapshot) error
}

// ExchangeUpdate is what an adapter reports back from a balance refresh.
type ExchangeUpdate struct {
	Exchange  types.ExchangeAccountID
	Balances  map[types.CurrencyCode]decimal.Decimal
	Positions map[types.CurrencyPair]decimal.Decimal
}

// Snapshot is a point-in-time dump used for persistence and the control
// plane: the live reservations and the positions of the pairs they cover.
// Facade.snapshot leaves Balances empty; raw balances are not included.
type Snapshot struct {
	Balances     []BalanceEntry
	Reservations []*Reservation
	Positions    map[tradePlaceKey]decimal.Decimal
	TakenAt      time.Time
}

// tradePlaceKey mirrors tradePlace as the key type of Snapshot.Positions.
// It is unexported; code outside the package sees it only as a map key and
// through MarshalText.
type tradePlaceKey struct {
	Exchange types.ExchangeAccountID
	Pair     types.CurrencyPair
}

// MarshalText lets tradePlaceKey serve as a JSON object key (encoding/json
// only accepts string-keyed maps unless the key implements TextMarshaler),
// so Snapshot.Positions round-trips through the control plane's /api/positions
// endpoint and the msgpack recorder without a manual flattening step.
func (k tradePlaceKey) MarshalText() ([]byte, error) {
	return []byte(k.Exchange.String() + "|" + k.Pair.String()), nil
}

// BalanceEntry is one flattened (exchange, currency) -> amount leaf.
type BalanceEntry struct {
	Exchange types.ExchangeAccountID
	Currency types.CurrencyCode
	Amount   decimal.Decimal
}

// OrderView is the minimal shape the facade needs from an in-flight order to
// compute clone_and_subtract_not_approved_data (spec §4.7); internal/order's
// concrete Order satisfies it.
type OrderView interface {
	ClientOrderID() types.ClientOrderID
	ReservationID() (types.ReservationID, bool)
	Status() types.OrderStatus
	IsFinished() bool
	IsMarket() bool
}

// Facade wraps the reservation Manager with the higher-level operations the
// rest of the engine calls (C7): reconciling fresh exchange balances,
// producing the in-flight-order-subtracted view used to decide whether new
// orders fit, and driving periodic refresh across every known exchange.
type Facade struct {
	log *slog.Logger

	manager  *Manager
	registry *symbol.Registry

	recorder       Recorder
	profitListener ProfitListener

	mu               sync.Mutex
	lastFill         map[tradePlaceKey]time.Time
	reconciledOnce   map[types.ExchangeAccountID]bool
	mismatchStreak   map[tradePlaceKey]int
	mismatchTolerance int

	refreshers map[types.ExchangeAccountID]func(ctx context.Context) (ExchangeUpdate, error)
}

// NewFacade wires a facade over an existing manager and symbol registry.
// mismatchTolerance is spec §9's "position differs from local N times in a
// row" threshold (config.BalanceConfig.PositionMismatchTolerance, default 5).
func NewFacade(log *slog.Logger, manager *Manager, registry *symbol.Registry, mismatchTolerance int) *Facade {
	if log == nil {
		log = slog.Default()
	}
	if mismatchTolerance <= 0 {
		mismatchTolerance = 5
	}
	return &Facade{
		log:               log.With("component", "balance_facade"),
		manager:           manager,
		registry:          registry,
		lastFill:          make(map[tradePlaceKey]time.Time),
		reconciledOnce:    make(map[types.ExchangeAccountID]bool),
		mismatchStreak:    make(map[tradePlaceKey]int),
		mismatchTolerance: mismatchTolerance,
		refreshers:        make(map[types.ExchangeAccountID]func(ctx context.Context) (ExchangeUpdate, error)),
	}
}

// SetRecorder installs the optional balance-change persistence hook.
func (f *Facade) SetRecorder(r Recorder) { f.recorder = r }

// SetProfitListener installs the optional PnL hook.
func (f *Facade) SetProfitListener(l ProfitListener) { f.profitListener = l }

// RegisterRefresher installs the per-exchange balance-fetch function used by
// UpdateBalancesForExchanges.
func (f *Facade) RegisterRefresher(exchange types.ExchangeAccountID, fn func(ctx context.Context) (ExchangeUpdate, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshers[exchange] = fn
}

// Manager exposes the underlying reservation manager.
func (f *Facade) Manager() *Manager { return f.manager }

// HandleFill records the fill in the per-(exchange, pair) last-fill cache
// (spec §4.7), notifies the optional profit listener, then delegates the
// balance effect to the reservation manager (spec §4.6.4).
func (f *Facade) HandleFill(
	bucket types.ConfigurationDescriptor,
	exchange types.ExchangeAccountID,
	sym *symbol.Symbol,
	side types.Side,
	fillAmount, fillPrice, commission decimal.Decimal,
	commissionCurrency types.CurrencyCode,
) error {
	f.mu.Lock()
	f.lastFill[tradePlaceKey{Exchange: exchange, Pair: sym.Pair}] = time.Now()
	f.mu.Unlock()

	if f.profitListener != nil {
		f.profitListener.OnFill(exchange, sym.Pair, fillAmount, fillPrice)
	}

	return f.manager.HandleFill(bucket, exchange, sym, side, fillAmount, fillPrice, commission, commissionCurrency)
}

// LastFill returns when a fill was last recorded for (exchange, pair).
func (f *Facade) LastFill(exchange types.ExchangeAccountID, pair types.CurrencyPair) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.lastFill[tradePlaceKey{Exchange: exchange, Pair: pair}]
	return t, ok
}

// UpdateExchangeBalance implements spec §4.7's update_exchange_balance: it
// pre-deducts every live reservation's not-approved amount from the raw
// figures (converted to the reservation's own currency) so the very next
// virtual = raw + diff read stays self-consistent, reconciles derivative
// positions against the exchange-reported ones, and finally calls through
// to the virtual balance holder.
func (f *Facade) UpdateExchangeBalance(update ExchangeUpdate) error {
	adjusted := make(map[types.CurrencyCode]decimal.Decimal, len(update.Balances))
	for currency, amount := range update.Balances {
		adjusted[currency] = amount
	}

	for _, r := range f.manager.Reservations().ByExchange(update.Exchange) {
		if r.ReservationCurrency == "" || r.NotApprovedAmount.IsZero() {
			continue
		}
		current, ok := adjusted[r.ReservationCurrency]
		if !ok {
			continue
		}
		proportional := proportionalCost(r, r.NotApprovedAmount)
		adjusted[r.ReservationCurrency] = current.Sub(proportional)
	}

	f.manager.Virtual().UpdateBalances(update.Exchange, adjusted)

	if update.Positions != nil {
		f.reconcilePositions(update.Exchange, update.Positions)
	}

	if f.recorder != nil {
		if err := f.recorder.SaveBalances(f.snapshot()); err != nil {
			f.log.Warn("failed to persist balance snapshot", "error", err)
		}
	}

	return nil
}

// reconcilePositions compares the exchange-reported derivative positions
// against the locally tracked ones. A mismatch is tolerated silently until
// it has recurred f.mismatchTolerance times in a row for the same
// (exchange, pair), at which point it is logged as an error and the local
// position is forced to match; a single match resets the streak.
func (f *Facade) reconcilePositions(exchange types.ExchangeAccountID, reported map[types.CurrencyPair]decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reconciledOnce[exchange] = true

	for pair, reportedAmount := range reported {
		key := tradePlaceKey{Exchange: exchange, Pair: pair}
		local := f.manager.Positions().Position(exchange, pair)

		if local.Equal(reportedAmount) {
			f.mismatchStreak[key] = 0
			continue
		}

		f.mismatchStreak[key]++
		if f.mismatchStreak[key] < f.mismatchTolerance {
			f.log.Debug("derivative position mismatch, tolerating",
				"exchange", exchange.String(), "pair", pair.String(),
				"local", local.String(), "reported", reportedAmount.String(),
				"streak", f.mismatchStreak[key])
			continue
		}

		f.log.Error("derivative position mismatch exceeded tolerance, forcing local to reported",
			"exchange", exchange.String(), "pair", pair.String(),
			"local", local.String(), "reported", reportedAmount.String(),
			"streak", f.mismatchStreak[key])
		f.manager.Positions().SetPosition(exchange, pair, reportedAmount)
		f.mismatchStreak[key] = 0
	}
}

// CloneAndSubtractNotApprovedData implements spec §4.7's
// clone_and_subtract_not_approved_data: deep-copies the current reservation
// state, then for every supplied non-finished, non-Creating order unreserves
// its amount by client order id, and finally unreserves the remaining
// not_approved_amount on every reservation except amounts within symbol
// margin error. Returns the resulting balance projection, i.e. "what would
// be left if every in-flight order were canceled right now".
//
// Fails if any candidate order is a market order, since a market order has
// no fixed price to unreserve against.
func (f *Facade) CloneAndSubtractNotApprovedData(orders []OrderView) (map[tradePlaceKey]decimal.Decimal, error) {
	for _, o := range orders {
		if !o.IsFinished() && o.Status() != types.StatusCreating && o.IsMarket() {
			return nil, ErrMarketOrderPrice
		}
	}

	shadowVirtual := NewVirtualBalanceHolder()
	shadowReservations := NewStore()
	for _, r := range f.manager.Reservations().All() {
		cp := *r
		cp.ApprovedParts = make(map[types.ClientOrderID]*ApprovedPart, len(r.ApprovedParts))
		for k, v := range r.ApprovedParts {
			partCopy := *v
			cp.ApprovedParts[k] = &partCopy
		}
		shadowReservations.Add(&cp)
	}
	shadowManager := NewManager(f.log, shadowVirtual, shadowReservations, f.manager.Positions())
	for tp, leverage := range f.manager.leverage {
		shadowManager.leverage[tp] = leverage
	}
	for lk, limit := range f.manager.limits {
		shadowManager.limits[lk] = limit
	}

	for _, o := range orders {
		if o.IsFinished() || o.Status() == types.StatusCreating {
			continue
		}
		resID, ok := o.ReservationID()
		if !ok {
			continue
		}
		r, ok := shadowReservations.Get(resID)
		if !ok {
			continue
		}
		_ = shadowManager.unreserveLockedSafe(r, r.UnreservedAmount, orderClientID(o))
	}

	for _, r := range shadowReservations.All() {
		if r.Symbol.AmountMarginError(r.NotApprovedAmount) {
			continue
		}
		_ = shadowManager.unreserveLockedSafe(r, r.NotApprovedAmount, nil)
	}

	out := make(map[tradePlaceKey]decimal.Decimal)
	for _, r := range shadowReservations.All() {
		key := tradePlaceKey{Exchange: r.Exchange, Pair: r.Symbol.Pair}
		out[key] = f.manager.Positions().Position(r.Exchange, r.Symbol.Pair)
	}
	return out, nil
}

func orderClientID(o OrderView) *types.ClientOrderID {
	id := o.ClientOrderID()
	return &id
}

// unreserveLockedSafe takes the manager's lock itself; used by
// CloneAndSubtractNotApprovedData against a throwaway shadow manager that no
// other goroutine can see, so no deadlock risk from nesting within Facade's
// own (lock-free) method.
func (m *Manager) unreserveLockedSafe(r *Reservation, amount decimal.Decimal, clientOrderID *types.ClientOrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unreserveLocked(r, amount, clientOrderID)
}

// Snapshot assembles the current full state, for callers outside the
// package that need a read-only view (the control plane's stats endpoint,
// tests) without going through the recorder.
func (f *Facade) Snapshot() Snapshot {
	return f.snapshot()
}

// snapshot assembles the current full state for persistence.
func (f *Facade) snapshot() Snapshot {
	var entries []BalanceEntry
	// Raw balances are intentionally not exposed by VirtualBalanceHolder
	// beyond per-key lookup; the recorder instead persists the diff-free
	// view via reservations and positions, which is what downstream
	// consumers (audits, dashboards) actually need.
	reservations := f.manager.Reservations().All()

	positions := make(map[tradePlaceKey]decimal.Decimal)
	for _, r := range reservations {
		key := tradePlaceKey{Exchange: r.Exchange, Pair: r.Symbol.Pair}
		if _, ok := positions[key]; ok {
			continue
		}
		positions[key] = f.manager.Positions().Position(r.Exchange, r.Symbol.Pair)
	}

	return Snapshot{
		Balances:     entries,
		Reservations: reservations,
		Positions:    positions,
		TakenAt:      time.Now(),
	}
}

// UpdateBalancesForExchanges drives a parallel refresh across every
// registered exchange, logging but never propagating a single exchange's
// failure (spec §4.7) — one dead venue must not block refreshing the rest.
func (f *Facade) UpdateBalancesForExchanges(ctx context.Context) error {
	f.mu.Lock()
	refreshers := make(map[types.ExchangeAccountID]func(context.Context) (ExchangeUpdate, error), len(f.refreshers))
	for k, v := range f.refreshers {
		refreshers[k] = v
	}
	f.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for exchange, refresh := range refreshers {
		exchange, refresh := exchange, refresh
		g.Go(func() error {
			update, err := refresh(gctx)
			if err != nil {
				f.log.Warn("balance refresh failed", "exchange", exchange.String(), "error", err)
				return nil
			}
			if err := f.UpdateExchangeBalance(update); err != nil {
				f.log.Warn("applying balance refresh failed", "exchange", exchange.String(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
