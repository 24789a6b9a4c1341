// Package engine is the top-level orchestrator: it wires the symbol
// registry, balance reservation manager/facade, order lifecycle engine,
// request timeout manager, exchange blocker, event bus, concurrency
// supervisor, recorder and every configured exchange adapter into one
// running process, and schedules the periodic balance refresh spec §4.7
// names (update_balances_for_exchanges).
//
// Lifecycle mirrors the teacher's engine.Engine: New() wires everything,
// Start() launches the supervised background loops, Stop() tears them down
// in reverse order. Engine also satisfies concurrency.ShutdownRequester so
// a critical task's panic anywhere in the process can request its own
// shutdown (spec §9's lifecycle-supervisor-singleton note).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/adapter"
	"github.com/shiori-quant/ledgerman/internal/adapter/refclob"
	"github.com/shiori-quant/ledgerman/internal/balance"
	"github.com/shiori-quant/ledgerman/internal/blocker"
	"github.com/shiori-quant/ledgerman/internal/concurrency"
	"github.com/shiori-quant/ledgerman/internal/config"
	"github.com/shiori-quant/ledgerman/internal/controlplane"
	"github.com/shiori-quant/ledgerman/internal/eventbus"
	"github.com/shiori-quant/ledgerman/internal/order"
	"github.com/shiori-quant/ledgerman/internal/ratelimit"
	"github.com/shiori-quant/ledgerman/internal/recorder"
	"github.com/shiori-quant/ledgerman/internal/symbol"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// reasonRateLimited is the blocker reason raised when an exchange's balance
// refresh reports ErrRateLimit. The first such error raises the block;
// repeated errors are not counted.
const reasonRateLimited blocker.BlockReason = "RateLimit"

// rateLimitBlockDuration is how long a RateLimit block lasts before the
// blocker automatically lifts it (spec §4.12 Timed block).
const rateLimitBlockDuration = 30 * time.Second

// Engine orchestrates every subsystem described in spec §2's component
// table. One Engine instance is one running trading-engine-core process.
type Engine struct {
	log *slog.Logger
	cfg config.Config

	registry   *symbol.Registry
	manager    *balance.Manager
	facade     *balance.Facade
	pool       *order.Pool
	orders     *order.Engine
	limiter    *ratelimit.Limiter
	blk        *blocker.Blocker
	bus        *eventbus.Bus
	supervisor *concurrency.Supervisor
	recorder   *recorder.Recorder
	cron       *cron.Cron
	control    *controlplane.Server

	adapters map[types.ExchangeAccountID]adapter.Adapter
	wsFeeds  []*refclob.WSFeed

	startedAt time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New wires every subsystem from cfg but starts nothing yet.
func New(cfg config.Config, cfgPath string, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "engine")

	registry := symbol.NewRegistry()
	virtual := balance.NewVirtualBalanceHolder()
	reservations := balance.NewStore()
	positions := balance.NewLedger()
	manager := balance.NewManager(log, virtual, reservations, positions)
	facade := balance.NewFacade(log, manager, registry, cfg.Balance.PositionMismatchTolerance)

	limiter := ratelimit.NewLimiter(10, time.Second)

	blk := blocker.New(log)
	bus := eventbus.New(log, cfg.EventBus.Capacity)

	e := &Engine{
		log:      log,
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		facade:   facade,
		limiter:  limiter,
		blk:      blk,
		bus:      bus,
		adapters: make(map[types.ExchangeAccountID]adapter.Adapter),
	}

	e.supervisor = concurrency.NewSupervisor(log, e)

	pool := order.NewPool()
	e.pool = pool
	e.orders = order.NewEngine(log, pool, facade, limiter, blk, bus, e.supervisor)

	if cfg.Recorder.Enabled {
		rec, err := recorder.Open(cfg.Recorder.DataDir)
		if err != nil {
			return nil, fmt.Errorf("engine: open recorder: %w", err)
		}
		e.recorder = rec
		facade.SetRecorder(rec)

		if snap, err := rec.LoadBalances(); err != nil {
			log.Warn("failed to load persisted balance snapshot", "error", err)
		} else if snap != nil {
			e.restoreBalanceState(*snap)
		}
	}

	for _, exCfg := range cfg.Exchanges {
		if err := e.wireExchange(exCfg); err != nil {
			return nil, fmt.Errorf("engine: wire exchange %s: %w", exCfg.ExchangeID, err)
		}
	}

	if cfg.ControlPlane.Enabled {
		e.control = controlplane.New(log, cfg.ControlPlane.Addr, cfg, cfgPath, facade, pool, e)
	}

	if cfg.Refresh.CronSchedule != "" {
		e.cron = cron.New()
	}

	return e, nil
}

// restoreBalanceState restores reservations from a persisted snapshot,
// spec §6's "restore_balance_state(balances, update_before_restoring)".
// The snapshot's positions are not applied; raw balances are re-derived on
// the first live refresh, since the snapshot does not carry them (see
// balance.Facade.snapshot's note).
func (e *Engine) restoreBalanceState(snap balance.Snapshot) {
	for _, r := range snap.Reservations {
		e.manager.Reservations().Add(r)
	}
	e.log.Info("restored balance state from recorder snapshot",
		"reservations", len(snap.Reservations), "taken_at", snap.TakenAt)
}

// wireExchange builds the reference adapter for one configured exchange
// account, registers it with the order lifecycle engine, and installs its
// balance refresher.
func (e *Engine) wireExchange(exCfg config.ExchangeConfig) error {
	exchangeID := types.ExchangeAccountID{ExchangeID: exCfg.ExchangeID, AccountIndex: exCfg.AccountIndex}

	auth := refclob.NewAuth(exCfg.Address, refclob.Credentials{
		APIKey:     exCfg.APIKey,
		Secret:     exCfg.Secret,
		Passphrase: exCfg.Passphrase,
	})

	client := refclob.NewClient(refclob.ClientConfig{
		BaseURL:  exCfg.RestURL,
		DryRun:   e.cfg.DryRun,
		Auth:     auth,
		Limiter:  e.limiter,
		Exchange: exchangeID,
	}, e.log)

	if !auth.HasCredentials() && exCfg.PrivateKeyHex != "" {
		if err := auth.WithWallet(exCfg.PrivateKeyHex, exCfg.ChainID); err != nil {
			return fmt.Errorf("wallet auth: %w", err)
		}
		creds, err := client.DeriveAPIKey(context.Background(), int(time.Now().UnixMilli()))
		if err != nil {
			return fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(creds)
		e.log.Info("derived L2 trading credentials from wallet", "exchange", exchangeID.String())
	}

	a := refclob.New(refclob.Config{
		Exchange: exchangeID,
		Client:   client,
		Registry: e.registry,
		RestURL:  exCfg.RestURL,
		WSURL:    exCfg.WSURL,
		Features: adapter.Features{
			OpenOrdersType:                  adapter.OpenOrdersOneCurrencyPair,
			RestFillsType:                   adapter.RestFillsMyTrades,
			AllowedFillEventSourceType:      types.SourceAll,
			AllowedCancelEventSourceType:    types.SourceAll,
			AllowsGetOrderInfoByClientOrder: false,
			EmptyResponseIsOK:               false,
			BalancePositionOption:           adapter.BalanceWithPosition,
			CreationResponseFromRestOnlyForError: exCfg.CreationResponseFromRestOnlyForError,
		},
	}, e.log)

	for _, rl := range e.cfg.RateLimits {
		if rl.ExchangeID != exCfg.ExchangeID || rl.AccountIndex != exCfg.AccountIndex {
			continue
		}
		e.limiter.Configure(exchangeID, ratelimit.RequestType(rl.RequestType), rl.RequestsPerPeriod, rl.Period())
	}

	e.adapters[exchangeID] = a
	e.orders.RegisterAdapter(a)

	if exCfg.WSURL != "" {
		feed := refclob.NewWSFeed(exCfg.WSURL, auth, a, e.log)
		e.wsFeeds = append(e.wsFeeds, feed)
	}

	e.facade.RegisterRefresher(exchangeID, func(ctx context.Context) (balance.ExchangeUpdate, error) {
		result, err := a.GetBalance(ctx)
		if err != nil {
			if classified := adapter.Classify(err); classified == adapter.ErrRateLimit {
				e.onRateLimited(exchangeID)
			}
			return balance.ExchangeUpdate{}, err
		}
		return balance.ExchangeUpdate{Exchange: exchangeID, Balances: result.Balances, Positions: result.Positions}, nil
	})

	return nil
}

// onRateLimited raises a timed RateLimit block on exchange every time it is
// called, starting with the first rate-limit error; there is no repeat
// count.
func (e *Engine) onRateLimited(exchange types.ExchangeAccountID) {
	if err := e.blk.Block(exchange, reasonRateLimited, blocker.BlockType{Duration: rateLimitBlockDuration}); err != nil {
		e.log.Debug("rate-limit block not applied", "exchange", exchange.String(), "error", err)
	}
}

// Registry exposes the symbol registry for callers (tests, a future CLI)
// that need to register symbols before Start.
func (e *Engine) Registry() *symbol.Registry { return e.registry }

// Facade exposes the balance facade.
func (e *Engine) Facade() *balance.Facade { return e.facade }

// Orders exposes the order lifecycle engine.
func (e *Engine) Orders() *order.Engine { return e.orders }

// Bus exposes the event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Start launches every background loop: each exchange's WebSocket feed, the
// scheduled balance refresh, and the control-plane HTTP server, each
// through the supervisor so a panic is observed rather than silently
// killing the process.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	for _, feed := range e.wsFeeds {
		feed := feed
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			result := <-e.supervisor.SpawnFuture("ws_feed", true, func() error {
				return feed.Run(e.ctx)
			})
			if result.Outcome == concurrency.Error {
				e.log.Error("ws feed exited", "error", result.Err)
			}
		}()
	}

	if e.cron != nil {
		entryID, err := e.cron.AddFunc(e.cfg.Refresh.CronSchedule, e.refreshBalancesOnce)
		if err != nil {
			return fmt.Errorf("engine: schedule balance refresh: %w", err)
		}
		e.log.Info("scheduled periodic balance refresh", "schedule", e.cfg.Refresh.CronSchedule, "entry", entryID)
		e.cron.Start()
	}

	if e.control != nil {
		e.control.SetStopper(func(reason string) error {
			e.log.Info("shutdown requested via control plane", "reason", reason)
			go e.Stop()
			return nil
		})
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.control.Start(); err != nil {
				e.log.Error("control plane exited", "error", err)
			}
		}()
	}

	e.log.Info("engine started", "exchanges", len(e.adapters), "dry_run", e.cfg.DryRun)
	return nil
}

func (e *Engine) refreshBalancesOnce() {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()
	if err := e.facade.UpdateBalancesForExchanges(ctx); err != nil {
		e.log.Warn("scheduled balance refresh failed", "error", err)
	}
}

// Stop cancels every background loop and waits for them to exit. Safe to
// call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.log.Info("engine stopping")

	if cancel != nil {
		cancel()
	}
	if e.cron != nil {
		stopCtx := e.cron.Stop()
		<-stopCtx.Done()
	}
	if e.control != nil {
		if err := e.control.Stop(); err != nil {
			e.log.Error("failed to stop control plane", "error", err)
		}
	}
	for _, feed := range e.wsFeeds {
		_ = feed.Close()
	}
	e.blk.Stop()
	e.wg.Wait()

	if e.recorder != nil {
		if err := e.recorder.SaveBalances(e.facade.Snapshot()); err != nil {
			e.log.Warn("failed to persist final balance snapshot", "error", err)
		}
		if err := e.recorder.Close(); err != nil {
			e.log.Warn("failed to close recorder", "error", err)
		}
	}

	e.log.Info("engine stopped")
}

// RequestShutdown satisfies concurrency.ShutdownRequester: a critical
// task's panic anywhere in the process routes here and triggers the same
// Stop path a control-plane /stop would (spec §9).
func (e *Engine) RequestShutdown(reason string) {
	e.log.Error("shutdown requested", "reason", reason)
	go e.Stop()
}

// PlaceOrder is the strategy-facing entry point spec §2 describes:
// "Strategies call C10 to create/cancel orders; C6 gates each creation."
// It reserves balance for the order first and only submits to the adapter
// if the reservation succeeds, so every order placed is backed by a
// reservation (spec §1).
func (e *Engine) PlaceOrder(
	ctx context.Context,
	bucket types.ConfigurationDescriptor,
	exchange types.ExchangeAccountID,
	pair types.CurrencyPair,
	side types.Side,
	price, amount decimal.Decimal,
	strategyTag string,
) (order.Ref, error) {
	var zero order.Ref

	if e.blk.IsBlocked(exchange) {
		return zero, fmt.Errorf("engine: %s is blocked", exchange)
	}

	sym, ok := e.registry.Get(exchange, pair)
	if !ok {
		return zero, fmt.Errorf("engine: unknown symbol %s on %s", pair, exchange)
	}

	reservation, err := e.manager.TryReserve(bucket, exchange, sym, side, price, amount)
	if err != nil {
		return zero, fmt.Errorf("engine: reserve: %w", err)
	}

	header := order.Header{
		ClientOrderID: types.ClientOrderID(fmt.Sprintf("%s-%d", exchange.ExchangeID, reservation.ID)),
		CreatedAt:     time.Now(),
		Exchange:      exchange,
		Symbol:        sym,
		OrderType:     types.OrderTypeLimit,
		Side:          side,
		Amount:        amount,
		Execution:     types.ExecutionRegular,
		ReservationID: &reservation.ID,
		StrategyTag:   strategyTag,
	}

	ref, err := e.orders.CreateOrder(ctx, header, price)
	if err != nil {
		if unreserveErr := e.manager.Unreserve(reservation.ID, amount, nil); unreserveErr != nil {
			e.log.Warn("failed to unreserve after create failure", "reservation", reservation.ID, "error", unreserveErr)
		}
		return zero, fmt.Errorf("engine: create order: %w", err)
	}
	return ref, nil
}

// Stats implements controlplane.StatsProvider.
func (e *Engine) Stats() controlplane.Stats {
	notFinished := e.pool.NotFinished()
	allReservations := e.manager.Reservations().All()

	uptime := time.Duration(0)
	e.mu.Lock()
	if e.running {
		uptime = time.Since(e.startedAt)
	}
	e.mu.Unlock()

	blocked := 0
	for ex := range e.adapters {
		if e.blk.IsBlocked(ex) {
			blocked++
		}
	}

	return controlplane.Stats{
		UptimeSeconds:     uptime.Seconds(),
		OrdersTracked:     len(e.pool.All()),
		OrdersNotFinished: len(notFinished),
		ReservationsLive:  len(allReservations),
		ExchangesBlocked:  blocked,
	}
}
