package refclob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/adapter"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// WSFeed is the user-data WebSocket feed: order lifecycle and fill events
// for one exchange account, pushed into the Adapter's Dispatch* callbacks
// out of band from any REST round trip. Auto-reconnects with exponential
// backoff and a read deadline so a silently dead connection is detected
// within two missed pings — ported from the teacher's internal/exchange/
// ws.go WSFeed, trimmed from two channels (market + user) to the one user
// channel the order lifecycle engine actually consumes.
type WSFeed struct {
	url     string
	auth    *Auth
	adapter *Adapter
	log     *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// NewWSFeed creates a user-channel feed that dispatches into a.
func NewWSFeed(wsURL string, auth *Auth, a *Adapter, log *slog.Logger) *WSFeed {
	if log == nil {
		log = slog.Default()
	}
	return &WSFeed{
		url:     wsURL,
		auth:    auth,
		adapter: a,
		log:     log.With("component", "refclob_ws"),
	}
}

// Run connects and maintains the WebSocket connection, reconnecting with
// exponential backoff (1s up to 30s) until ctx is canceled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.log.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully tears down the active connection, if any.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.authenticate(); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	f.log.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

type wsAuthMessage struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Headers map[string]string `json:"headers"`
}

func (f *WSFeed) authenticate() error {
	headers, err := f.auth.Headers("GET", "/ws/user", "")
	if err != nil {
		return err
	}
	return f.writeJSON(wsAuthMessage{Type: "auth", Address: headers["X-Address"], Headers: headers})
}

type wsEnvelope struct {
	EventType string `json:"event_type"`
}

type wsOrderEvent struct {
	ExchangeOrderID string `json:"orderId"`
	ClientOrderID   string `json:"clientOrderId"`
	Status          string `json:"status"`
}

type wsTradeEvent struct {
	ExchangeOrderID string `json:"orderId"`
	ClientOrderID   string `json:"clientOrderId"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Amount          string `json:"amount"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         string `json:"tradeId"`
	Role            string `json:"role"`
	Timestamp       int64  `json:"timestamp"`
}

var errUnknownSymbol = fmt.Errorf("refclob: trade event references unregistered symbol")

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.log.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "order":
		var evt wsOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.log.Error("unmarshal order event", "error", err)
			return
		}
		switch evt.Status {
		case "live", "open":
			f.adapter.DispatchOrderCreated(types.ExchangeOrderID(evt.ExchangeOrderID), types.ClientOrderID(evt.ClientOrderID), types.SourceWebSocket)
		case "canceled", "cancelled":
			f.adapter.DispatchOrderCancelled(types.ExchangeOrderID(evt.ExchangeOrderID), types.SourceWebSocket)
		default:
			f.log.Debug("ignoring order event with unrecognized status", "status", evt.Status)
		}

	case "trade":
		var evt wsTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.log.Error("unmarshal trade event", "error", err)
			return
		}
		trade, err := f.tradeFromWS(evt)
		if err != nil {
			f.log.Error("resolve trade event", "error", err, "symbol", evt.Symbol)
			return
		}
		f.adapter.DispatchOrderFilled(trade, types.SourceWebSocket)

	case "ping", "pong":

	default:
		f.log.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// tradeFromWS is split out from dispatchMessage so the conversion stays
// testable without a live socket.
func (f *WSFeed) tradeFromWS(evt wsTradeEvent) (adapter.Trade, error) {
	sym, ok := f.adapter.registry.GetBySpecific(f.adapter.exchange, types.SpecificCurrencyPair(evt.Symbol))
	if !ok {
		return adapter.Trade{}, errUnknownSymbol
	}

	price, err := parseDecimal(evt.Price)
	if err != nil {
		return adapter.Trade{}, fmt.Errorf("parse price: %w", err)
	}
	amount, err := parseDecimal(evt.Amount)
	if err != nil {
		return adapter.Trade{}, fmt.Errorf("parse amount: %w", err)
	}
	commission, err := parseDecimal(evt.Commission)
	if err != nil {
		commission = decimal.Zero
	}

	role := types.RoleMaker
	if evt.Role == "taker" {
		role = types.RoleTaker
	}

	return adapter.Trade{
		ExchangeOrderID:    types.ExchangeOrderID(evt.ExchangeOrderID),
		ClientOrderID:      types.ClientOrderID(evt.ClientOrderID),
		Symbol:             sym,
		Side:               types.Side(evt.Side),
		Price:              price,
		Amount:             amount,
		Commission:         commission,
		CommissionCurrency: types.CurrencyCode(evt.CommissionAsset),
		FillType:           types.FillUserTrade,
		Role:               role,
		TradeID:            evt.TradeID,
		Time:               time.UnixMilli(evt.Timestamp),
	}, nil
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.log.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
