package refclob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/adapter"
	"github.com/shiori-quant/ledgerman/internal/ratelimit"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

// Client is the REST transport, rate-limited and retried exactly like the
// teacher's exchange.Client: 3 retries, 500ms-5s backoff on 5xx, and
// per-request-type rate limiting ahead of every call.
type Client struct {
	http     *resty.Client
	auth     *Auth
	rl       *ratelimit.Limiter
	exchange types.ExchangeAccountID
	dryRun   bool
	log      *slog.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL  string
	DryRun   bool
	Auth     *Auth
	Limiter  *ratelimit.Limiter
	Exchange types.ExchangeAccountID
}

// NewClient builds a rate-limited, retrying REST client.
func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     httpClient,
		auth:     cfg.Auth,
		rl:       cfg.Limiter,
		exchange: cfg.Exchange,
		dryRun:   cfg.DryRun,
		log:      log.With("component", "refclob_client"),
	}
}

type wireOrder struct {
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	Amount        string `json:"amount"`
}

type wireOrderResponse struct {
	Success         bool   `json:"success"`
	ExchangeOrderID string `json:"orderId"`
	Status          string `json:"status"`
	ErrorCode       string `json:"errorCode"`
	Message         string `json:"message"`
}

type wireCancelResponse struct {
	Accepted bool `json:"accepted"`
}

// CreateOrder posts a single order. Batch posting (the teacher's PostOrders)
// is not exposed by the adapter contract, which operates one order at a
// time; refclob still rate-limits and retries identically.
func (c *Client) CreateOrder(ctx context.Context, wireSymbol string, order adapter.CreatingOrder) (wireOrderResponse, error) {
	if c.dryRun {
		c.log.Info("dry-run: would create order", "client_order_id", string(order.ClientOrderID))
		return wireOrderResponse{Success: true, ExchangeOrderID: "dry-run-" + string(order.ClientOrderID), Status: "live"}, nil
	}
	if err := c.rl.Wait(ctx, c.exchange, ratelimit.RequestOrder); err != nil {
		return wireOrderResponse{}, fmt.Errorf("%w: %v", adapter.ErrRateLimit, err)
	}

	req := wireOrder{
		ClientOrderID: string(order.ClientOrderID),
		Symbol:        wireSymbol,
		Side:          string(order.Side),
		Type:          string(order.OrderType),
		Price:         order.Price.String(),
		Amount:        order.Amount.String(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return wireOrderResponse{}, fmt.Errorf("%w: marshal order: %v", adapter.ErrParsing, err)
	}
	headers, err := c.auth.Headers(http.MethodPost, "/orders", string(body))
	if err != nil {
		return wireOrderResponse{}, fmt.Errorf("%w: %v", adapter.ErrTransport, err)
	}

	var result wireOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return wireOrderResponse{}, fmt.Errorf("%w: create order: %v", adapter.ErrTransport, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return wireOrderResponse{}, classifyStatus(resp.StatusCode(), resp.String())
	}
	return result, nil
}

// CancelOrder cancels a single order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID types.ExchangeOrderID) (wireCancelResponse, error) {
	if c.dryRun {
		c.log.Info("dry-run: would cancel order", "exchange_order_id", string(exchangeOrderID))
		return wireCancelResponse{Accepted: true}, nil
	}
	if err := c.rl.Wait(ctx, c.exchange, ratelimit.RequestCancel); err != nil {
		return wireCancelResponse{}, fmt.Errorf("%w: %v", adapter.ErrRateLimit, err)
	}

	path := fmt.Sprintf("/orders/%s", exchangeOrderID)
	headers, err := c.auth.Headers(http.MethodDelete, path, "")
	if err != nil {
		return wireCancelResponse{}, fmt.Errorf("%w: %v", adapter.ErrTransport, err)
	}

	var result wireCancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete(path)
	if err != nil {
		return wireCancelResponse{}, fmt.Errorf("%w: cancel order: %v", adapter.ErrTransport, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return wireCancelResponse{}, adapter.ErrOrderNotFound
	}
	if resp.StatusCode() != http.StatusOK {
		return wireCancelResponse{}, classifyStatus(resp.StatusCode(), resp.String())
	}
	return result, nil
}

// CancelAll cancels every open order, optionally scoped to one symbol.
func (c *Client) CancelAll(ctx context.Context, wireSymbol string) error {
	if c.dryRun {
		c.log.Info("dry-run: would cancel all orders", "symbol", wireSymbol)
		return nil
	}
	if err := c.rl.Wait(ctx, c.exchange, ratelimit.RequestCancel); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrRateLimit, err)
	}

	headers, err := c.auth.Headers(http.MethodDelete, "/orders/cancel-all", "")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrTransport, err)
	}

	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if wireSymbol != "" {
		req = req.SetQueryParam("symbol", wireSymbol)
	}
	resp, err := req.Delete("/orders/cancel-all")
	if err != nil {
		return fmt.Errorf("%w: cancel all: %v", adapter.ErrTransport, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return classifyStatus(resp.StatusCode(), resp.String())
	}
	return nil
}

type wireDeriveKeyResponse struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// DeriveAPIKey exchanges an L1 wallet signature for L2 trading credentials,
// mirroring the teacher's one-time /auth/derive-api-key flow gating trading
// on HasL2Credentials. Rate-limited like any other request so a
// misconfigured account retrying this on every restart can't itself trip a
// ban.
func (c *Client) DeriveAPIKey(ctx context.Context, nonce int) (Credentials, error) {
	if err := c.rl.Wait(ctx, c.exchange, ratelimit.RequestBalance); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", adapter.ErrRateLimit, err)
	}

	headers, err := c.auth.L1Headers(nonce)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", adapter.ErrTransport, err)
	}

	var result wireDeriveKeyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Post("/auth/derive-api-key")
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: derive api key: %v", adapter.ErrTransport, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Credentials{}, classifyStatus(resp.StatusCode(), resp.String())
	}
	return Credentials{APIKey: result.APIKey, Secret: result.Secret, Passphrase: result.Passphrase}, nil
}

type wireBalance struct {
	Balances  map[string]string `json:"balances"`
	Positions map[string]string `json:"positions"`
}

// GetBalance fetches raw balances and, if present, derivative positions.
func (c *Client) GetBalance(ctx context.Context) (wireBalance, error) {
	if err := c.rl.Wait(ctx, c.exchange, ratelimit.RequestBalance); err != nil {
		return wireBalance{}, fmt.Errorf("%w: %v", adapter.ErrRateLimit, err)
	}

	headers, err := c.auth.Headers(http.MethodGet, "/balance", "")
	if err != nil {
		return wireBalance{}, fmt.Errorf("%w: %v", adapter.ErrTransport, err)
	}

	var result wireBalance
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/balance")
	if err != nil {
		return wireBalance{}, fmt.Errorf("%w: get balance: %v", adapter.ErrTransport, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return wireBalance{}, classifyStatus(resp.StatusCode(), resp.String())
	}
	return result, nil
}

func classifyStatus(statusCode int, body string) error {
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", adapter.ErrOrderNotFound, body)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", adapter.ErrInvalidOrder, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", adapter.ErrRateLimit, body)
	case http.StatusPaymentRequired, http.StatusForbidden:
		return fmt.Errorf("%w: %s", adapter.ErrInsufficientFunds, body)
	default:
		return fmt.Errorf("%w: status %d: %s", adapter.ErrTransport, statusCode, body)
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", adapter.ErrParsing, err)
	}
	return d, nil
}
