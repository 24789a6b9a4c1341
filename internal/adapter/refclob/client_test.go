package refclob

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shiori-quant/ledgerman/internal/adapter"
	"github.com/shiori-quant/ledgerman/internal/ratelimit"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

var testExchange = types.ExchangeAccountID{ExchangeID: "ref", AccountIndex: 0}

func testAuth() *Auth {
	secret := base64.URLEncoding.EncodeToString([]byte("shh-its-a-secret"))
	return NewAuth("0xabc", Credentials{APIKey: "key", Secret: secret, Passphrase: "pass"})
}

func testOrder() adapter.CreatingOrder {
	return adapter.CreatingOrder{
		ClientOrderID: "client-1",
		Side:          types.Buy,
		OrderType:     types.OrderTypeLimit,
		Price:         decimal.NewFromInt(100),
		Amount:        decimal.NewFromInt(1),
	}
}

func TestCreateOrderDryRunDoesNotHitNetwork(t *testing.T) {
	t.Parallel()
	c := NewClient(ClientConfig{
		BaseURL:  "http://127.0.0.1:1",
		DryRun:   true,
		Auth:     testAuth(),
		Limiter:  ratelimit.NewLimiter(10, time.Second),
		Exchange: testExchange,
	}, nil)

	resp, err := c.CreateOrder(context.Background(), "BTCUSDT", testOrder())
	if err != nil {
		t.Fatalf("dry-run CreateOrder: %v", err)
	}
	if !resp.Success || resp.ExchangeOrderID != "dry-run-client-1" {
		t.Fatalf("dry-run response = %+v, want success with a dry-run-prefixed id", resp)
	}
}

func TestCancelOrderDryRunDoesNotHitNetwork(t *testing.T) {
	t.Parallel()
	c := NewClient(ClientConfig{
		BaseURL:  "http://127.0.0.1:1",
		DryRun:   true,
		Auth:     testAuth(),
		Limiter:  ratelimit.NewLimiter(10, time.Second),
		Exchange: testExchange,
	}, nil)

	resp, err := c.CancelOrder(context.Background(), types.ExchangeOrderID("exch-1"))
	if err != nil {
		t.Fatalf("dry-run CancelOrder: %v", err)
	}
	if !resp.Accepted {
		t.Fatal("dry-run cancel should always report accepted")
	}
}

func TestCancelAllDryRunDoesNotHitNetwork(t *testing.T) {
	t.Parallel()
	c := NewClient(ClientConfig{
		BaseURL:  "http://127.0.0.1:1",
		DryRun:   true,
		Auth:     testAuth(),
		Limiter:  ratelimit.NewLimiter(10, time.Second),
		Exchange: testExchange,
	}, nil)

	if err := c.CancelAll(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("dry-run CancelAll: %v", err)
	}
}

func TestCancelOrderRealRequestMapsNotFound(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such order"}`))
	}))
	defer server.Close()

	c := NewClient(ClientConfig{
		BaseURL:  server.URL,
		Auth:     testAuth(),
		Limiter:  ratelimit.NewLimiter(10, time.Second),
		Exchange: testExchange,
	}, nil)

	_, err := c.CancelOrder(context.Background(), types.ExchangeOrderID("missing"))
	if !errors.Is(err, adapter.ErrOrderNotFound) {
		t.Fatalf("err = %v, want %v", err, adapter.ErrOrderNotFound)
	}
}

func TestCreateOrderRealRequestSucceeds(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") == "" {
			t.Error("expected signed request headers to reach the server")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"orderId":"exch-42","status":"live"}`))
	}))
	defer server.Close()

	c := NewClient(ClientConfig{
		BaseURL:  server.URL,
		Auth:     testAuth(),
		Limiter:  ratelimit.NewLimiter(10, time.Second),
		Exchange: testExchange,
	}, nil)

	resp, err := c.CreateOrder(context.Background(), "BTCUSDT", testOrder())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !resp.Success || resp.ExchangeOrderID != "exch-42" {
		t.Fatalf("response = %+v, want success with orderId exch-42", resp)
	}
}

func TestClassifyStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, adapter.ErrOrderNotFound},
		{http.StatusBadRequest, adapter.ErrInvalidOrder},
		{http.StatusUnprocessableEntity, adapter.ErrInvalidOrder},
		{http.StatusTooManyRequests, adapter.ErrRateLimit},
		{http.StatusPaymentRequired, adapter.ErrInsufficientFunds},
		{http.StatusForbidden, adapter.ErrInsufficientFunds},
		{http.StatusInternalServerError, adapter.ErrTransport},
	}
	for _, tt := range tests {
		got := classifyStatus(tt.status, "body")
		if !errors.Is(got, tt.want) {
			t.Errorf("classifyStatus(%d) = %v, want wrapping %v", tt.status, got, tt.want)
		}
	}
}

func TestParseDecimal(t *testing.T) {
	t.Parallel()

	if got, err := parseDecimal(""); err != nil || !got.IsZero() {
		t.Fatalf("parseDecimal(\"\") = %s, %v, want 0, nil", got, err)
	}
	if got, err := parseDecimal("123.45"); err != nil || !got.Equal(decimal.NewFromFloat(123.45)) {
		t.Fatalf("parseDecimal(\"123.45\") = %s, %v, want 123.45, nil", got, err)
	}
	if _, err := parseDecimal("not-a-number"); !errors.Is(err, adapter.ErrParsing) {
		t.Fatalf("parseDecimal(\"not-a-number\") err = %v, want wrapping %v", err, adapter.ErrParsing)
	}
}
