package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shiori-quant/ledgerman/internal/config"
)

func newTestServer(t *testing.T, stopper Stopper) *Server {
	t.Helper()
	cfg := config.Config{
		Exchanges: []config.ExchangeConfig{
			{ExchangeID: "ref", AccountIndex: 0, RestURL: "https://example.com", Secret: "topsecret", Passphrase: "hunter2"},
		},
	}
	s := New(nil, ":0", cfg, "configs/config.yaml", nil, nil, nil)
	if stopper != nil {
		s.SetStopper(stopper)
	}
	return s
}

func do(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthReturnsOK(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStopWithoutStopperReturnsStopperIsNone(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	rec := do(s, http.MethodPost, "/stop", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error_code"] != ErrStopperIsNone {
		t.Errorf("error_code = %q, want %q", body["error_code"], ErrStopperIsNone)
	}
}

func TestStopCallsInstalledStopper(t *testing.T) {
	t.Parallel()
	var gotReason string
	s := newTestServer(t, func(reason string) error {
		gotReason = reason
		return nil
	})
	rec := do(s, http.MethodPost, "/stop", []byte(`{"reason":"test shutdown"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotReason != "test shutdown" {
		t.Errorf("stopper reason = %q, want %q", gotReason, "test shutdown")
	}
}

func TestGetConfigRedactsSecrets(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/get_config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var cfg config.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Exchanges) != 1 {
		t.Fatalf("exchanges = %+v, want one entry", cfg.Exchanges)
	}
	if cfg.Exchanges[0].Secret != "***" || cfg.Exchanges[0].Passphrase != "***" {
		t.Errorf("expected secret/passphrase to be redacted, got %+v", cfg.Exchanges[0])
	}
}

func TestSetConfigRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	body, _ := json.Marshal(config.Config{Exchanges: []config.ExchangeConfig{{}}})
	rec := do(s, http.MethodPost, "/set_config", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var respBody map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &respBody); err != nil {
		t.Fatal(err)
	}
	if respBody["error_code"] != ErrUnableToParseNewConfig {
		t.Errorf("error_code = %q, want %q", respBody["error_code"], ErrUnableToParseNewConfig)
	}
}

func TestStatsWithNoProviderReturnsZeroValue(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats != (Stats{}) {
		t.Errorf("expected zero-value stats, got %+v", stats)
	}
}
