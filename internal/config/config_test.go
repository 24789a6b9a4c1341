package config

import (
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load should tolerate a missing config file: %v", err)
	}
	if !cfg.DryRun {
		t.Error("dry_run should default to true")
	}
	if cfg.Balance.PositionMismatchTolerance != 5 {
		t.Errorf("position_mismatch_tolerance default = %d, want 5", cfg.Balance.PositionMismatchTolerance)
	}
	if cfg.ControlPlane.Addr != ":8090" {
		t.Errorf("control_plane.addr default = %q, want :8090", cfg.ControlPlane.Addr)
	}
	if cfg.Refresh.CronSchedule != "@every 30s" {
		t.Errorf("refresh.cron_schedule default = %q, want '@every 30s'", cfg.Refresh.CronSchedule)
	}
}

func TestValidateRejectsEmptyExchangeID(t *testing.T) {
	t.Parallel()
	cfg := Config{Exchanges: []ExchangeConfig{{RestURL: "https://example.com"}}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject an exchange with no exchange_id")
	}
}

func TestValidateRejectsDuplicateAccount(t *testing.T) {
	t.Parallel()
	cfg := Config{Exchanges: []ExchangeConfig{
		{ExchangeID: "ref", AccountIndex: 0, RestURL: "https://a.example.com"},
		{ExchangeID: "ref", AccountIndex: 0, RestURL: "https://b.example.com"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject a duplicate (exchange_id, account_index) pair")
	}
}

func TestValidateRejectsMissingRestURL(t *testing.T) {
	t.Parallel()
	cfg := Config{Exchanges: []ExchangeConfig{{ExchangeID: "ref", AccountIndex: 0}}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject an exchange with no rest_url")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()
	cfg := Config{Exchanges: []ExchangeConfig{
		{ExchangeID: "ref", AccountIndex: 0, RestURL: "https://a.example.com"},
		{ExchangeID: "ref", AccountIndex: 1, RestURL: "https://a.example.com"},
	}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error from a well-formed config: %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")

	original := Config{
		DryRun: false,
		Exchanges: []ExchangeConfig{
			{ExchangeID: "ref", AccountIndex: 0, RestURL: "https://a.example.com", APIKey: "key"},
		},
		Balance: BalanceConfig{PositionMismatchTolerance: 3},
	}
	if err := Save(path, original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.DryRun {
		t.Error("loaded dry_run should preserve the saved false value")
	}
	if len(loaded.Exchanges) != 1 || loaded.Exchanges[0].ExchangeID != "ref" {
		t.Errorf("loaded exchanges = %+v, want one ref exchange", loaded.Exchanges)
	}
	if loaded.Balance.PositionMismatchTolerance != 3 {
		t.Errorf("loaded position_mismatch_tolerance = %d, want 3", loaded.Balance.PositionMismatchTolerance)
	}
}
