package config

import "testing"

func TestApplyDefaultsFillsScannerThresholds(t *testing.T) {
	cfg := &Config{Exchange: ExchangeConfig{Name: "binance"}}
	applyDefaults(cfg)
	if cfg.Scanner.MinFundingRate != 0.0003 {
		t.Fatalf("expected default min funding rate, got %v", cfg.Scanner.MinFundingRate)
	}
	if cfg.Scanner.MinVolume24h != 10_000_000 {
		t.Fatalf("expected default min volume, got %v", cfg.Scanner.MinVolume24h)
	}
	if cfg.Scanner.MinSpread != 0.002 {
		t.Fatalf("expected default min spread, got %v", cfg.Scanner.MinSpread)
	}
	if cfg.Scanner.PeriodSeconds != 60 {
		t.Fatalf("expected default scanner period, got %v", cfg.Scanner.PeriodSeconds)
	}
}

func TestApplyDefaultsFillsGuardianThresholds(t *testing.T) {
	cfg := &Config{Exchange: ExchangeConfig{Name: "binance"}}
	applyDefaults(cfg)
	if cfg.Guardian.ExitFundingRate != 0.00005 {
		t.Fatalf("expected default exit funding rate, got %v", cfg.Guardian.ExitFundingRate)
	}
	if cfg.Guardian.ExitSpread != -0.01 {
		t.Fatalf("expected default exit spread, got %v", cfg.Guardian.ExitSpread)
	}
	if cfg.Guardian.NegativeFRDebounce != 3 {
		t.Fatalf("expected default debounce, got %v", cfg.Guardian.NegativeFRDebounce)
	}
	if cfg.Guardian.MarginUsageHigh != 0.80 {
		t.Fatalf("expected default margin usage high, got %v", cfg.Guardian.MarginUsageHigh)
	}
	if cfg.Guardian.MarginUsageTarget != 0.50 {
		t.Fatalf("expected default margin usage target, got %v", cfg.Guardian.MarginUsageTarget)
	}
}

func TestApplyDefaultsFillsSupervisorLimits(t *testing.T) {
	cfg := &Config{Exchange: ExchangeConfig{Name: "binance"}}
	applyDefaults(cfg)
	if cfg.Supervisor.MaxOpenPositions != 3 {
		t.Fatalf("expected default max open positions, got %v", cfg.Supervisor.MaxOpenPositions)
	}
	if cfg.Supervisor.PeriodSeconds != 5 {
		t.Fatalf("expected default supervisor period, got %v", cfg.Supervisor.PeriodSeconds)
	}
	if cfg.Entry.NotionalPerEntry != 1000 {
		t.Fatalf("expected default notional per entry, got %v", cfg.Entry.NotionalPerEntry)
	}
}

func TestValidateRequiresExchangeName(t *testing.T) {
	cfg := &Config{REST: RESTConfig{BaseURL: "https://example.com"}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing exchange name")
	}
}

func TestValidateRequiresRESTBaseURL(t *testing.T) {
	cfg := &Config{Exchange: ExchangeConfig{Name: "binance"}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing rest base url")
	}
}

func TestValidateRejectsMarginTargetNotBelowHigh(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{Name: "binance"},
		REST:     RESTConfig{BaseURL: "https://example.com"},
		Guardian: GuardianConfig{MarginUsageHigh: 0.5, MarginUsageTarget: 0.5},
	}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error when margin usage target is not below high")
	}
}

func TestValidateRejectsZeroNotional(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{Name: "binance"},
		REST:     RESTConfig{BaseURL: "https://example.com"},
	}
	applyDefaults(cfg)
	cfg.Entry.NotionalPerEntry = 0
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for zero notional per entry")
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestValidateRequiresHistoryDSNWhenEnabled(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{Name: "binance"},
		REST:     RESTConfig{BaseURL: "https://example.com"},
		History:  HistoryConfig{Enabled: true},
	}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for enabled history without dsn")
	}
}

func TestApplyDefaultsFillsHistorySchemaAndQueueSize(t *testing.T) {
	cfg := &Config{Exchange: ExchangeConfig{Name: "binance"}}
	applyDefaults(cfg)
	if cfg.History.Schema != "public" {
		t.Fatalf("expected default history schema, got %v", cfg.History.Schema)
	}
	if cfg.History.QueueSize != 256 {
		t.Fatalf("expected default history queue size, got %v", cfg.History.QueueSize)
	}
}
