package scanner

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"carrybot/internal/domain"
	"carrybot/internal/gateway"
)

func testConfig() Config {
	return Config{
		Period:          time.Second,
		QuoteCurrency:   "USDT",
		MinFundingRate:  0.0003,
		MinVolume24h:    10_000_000,
		MinSpread:       0.002,
		StaleAfterTicks: 2,
	}
}

func sym(base string) domain.Symbol {
	return domain.Symbol{Base: base, Quote: "USDT", SpotInstrument: base + "/USDT", PerpInstrument: base}
}

func TestTickRanksByFundingThenVolumeThenSymbol(t *testing.T) {
	gw := gateway.NewFakeGateway()
	gw.Symbols = []domain.Symbol{sym("AAA"), sym("BBB"), sym("CCC")}
	gw.Snapshots["AAA/USDT"] = domain.MarketSnapshot{Symbol: sym("AAA"), FundingRate: 0.0010, SpotMid: 100, PerpMark: 100.5, Volume24hQuote: 20_000_000}
	gw.Snapshots["BBB/USDT"] = domain.MarketSnapshot{Symbol: sym("BBB"), FundingRate: 0.0010, SpotMid: 100, PerpMark: 100.5, Volume24hQuote: 50_000_000}
	gw.Snapshots["CCC/USDT"] = domain.MarketSnapshot{Symbol: sym("CCC"), FundingRate: 0.0020, SpotMid: 100, PerpMark: 100.5, Volume24hQuote: 10_000_000}

	s := New(gw, testConfig(), zap.NewNop())
	candidates, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}
	if candidates[0].Snapshot.Symbol.Base != "CCC" {
		t.Fatalf("expected CCC ranked first by funding rate, got %s", candidates[0].Snapshot.Symbol)
	}
	if candidates[1].Snapshot.Symbol.Base != "BBB" {
		t.Fatalf("expected BBB ranked second by volume tiebreak, got %s", candidates[1].Snapshot.Symbol)
	}
	if candidates[2].Snapshot.Symbol.Base != "AAA" {
		t.Fatalf("expected AAA ranked third, got %s", candidates[2].Snapshot.Symbol)
	}
}

func TestTickFiltersOutLowFundingRate(t *testing.T) {
	gw := gateway.NewFakeGateway()
	gw.Symbols = []domain.Symbol{sym("AAA")}
	gw.Snapshots["AAA/USDT"] = domain.MarketSnapshot{Symbol: sym("AAA"), FundingRate: 0.0001, SpotMid: 100, PerpMark: 100.5, Volume24hQuote: 20_000_000}

	s := New(gw, testConfig(), zap.NewNop())
	candidates, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected 0 candidates, got %d", len(candidates))
	}
}

func TestTickFiltersOutBackwardation(t *testing.T) {
	gw := gateway.NewFakeGateway()
	gw.Symbols = []domain.Symbol{sym("AAA")}
	gw.Snapshots["AAA/USDT"] = domain.MarketSnapshot{Symbol: sym("AAA"), FundingRate: 0.0010, SpotMid: 100, PerpMark: 99, Volume24hQuote: 20_000_000}

	s := New(gw, testConfig(), zap.NewNop())
	candidates, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected 0 candidates for negative spread, got %d", len(candidates))
	}
}

func TestTickSkipsSymbolOnFetchErrorWithoutAbortingTick(t *testing.T) {
	gw := gateway.NewFakeGateway()
	gw.Symbols = []domain.Symbol{sym("AAA"), sym("BBB")}
	gw.Snapshots["BBB/USDT"] = domain.MarketSnapshot{Symbol: sym("BBB"), FundingRate: 0.0010, SpotMid: 100, PerpMark: 100.5, Volume24hQuote: 20_000_000}
	gw.FailSymbols = map[string]bool{"AAA/USDT": true}

	s := New(gw, testConfig(), zap.NewNop())
	candidates, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected tick-level error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Snapshot.Symbol.Base != "BBB" {
		t.Fatalf("expected only BBB to survive, got %+v", candidates)
	}
}

func TestRefreshReusesCacheWithinStaleWindow(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfterTicks = 1
	gw := gateway.NewFakeGateway()
	gw.Symbols = []domain.Symbol{sym("AAA")}
	gw.Snapshots["AAA/USDT"] = domain.MarketSnapshot{Symbol: sym("AAA"), FundingRate: 0.0010, SpotMid: 100, PerpMark: 100.5, Volume24hQuote: 20_000_000}

	s := New(gw, cfg, zap.NewNop())
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gw.FailSymbols = map[string]bool{"AAA/USDT": true}
	candidates, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected cached snapshot to survive one stale tick, got %d", len(candidates))
	}

	// Exceed the stale window: one more tick without a live refresh.
	candidates, err = s.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected stale symbol to be omitted, got %d", len(candidates))
	}
}
