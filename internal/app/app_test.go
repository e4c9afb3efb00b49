package app

import (
	"testing"
	"time"

	"carrybot/internal/domain"
	"carrybot/internal/state/sqlite"
)

func TestResolveResumePositionsMatchesListedSymbol(t *testing.T) {
	rows := []sqlite.PositionRow{
		{
			ID: "pos-1", SymbolKey: "DOGE/USDC", EntryTimestamp: time.Unix(100, 0).UTC(),
			SpotQuantity: 500, PerpQuantity: 500, EntrySpread: 0.01, TotalFeesQuote: 1.5,
			State: domain.PositionOpen,
		},
	}
	symbols := []domain.Symbol{
		{Base: "DOGE", Quote: "USDC", SpotInstrument: "DOGE/USDC", PerpInstrument: "DOGE"},
	}

	got := resolveResumePositions(rows, symbols, "USDC")
	if len(got) != 1 {
		t.Fatalf("expected 1 position, got %d", len(got))
	}
	pos := got[0]
	if pos.Symbol.SpotInstrument != "DOGE/USDC" || pos.Symbol.PerpInstrument != "DOGE" {
		t.Fatalf("expected resolved venue instrument ids, got %+v", pos.Symbol)
	}
	if pos.SpotQuantity != 500 || pos.PerpShortQuantity != 500 {
		t.Fatalf("unexpected quantities: %+v", pos)
	}
}

func TestResolveResumePositionsFallsBackForDelistedSymbol(t *testing.T) {
	rows := []sqlite.PositionRow{
		{ID: "pos-2", SymbolKey: "SHIB/USDC", State: domain.PositionOpen},
	}

	got := resolveResumePositions(rows, nil, "USDC")
	if len(got) != 1 {
		t.Fatalf("expected 1 position, got %d", len(got))
	}
	if got[0].Symbol.Base != "SHIB" || got[0].Symbol.Quote != "USDC" {
		t.Fatalf("expected base/quote split from the symbol key, got %+v", got[0].Symbol)
	}
}

func TestSplitSymbolKeyUsesFallbackQuoteWhenNoSeparator(t *testing.T) {
	base, quote := splitSymbolKey("DOGE", "USDT")
	if base != "DOGE" || quote != "USDT" {
		t.Fatalf("expected DOGE/USDT fallback split, got %s/%s", base, quote)
	}
}
