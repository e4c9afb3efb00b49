package executor

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"carrybot/internal/domain"
	"carrybot/internal/gateway"
)

func testConfig() Config {
	return Config{
		JoinTimeout:              2 * time.Second,
		AmbiguousPoll:            10 * time.Millisecond,
		AmbiguousWindow:          100 * time.Millisecond,
		ManualInterventionWindow: 200 * time.Millisecond,
		ExitRetryAttempts:        3,
	}
}

func idGen() IDGenerator {
	var n int64
	return func() string {
		return "cid-" + strconv.FormatInt(atomic.AddInt64(&n, 1), 10)
	}
}

func testSymbol() domain.Symbol {
	return domain.Symbol{Base: "DOGE", Quote: "USDT", SpotInstrument: "DOGE/USDT", PerpInstrument: "DOGE"}
}

func TestExecuteEntrySuccessBothFilled(t *testing.T) {
	sym := testSymbol()
	gw := gateway.NewFakeGateway()
	gw.Rules[sym.String()] = domain.InstrumentRules{MinSize: 1, StepSize: 1, TickSize: 0.01}
	gw.Snapshots[sym.String()] = domain.MarketSnapshot{Symbol: sym, SpotMid: 0.1, PerpMark: 0.102}

	m := New(gw, testConfig(), zap.NewNop(), idGen())
	pos, outcome, err := m.ExecuteEntry(context.Background(), sym, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomeBothFilled {
		t.Fatalf("expected BOTH_FILLED, got %s", outcome.Kind)
	}
	if pos == nil {
		t.Fatalf("expected a position")
	}
	if pos.SpotQuantity != pos.PerpShortQuantity {
		t.Fatalf("expected balanced legs, got spot=%v perp=%v", pos.SpotQuantity, pos.PerpShortQuantity)
	}
	if len(gw.Orders) != 2 {
		t.Fatalf("expected 2 orders placed, got %d", len(gw.Orders))
	}
}

func TestExecuteEntryInsufficientNotional(t *testing.T) {
	sym := testSymbol()
	gw := gateway.NewFakeGateway()
	gw.Rules[sym.String()] = domain.InstrumentRules{MinSize: 1000, StepSize: 1, TickSize: 0.01}
	gw.Snapshots[sym.String()] = domain.MarketSnapshot{Symbol: sym, SpotMid: 0.1, PerpMark: 0.102}

	m := New(gw, testConfig(), zap.NewNop(), idGen())
	_, _, err := m.ExecuteEntry(context.Background(), sym, 10)
	if err != domain.ErrInsufficientNotional {
		t.Fatalf("expected ErrInsufficientNotional, got %v", err)
	}
}

func TestExecuteEntryBothRejectedIsClean(t *testing.T) {
	sym := testSymbol()
	gw := gateway.NewFakeGateway()
	gw.Rules[sym.String()] = domain.InstrumentRules{MinSize: 1, StepSize: 1, TickSize: 0.01}
	gw.Snapshots[sym.String()] = domain.MarketSnapshot{Symbol: sym, SpotMid: 0.1, PerpMark: 0.102}
	gw.PlaceOrderHook = func(sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64) (domain.LegOutcome, error) {
		return domain.LegOutcome{Venue: venue, Status: domain.LegRejectedPre}, domain.ErrRejectedPrePlace
	}

	m := New(gw, testConfig(), zap.NewNop(), idGen())
	pos, outcome, err := m.ExecuteEntry(context.Background(), sym, 100)
	if err != domain.ErrRejectedPrePlace {
		t.Fatalf("expected ErrRejectedPrePlace, got %v", err)
	}
	if outcome.Kind != domain.OutcomeBothFailed {
		t.Fatalf("expected BOTH_FAILED, got %s", outcome.Kind)
	}
	if pos != nil {
		t.Fatalf("expected no position on clean abort")
	}
	if len(gw.Orders) != 0 {
		t.Fatalf("expected no orders recorded, got %d", len(gw.Orders))
	}
}

func TestExecuteEntryLegRecoveryOnSpotFilledPerpRejected(t *testing.T) {
	sym := testSymbol()
	gw := gateway.NewFakeGateway()
	gw.Rules[sym.String()] = domain.InstrumentRules{MinSize: 1, StepSize: 1, TickSize: 0.01}
	gw.Snapshots[sym.String()] = domain.MarketSnapshot{Symbol: sym, SpotMid: 0.1, PerpMark: 0.102}
	gw.PlaceOrderHook = func(sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64) (domain.LegOutcome, error) {
		if venue == domain.VenuePerp {
			return domain.LegOutcome{Venue: venue, Status: domain.LegRejectedPre}, domain.ErrRejectedPrePlace
		}
		return domain.LegOutcome{}, nil // fall through to default fill behavior
	}

	m := New(gw, testConfig(), zap.NewNop(), idGen())
	pos, outcome, err := m.ExecuteEntry(context.Background(), sym, 100)
	if err == nil {
		t.Fatalf("expected leg-imbalance error")
	}
	if outcome.Kind != domain.OutcomeLegOrphaned || outcome.OrphanedVenue != domain.VenueSpot || !outcome.Recovered {
		t.Fatalf("expected recovered spot-orphan outcome, got %+v", outcome)
	}
	if pos != nil {
		t.Fatalf("expected no position after leg recovery")
	}
	// One fill + one recovery sell on spot == 2 spot orders, perp order never actually placed by the hook.
	spotOrders := 0
	for _, o := range gw.Orders {
		if o.Venue == domain.VenueSpot {
			spotOrders++
		}
	}
	if spotOrders != 2 {
		t.Fatalf("expected fill + recovery on spot, got %d spot orders", spotOrders)
	}
}

func TestExecuteEntryAmbiguousResolvedByPolling(t *testing.T) {
	sym := testSymbol()
	gw := gateway.NewFakeGateway()
	gw.Rules[sym.String()] = domain.InstrumentRules{MinSize: 1, StepSize: 1, TickSize: 0.01}
	gw.Snapshots[sym.String()] = domain.MarketSnapshot{Symbol: sym, SpotMid: 0.1, PerpMark: 0.102}
	gw.PlaceOrderHook = func(sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64) (domain.LegOutcome, error) {
		if venue == domain.VenuePerp {
			// Simulate the perp write succeeding venue-side despite an
			// ambiguous transport response, discoverable only by polling.
			gw.Positions = map[string]float64{sym.String() + ":perp": -qty}
			return domain.LegOutcome{Venue: venue, Status: domain.LegAmbiguous}, nil
		}
		return domain.LegOutcome{}, nil
	}

	m := New(gw, testConfig(), zap.NewNop(), idGen())
	pos, outcome, err := m.ExecuteEntry(context.Background(), sym, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomeBothFilled {
		t.Fatalf("expected BOTH_FILLED after poll resolution, got %s", outcome.Kind)
	}
	if pos == nil {
		t.Fatalf("expected a position")
	}
}

func TestExecuteEntryManualInterventionOnUnresolvedAmbiguity(t *testing.T) {
	sym := testSymbol()
	gw := gateway.NewFakeGateway()
	gw.Rules[sym.String()] = domain.InstrumentRules{MinSize: 1, StepSize: 1, TickSize: 0.01}
	gw.Snapshots[sym.String()] = domain.MarketSnapshot{Symbol: sym, SpotMid: 0.1, PerpMark: 0.102}
	gw.PlaceOrderHook = func(sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64) (domain.LegOutcome, error) {
		return domain.LegOutcome{Venue: venue, Status: domain.LegAmbiguous}, nil
	}

	cfg := testConfig()
	cfg.AmbiguousWindow = 20 * time.Millisecond
	cfg.AmbiguousPoll = 5 * time.Millisecond
	m := New(gw, cfg, zap.NewNop(), idGen())
	_, outcome, err := m.ExecuteEntry(context.Background(), sym, 100)
	if err != domain.ErrManualIntervention {
		t.Fatalf("expected ErrManualIntervention, got %v", err)
	}
	if outcome.Kind != domain.OutcomeManualIntervention {
		t.Fatalf("expected MANUAL_INTERVENTION outcome, got %s", outcome.Kind)
	}
	if !m.ManualInterventionEngaged() {
		t.Fatalf("expected manual intervention flag to be set")
	}

	_, _, err = m.ExecuteEntry(context.Background(), sym, 100)
	if err != domain.ErrManualIntervention {
		t.Fatalf("expected new entries to be halted while flag is set, got %v", err)
	}

	m.ClearManualIntervention()
	if m.ManualInterventionEngaged() {
		t.Fatalf("expected flag cleared")
	}
}

func TestExecuteExitClosesPositionOnSuccess(t *testing.T) {
	sym := testSymbol()
	gw := gateway.NewFakeGateway()
	gw.Rules[sym.String()] = domain.InstrumentRules{MinSize: 1, StepSize: 1, TickSize: 0.01}
	gw.Snapshots[sym.String()] = domain.MarketSnapshot{Symbol: sym, SpotMid: 0.1, PerpMark: 0.102}

	pos, err := domain.NewActivePosition("pos-1", sym, 100, 100, 0.02, 1)
	if err != nil {
		t.Fatalf("unexpected position construction error: %v", err)
	}

	m := New(gw, testConfig(), zap.NewNop(), idGen())
	outcome, err := m.ExecuteExit(context.Background(), pos)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomeBothFilled {
		t.Fatalf("expected BOTH_FILLED, got %s", outcome.Kind)
	}
	if pos.State != domain.PositionClosed {
		t.Fatalf("expected position CLOSED, got %s", pos.State)
	}
}
