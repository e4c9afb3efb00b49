package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carrybot/internal/domain"
)

// FakeGateway is an in-memory Gateway used by every other package's
// tests: a plain struct with exported fields the test mutates
// directly, and optional hook functions for the cases a static table
// can't express (injected errors, ambiguous writes).
type FakeGateway struct {
	mu sync.Mutex

	Symbols   []domain.Symbol
	Snapshots map[string]domain.MarketSnapshot // keyed by Symbol.String()
	Rules     map[string]domain.InstrumentRules
	Account   domain.AccountState

	Orders []FakeOrder

	// PlaceOrderHook, when set, is consulted before the default fill
	// behavior and can force a REJECTED_PRE_PLACE, AMBIGUOUS, or
	// transient error for a specific call.
	PlaceOrderHook func(sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64) (domain.LegOutcome, error)

	// FailSymbols marks symbols whose queries return an error, used to
	// exercise the Scanner's per-symbol failure-skip semantics.
	FailSymbols map[string]bool

	TransferCalls []FakeTransfer

	// Positions models venue-side truth for FetchPosition, keyed by
	// "symbol:venue". Tests mutate this directly to simulate a fill
	// that an AMBIGUOUS response failed to report.
	Positions map[string]float64
}

type FakeOrder struct {
	Symbol domain.Symbol
	Venue  domain.Venue
	Side   domain.Side
	Qty    float64
	ID     string
}

type FakeTransfer struct {
	AmountQuote float64
	ToPerp      bool
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Snapshots: make(map[string]domain.MarketSnapshot),
		Rules:     make(map[string]domain.InstrumentRules),
	}
}

func (f *FakeGateway) snapshot(sym domain.Symbol) (domain.MarketSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.Snapshots[sym.String()]
	return snap, ok
}

func (f *FakeGateway) failing(sym domain.Symbol) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FailSymbols != nil && f.FailSymbols[sym.String()]
}

func (f *FakeGateway) ListPerpSymbols(ctx context.Context) ([]domain.Symbol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Symbol(nil), f.Symbols...), nil
}

func (f *FakeGateway) FetchFundingRate(ctx context.Context, sym domain.Symbol) (float64, error) {
	if f.failing(sym) {
		return 0, fmt.Errorf("fake: funding rate unavailable for %s", sym)
	}
	snap, ok := f.snapshot(sym)
	if !ok {
		return 0, fmt.Errorf("fake: no snapshot for %s", sym)
	}
	return snap.FundingRate, nil
}

func (f *FakeGateway) FetchTicker(ctx context.Context, sym domain.Symbol) (float64, float64, error) {
	if f.failing(sym) {
		return 0, 0, fmt.Errorf("fake: ticker unavailable for %s", sym)
	}
	snap, ok := f.snapshot(sym)
	if !ok {
		return 0, 0, fmt.Errorf("fake: no snapshot for %s", sym)
	}
	return snap.SpotMid, snap.PerpMark, nil
}

func (f *FakeGateway) Fetch24hVolume(ctx context.Context, sym domain.Symbol) (float64, error) {
	if f.failing(sym) {
		return 0, fmt.Errorf("fake: volume unavailable for %s", sym)
	}
	snap, ok := f.snapshot(sym)
	if !ok {
		return 0, fmt.Errorf("fake: no snapshot for %s", sym)
	}
	return snap.Volume24hQuote, nil
}

func (f *FakeGateway) FetchInstrumentRules(ctx context.Context, sym domain.Symbol) (domain.InstrumentRules, domain.InstrumentRules, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.Rules[sym.String()]
	if !ok {
		rules = domain.InstrumentRules{MinSize: 0.001, StepSize: 0.001, TickSize: 0.01}
	}
	return rules, rules, nil
}

func (f *FakeGateway) PlaceMarketOrder(ctx context.Context, sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64, clientOrderID string) (domain.LegOutcome, error) {
	if f.PlaceOrderHook != nil {
		if outcome, err := f.PlaceOrderHook(sym, venue, side, qty); err != nil || outcome.Status != "" {
			return outcome, err
		}
	}
	snap, ok := f.snapshot(sym)
	if !ok {
		return domain.LegOutcome{}, fmt.Errorf("fake: no snapshot for %s", sym)
	}
	price := snap.SpotMid
	if venue == domain.VenuePerp {
		price = snap.PerpMark
	}
	f.mu.Lock()
	f.Orders = append(f.Orders, FakeOrder{Symbol: sym, Venue: venue, Side: side, Qty: qty, ID: clientOrderID})
	if f.Positions == nil {
		f.Positions = make(map[string]float64)
	}
	key := sym.String() + ":" + string(venue)
	delta := qty
	if side == domain.SideSell {
		delta = -qty
	}
	f.Positions[key] += delta
	f.mu.Unlock()
	return domain.LegOutcome{
		Venue:     venue,
		Status:    domain.LegFilled,
		FilledQty: qty,
		AvgPrice:  price,
	}, nil
}

func (f *FakeGateway) Transfer(ctx context.Context, amountQuote float64, toPerp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TransferCalls = append(f.TransferCalls, FakeTransfer{AmountQuote: amountQuote, ToPerp: toPerp})
	f.Account.MarginUsed += amountQuote // crude but sufficient model for tests
	return nil
}

func (f *FakeGateway) FetchPosition(ctx context.Context, sym domain.Symbol, venue domain.Venue) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Positions == nil {
		return 0, nil
	}
	return f.Positions[sym.String()+":"+string(venue)], nil
}

func (f *FakeGateway) FetchAccount(ctx context.Context) (domain.AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := f.Account
	acct.SampledAt = time.Now().UTC()
	return acct, nil
}

var _ Gateway = (*FakeGateway)(nil)
