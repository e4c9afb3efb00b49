// Package gateway implements the ExchangeGateway boundary: every call
// the rest of the daemon makes to the exchange goes through the
// Gateway interface defined here. A production implementation
// (HTTPGateway) and a test-only in-memory implementation (FakeGateway)
// both satisfy it.
package gateway

import (
	"context"
	"time"

	"carrybot/internal/domain"
)

// Gateway is the capability-typed facade ExchangeGateway exposes to
// the rest of the daemon. Every method is safe to call from multiple
// goroutines concurrently.
type Gateway interface {
	// ListPerpSymbols returns every tradable perpetual instrument the
	// venue currently lists, paired with its spot counterpart.
	ListPerpSymbols(ctx context.Context) ([]domain.Symbol, error)

	// FetchFundingRate returns the predicted funding rate for the next
	// settlement interval.
	FetchFundingRate(ctx context.Context, sym domain.Symbol) (float64, error)

	// FetchTicker returns the current spot mid and perp mark price.
	FetchTicker(ctx context.Context, sym domain.Symbol) (spotMid, perpMark float64, err error)

	// Fetch24hVolume returns trailing 24h quote-denominated volume for
	// the perp instrument.
	Fetch24hVolume(ctx context.Context, sym domain.Symbol) (float64, error)

	// FetchInstrumentRules returns the venue's minimum size, step size
	// and tick size for both legs of sym (coarser of the two is used
	// by callers that need one shared step).
	FetchInstrumentRules(ctx context.Context, sym domain.Symbol) (spot, perp domain.InstrumentRules, err error)

	// PlaceMarketOrder submits a market order against one venue leg.
	// Returns a LegOutcome whose Status distinguishes a confirmed fill
	// from a pre-placement rejection from an ambiguous network
	// outcome.
	PlaceMarketOrder(ctx context.Context, sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64, clientOrderID string) (domain.LegOutcome, error)

	// Transfer moves quote-currency collateral between the spot and
	// perp sub-accounts, used by the Guardian's margin rebalance path.
	Transfer(ctx context.Context, amountQuote float64, toPerp bool) error

	// FetchAccount returns a fresh AccountState sample.
	FetchAccount(ctx context.Context) (domain.AccountState, error)

	// FetchPosition returns the currently held quantity of sym on
	// venue (spot wallet balance, or perpetual position size signed
	// negative for a short). Used to resolve AMBIGUOUS leg outcomes by
	// polling venue-side truth instead of trusting a lost response.
	FetchPosition(ctx context.Context, sym domain.Symbol, venue domain.Venue) (float64, error)
}

// Clock abstracts time.Now for components that need to stamp
// observations deterministically in tests.
type Clock func() time.Time

func realClock() time.Time { return time.Now().UTC() }
