// Package domain holds the data model shared by every component of the
// arbitrage daemon: symbols, market snapshots, candidates, positions,
// account state and the outcome of a two-leg execution attempt.
package domain

import "time"

// Venue distinguishes the two legs of a cash-and-carry position.
type Venue string

const (
	VenueSpot Venue = "spot"
	VenuePerp Venue = "perp"
)

// Side is the direction of a market order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Symbol identifies a tradable pair on one exchange. It is immutable
// once discovered by the Scanner.
type Symbol struct {
	Base          string // e.g. "DOGE"
	Quote         string // e.g. "USDT"
	SpotInstrument string // exchange-specific spot instrument id
	PerpInstrument string // exchange-specific perpetual instrument id
}

func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// InstrumentRules carries the venue-side trading constraints for one
// instrument: minimum order size, quantity step, and price tick.
type InstrumentRules struct {
	MinSize   float64
	StepSize  float64
	TickSize  float64
}

// MarketSnapshot is a point-in-time read of one symbol's market data.
// Produced by the Scanner, consumed read-only, never persisted.
type MarketSnapshot struct {
	Symbol          Symbol
	FundingRate     float64 // predicted rate for the next interval
	SpotMid         float64
	PerpMark        float64
	Volume24hQuote  float64
	ObservedAt      time.Time
	TickIndex       uint64
}

// Spread is (perp - spot) / spot. Positive means contango.
func (m MarketSnapshot) Spread() float64 {
	if m.SpotMid == 0 {
		return 0
	}
	return (m.PerpMark - m.SpotMid) / m.SpotMid
}

// TargetCandidate is a MarketSnapshot that has passed every entry
// filter, carrying the snapshot it was derived from.
type TargetCandidate struct {
	Snapshot MarketSnapshot
}

// PositionState is the lifecycle of an ActivePosition. Transitions are
// monotonic: Open -> Closing -> Closed. Closed is terminal.
type PositionState string

const (
	PositionOpen    PositionState = "OPEN"
	PositionClosing PositionState = "CLOSING"
	PositionClosed  PositionState = "CLOSED"
)

// ActivePosition is a durable record of one entered cash-and-carry leg
// pair. Invariant: SpotQuantity == PerpShortQuantity within step-size
// rounding while State == PositionOpen.
type ActivePosition struct {
	ID                 string
	Symbol             Symbol
	EntryTimestamp     time.Time
	SpotQuantity       float64
	PerpShortQuantity  float64
	EntrySpread        float64 // weighted-average spread at entry
	TotalFeesQuote     float64
	State              PositionState
}

// AccountState is a sampled, full snapshot of withdrawable balance,
// margin usage, and account equity. Never persisted.
type AccountState struct {
	WithdrawableBalance float64
	MarginUsed          float64
	MarginUsagePct      float64
	AccountEquity       float64
	SampledAt           time.Time
}

// OutcomeKind tags the result of a two-leg execution attempt.
type OutcomeKind string

const (
	OutcomeBothFilled     OutcomeKind = "BOTH_FILLED"
	OutcomeLegOrphaned    OutcomeKind = "LEG_ORPHANED"
	OutcomeBothFailed     OutcomeKind = "BOTH_FAILED"
	OutcomeManualIntervention OutcomeKind = "MANUAL_INTERVENTION"
)

// ExecutionOutcome is the result of an execute_entry or execute_exit
// attempt.
type ExecutionOutcome struct {
	Kind              OutcomeKind
	FilledQuantity    float64
	AvgSpotPrice      float64
	AvgPerpPrice      float64
	FeesQuote         float64
	OrphanedVenue     Venue  // set only when Kind == OutcomeLegOrphaned
	Recovered         bool   // whether the orphaned leg was closed out
	Reason            string
}

// LegOutcome is the per-leg result of a single market order dispatched
// as part of a two-leg operation.
type LegOutcomeStatus string

const (
	LegFilled         LegOutcomeStatus = "FILLED"
	LegRejectedPre    LegOutcomeStatus = "REJECTED_PRE_PLACE"
	LegAmbiguous      LegOutcomeStatus = "AMBIGUOUS"
)

type LegOutcome struct {
	Venue       Venue
	Status      LegOutcomeStatus
	FilledQty   float64
	AvgPrice    float64
	Fee         float64
	Err         error
}
