package domain

import (
	"fmt"
	"time"
)

// NewActivePosition validates and constructs an ActivePosition.
// Out-of-range fields are rejected here rather than left to be
// discovered later by an invariant check.
func NewActivePosition(id string, symbol Symbol, spotQty, perpQty, entrySpread float64, step float64) (*ActivePosition, error) {
	if id == "" {
		return nil, fmt.Errorf("active position: id is required")
	}
	if spotQty <= 0 || perpQty <= 0 {
		return nil, fmt.Errorf("active position: quantities must be positive")
	}
	if !WithinStep(spotQty, perpQty, step) {
		return nil, fmt.Errorf("active position: spot/perp quantities diverge beyond step size: %w", ErrLegImbalance)
	}
	return &ActivePosition{
		ID:                id,
		Symbol:            symbol,
		EntryTimestamp:    time.Now().UTC(),
		SpotQuantity:      spotQty,
		PerpShortQuantity: perpQty,
		EntrySpread:       entrySpread,
		State:             PositionOpen,
	}, nil
}

// RecordFill folds a fill's spread and fee into the position's
// weighted-average entry spread and cumulative fees. Called once right
// after NewActivePosition to post the entry fill's own fees, and again
// by any later fill (a rebalance re-entry, a top-up) that should blend
// into the running average rather than replace it outright.
func (p *ActivePosition) RecordFill(spread float64, weight float64, fee float64) {
	p.EntrySpread = WeightedAverage(p.EntrySpread, p.SpotQuantity, spread, weight)
	p.TotalFeesQuote += fee
}

// Transition moves the position to the next lifecycle state. It
// refuses any transition that is not OPEN->CLOSING or CLOSING->CLOSED,
// enforcing a monotonic lifecycle. A transition to the current state
// is accepted as a no-op.
func (p *ActivePosition) Transition(next PositionState) error {
	switch {
	case p.State == PositionOpen && next == PositionClosing:
	case p.State == PositionClosing && next == PositionClosed:
	case p.State == next:
		return nil
	default:
		return fmt.Errorf("active position %s: invalid transition %s -> %s", p.ID, p.State, next)
	}
	p.State = next
	return nil
}

// Balanced reports whether the position still satisfies the
// delta-neutral invariant within the symbol's step size.
func (p *ActivePosition) Balanced(step float64) bool {
	return WithinStep(p.SpotQuantity, p.PerpShortQuantity, step)
}
