package domain

import "errors"

// Sentinel errors, wrapped with fmt.Errorf("...: %w", ErrX) by callers
// that need to attach context.
var (
	// ErrInvalidQuantity: a quantity submitted for a market order does
	// not conform to the instrument's step size. The gateway rejects
	// rather than silently rounds.
	ErrInvalidQuantity = errors.New("quantity does not conform to instrument step size")

	// ErrInsufficientNotional: the requested notional floors to a
	// quantity below the venues' minimum trade size.
	ErrInsufficientNotional = errors.New("notional too small to meet minimum order size")

	// ErrRejectedPrePlace: the venue refused an order before it was
	// placed. Safe to treat as "did not happen".
	ErrRejectedPrePlace = errors.New("order rejected before placement")

	// ErrAmbiguousWrite: a write's network outcome is unknown.
	ErrAmbiguousWrite = errors.New("ambiguous write outcome")

	// ErrLegImbalance: a post-hoc quantity mismatch between the two
	// legs of a compound trade was detected.
	ErrLegImbalance = errors.New("leg quantities diverged beyond one step size")

	// ErrManualIntervention: a state the system could not resolve
	// within the bounded time budget. Engages the kill switch for new
	// entries; never attempts automatic closure.
	ErrManualIntervention = errors.New("manual intervention required")

	// ErrFatal: credential failure or persistent store unreachable at
	// startup. Callers should exit immediately.
	ErrFatal = errors.New("fatal startup error")

	// ErrKillSwitchEngaged: a caller attempted to open a new position
	// while the kill switch is active.
	ErrKillSwitchEngaged = errors.New("kill switch engaged")

	// ErrPositionCapReached: the registry already holds
	// max_open_positions live positions.
	ErrPositionCapReached = errors.New("max open positions reached")

	// ErrSymbolBusy: a concurrent OrderManager call is already in
	// flight for this symbol.
	ErrSymbolBusy = errors.New("symbol has an operation in flight")

	// ErrSymbolHasPosition: an entry was requested for a symbol that
	// already has a live ActivePosition.
	ErrSymbolHasPosition = errors.New("symbol already has a live position")
)
