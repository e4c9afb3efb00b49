// Package executor implements the OrderManager: the hinge component
// that dispatches the two legs of a cash-and-carry trade concurrently
// and resolves whatever joint outcome comes back into either a
// balanced position or a clean no-op, never a silent partial fill.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carrybot/internal/domain"
	"carrybot/internal/metrics"
	"carrybot/internal/telemetry"
)

// Gateway is the subset of gateway.Gateway the OrderManager depends
// on, declared locally to keep this package import-independent of the
// gateway package's concrete wiring.
type Gateway interface {
	FetchInstrumentRules(ctx context.Context, sym domain.Symbol) (spot, perp domain.InstrumentRules, err error)
	FetchTicker(ctx context.Context, sym domain.Symbol) (spotMid, perpMark float64, err error)
	PlaceMarketOrder(ctx context.Context, sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64, clientOrderID string) (domain.LegOutcome, error)
	FetchPosition(ctx context.Context, sym domain.Symbol, venue domain.Venue) (float64, error)
}

// Config holds the OrderManager's timing budget.
type Config struct {
	JoinTimeout              time.Duration
	AmbiguousPoll            time.Duration
	AmbiguousWindow          time.Duration
	ManualInterventionWindow time.Duration
	ExitRetryAttempts        int
}

// IDGenerator produces unique client order ids. Satisfied by
// github.com/google/uuid's NewString.
type IDGenerator func() string

// Manager is the OrderManager. One instance is shared by every
// symbol; callers serialize on the per-symbol lock it owns.
type Manager struct {
	gw     Gateway
	cfg    Config
	log    *zap.Logger
	newID  IDGenerator

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	manualIntervention atomic.Bool

	metrics *metrics.Metrics
	sink    telemetry.Sink
}

func New(gw Gateway, cfg Config, log *zap.Logger, newID IDGenerator) *Manager {
	return &Manager{
		gw:      gw,
		cfg:     cfg,
		log:     log,
		newID:   newID,
		locks:   make(map[string]*sync.Mutex),
		metrics: metrics.NewNoop(),
		sink:    telemetry.NewNoop(),
	}
}

// WithMetrics attaches the orders-placed/failed and manual-intervention
// counters; nil leaves the existing (noop) Metrics in place.
func (m *Manager) WithMetrics(mx *metrics.Metrics) *Manager {
	if mx != nil {
		m.metrics = mx
	}
	return m
}

// WithTelemetry attaches the Sink entry fills are reported to; nil
// leaves the existing (noop) Sink in place.
func (m *Manager) WithTelemetry(sink telemetry.Sink) *Manager {
	if sink != nil {
		m.sink = sink
	}
	return m
}

// ManualInterventionEngaged reports whether a prior unresolved
// ambiguous execution has halted new entries globally.
func (m *Manager) ManualInterventionEngaged() bool {
	return m.manualIntervention.Load()
}

// ClearManualIntervention resumes entries after an operator has
// reconciled the venue-side state by hand.
func (m *Manager) ClearManualIntervention() {
	m.manualIntervention.Store(false)
}

func (m *Manager) symbolLock(sym domain.Symbol) *sync.Mutex {
	key := sym.String()
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

type legJob struct {
	symbol domain.Symbol
	venue  domain.Venue
	side   domain.Side
	qty    float64
}

// ExecuteEntry implements the "Concurrent Taker" algorithm: both legs
// are submitted at once and their outcomes reconciled afterward rather
// than sequencing one leg behind the other.
func (m *Manager) ExecuteEntry(ctx context.Context, sym domain.Symbol, notionalQuote float64) (*domain.ActivePosition, domain.ExecutionOutcome, error) {
	if m.manualIntervention.Load() {
		return nil, domain.ExecutionOutcome{}, domain.ErrManualIntervention
	}

	lock := m.symbolLock(sym)
	lock.Lock()
	defer lock.Unlock()

	spotRules, perpRules, err := m.gw.FetchInstrumentRules(ctx, sym)
	if err != nil {
		return nil, domain.ExecutionOutcome{}, err
	}
	step := domain.CoarserStep(spotRules.StepSize, perpRules.StepSize)

	referencePrice, err := m.referencePrice(ctx, sym)
	if err != nil {
		return nil, domain.ExecutionOutcome{}, err
	}
	quantity := domain.RoundDownToStep(notionalQuote/referencePrice, step)
	minSize := spotRules.MinSize
	if perpRules.MinSize > minSize {
		minSize = perpRules.MinSize
	}
	if quantity < minSize {
		return nil, domain.ExecutionOutcome{}, domain.ErrInsufficientNotional
	}

	outcomes := m.dispatchLegs(ctx, []legJob{
		{symbol: sym, venue: domain.VenueSpot, side: domain.SideBuy, qty: quantity},
		{symbol: sym, venue: domain.VenuePerp, side: domain.SideSell, qty: quantity},
	})
	legS, legP := outcomes[0], outcomes[1]

	outcome, err := m.resolveEntry(ctx, sym, quantity, step, legS, legP)
	if err != nil {
		if !errors.Is(err, domain.ErrRejectedPrePlace) {
			m.metrics.EntryFailed.Inc()
		}
		return nil, outcome, err
	}
	if outcome.Kind != domain.OutcomeBothFilled {
		return nil, outcome, nil
	}

	pos, err := domain.NewActivePosition(m.newID(), sym, outcome.FilledQuantity, outcome.FilledQuantity, spreadFromOutcome(outcome), step)
	if err != nil {
		return nil, outcome, err
	}
	pos.RecordFill(spreadFromOutcome(outcome), outcome.FilledQuantity, outcome.FeesQuote)
	m.sink.RecordTrade(telemetry.TradeEvent{
		Entry: true, Symbol: sym, EntryPrice: outcome.AvgSpotPrice, Size: outcome.FilledQuantity, NotionalQuote: notionalQuote,
	})
	return pos, outcome, nil
}

func spreadFromOutcome(o domain.ExecutionOutcome) float64 {
	if o.AvgSpotPrice == 0 {
		return 0
	}
	return (o.AvgPerpPrice - o.AvgSpotPrice) / o.AvgSpotPrice
}

// referencePrice is the current spot mid, used to size the entry
// quantity.
func (m *Manager) referencePrice(ctx context.Context, sym domain.Symbol) (float64, error) {
	spotMid, _, err := m.gw.FetchTicker(ctx, sym)
	if err != nil {
		return 0, err
	}
	if spotMid <= 0 {
		return 0, fmt.Errorf("reference price unavailable for %s", sym)
	}
	return spotMid, nil
}

// dispatchLegs runs every job concurrently and waits for ALL of them
// to finish before returning, even if the caller's ctx is canceled in
// the meantime: a two-leg operation, once dispatched, runs to its
// joint-outcome resolution before observing cancellation, because
// partial cancellation would break the delta-neutral invariant
//. The join uses a detached timeout
// context rather than the caller's ctx for exactly this reason.
func (m *Manager) dispatchLegs(parent context.Context, jobs []legJob) []domain.LegOutcome {
	timeout := m.cfg.JoinTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	outcomes := make([]domain.LegOutcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			outcomes[i] = m.placeLeg(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (m *Manager) placeLeg(ctx context.Context, job legJob) domain.LegOutcome {
	outcome, err := m.gw.PlaceMarketOrder(ctx, job.symbol, job.venue, job.side, job.qty, m.newID())
	if err == nil {
		m.metrics.OrdersPlaced.Inc()
		return outcome
	}
	m.metrics.OrdersFailed.Inc()
	switch {
	case errors.Is(err, domain.ErrRejectedPrePlace):
		outcome.Status = domain.LegRejectedPre
	case errors.Is(err, domain.ErrAmbiguousWrite):
		outcome.Status = domain.LegAmbiguous
	default:
		outcome.Status = domain.LegAmbiguous
	}
	outcome.Venue = job.venue
	outcome.Err = err
	return outcome
}

// resolveEntry maps the joint outcome of both legs to one of the
// ExecutionOutcome kinds, reconciling any excess filled quantity on
// one leg against the other before returning.
func (m *Manager) resolveEntry(ctx context.Context, sym domain.Symbol, requestedQty, step float64, legS, legP domain.LegOutcome) (domain.ExecutionOutcome, error) {
	switch {
	case legS.Status == domain.LegFilled && legP.Status == domain.LegFilled:
		return m.reconcileFilledPair(ctx, sym, step, legS, legP)

	case legS.Status == domain.LegFilled && legP.Status == domain.LegRejectedPre:
		m.recoverLeg(ctx, sym, domain.VenueSpot, domain.SideSell, legS.FilledQty)
		return domain.ExecutionOutcome{Kind: domain.OutcomeLegOrphaned, OrphanedVenue: domain.VenueSpot, Recovered: true, Reason: "ENTRY_ABORTED_LEG_RECOVERED"}, domain.ErrLegImbalance

	case legS.Status == domain.LegRejectedPre && legP.Status == domain.LegFilled:
		m.recoverLeg(ctx, sym, domain.VenuePerp, domain.SideBuy, legP.FilledQty)
		return domain.ExecutionOutcome{Kind: domain.OutcomeLegOrphaned, OrphanedVenue: domain.VenuePerp, Recovered: true, Reason: "ENTRY_ABORTED_LEG_RECOVERED"}, domain.ErrLegImbalance

	case legS.Status == domain.LegRejectedPre && legP.Status == domain.LegRejectedPre:
		return domain.ExecutionOutcome{Kind: domain.OutcomeBothFailed, Reason: "ENTRY_ABORTED_CLEAN"}, domain.ErrRejectedPrePlace

	case legS.Status == domain.LegFilled && legP.Status == domain.LegAmbiguous:
		resolved, qty := m.pollPosition(ctx, sym, domain.VenuePerp, -requestedQty, step, m.cfg.AmbiguousWindow)
		if !resolved {
			return m.escalateManualIntervention(ctx, sym, legS, legP)
		}
		if qty > -requestedQty+step {
			m.recoverLeg(ctx, sym, domain.VenueSpot, domain.SideSell, legS.FilledQty)
			return domain.ExecutionOutcome{Kind: domain.OutcomeLegOrphaned, OrphanedVenue: domain.VenueSpot, Recovered: true, Reason: "ENTRY_ABORTED_LEG_RECOVERED"}, domain.ErrLegImbalance
		}
		return domain.ExecutionOutcome{Kind: domain.OutcomeBothFilled, FilledQuantity: requestedQty, AvgSpotPrice: legS.AvgPrice, AvgPerpPrice: legP.AvgPrice, FeesQuote: legS.Fee + legP.Fee}, nil

	case legS.Status == domain.LegAmbiguous && legP.Status == domain.LegFilled:
		resolved, qty := m.pollPosition(ctx, sym, domain.VenueSpot, requestedQty, step, m.cfg.AmbiguousWindow)
		if !resolved {
			return m.escalateManualIntervention(ctx, sym, legS, legP)
		}
		if qty < requestedQty-step {
			m.recoverLeg(ctx, sym, domain.VenuePerp, domain.SideBuy, legP.FilledQty)
			return domain.ExecutionOutcome{Kind: domain.OutcomeLegOrphaned, OrphanedVenue: domain.VenuePerp, Recovered: true, Reason: "ENTRY_ABORTED_LEG_RECOVERED"}, domain.ErrLegImbalance
		}
		return domain.ExecutionOutcome{Kind: domain.OutcomeBothFilled, FilledQuantity: requestedQty, AvgSpotPrice: legS.AvgPrice, AvgPerpPrice: legP.AvgPrice, FeesQuote: legS.Fee + legP.Fee}, nil

	case legS.Status == domain.LegAmbiguous && legP.Status == domain.LegAmbiguous:
		spotResolved, spotQty := m.pollPosition(ctx, sym, domain.VenueSpot, requestedQty, step, m.cfg.ManualInterventionWindow)
		perpResolved, perpQty := m.pollPosition(ctx, sym, domain.VenuePerp, -requestedQty, step, m.cfg.ManualInterventionWindow)
		if !spotResolved || !perpResolved {
			return m.escalateManualIntervention(ctx, sym, legS, legP)
		}
		spotFilled := spotQty >= requestedQty-step
		perpFilled := perpQty <= -requestedQty+step
		switch {
		case spotFilled && perpFilled:
			return domain.ExecutionOutcome{Kind: domain.OutcomeBothFilled, FilledQuantity: requestedQty}, nil
		case spotFilled && !perpFilled:
			m.recoverLeg(ctx, sym, domain.VenueSpot, domain.SideSell, spotQty)
			return domain.ExecutionOutcome{Kind: domain.OutcomeLegOrphaned, OrphanedVenue: domain.VenueSpot, Recovered: true, Reason: "ENTRY_ABORTED_LEG_RECOVERED"}, domain.ErrLegImbalance
		case !spotFilled && perpFilled:
			m.recoverLeg(ctx, sym, domain.VenuePerp, domain.SideBuy, -perpQty)
			return domain.ExecutionOutcome{Kind: domain.OutcomeLegOrphaned, OrphanedVenue: domain.VenuePerp, Recovered: true, Reason: "ENTRY_ABORTED_LEG_RECOVERED"}, domain.ErrLegImbalance
		default:
			return domain.ExecutionOutcome{Kind: domain.OutcomeBothFailed, Reason: "ENTRY_ABORTED_CLEAN"}, nil
		}
	}
	return m.escalateManualIntervention(ctx, sym, legS, legP)
}

// reconcileFilledPair implements step 5: if filled quantities differ
// by more than one step size, market-close the excess on the larger
// leg before reporting the common quantity.
func (m *Manager) reconcileFilledPair(ctx context.Context, sym domain.Symbol, step float64, legS, legP domain.LegOutcome) (domain.ExecutionOutcome, error) {
	common := legS.FilledQty
	if legP.FilledQty < common {
		common = legP.FilledQty
	}
	if !domain.WithinStep(legS.FilledQty, legP.FilledQty, step) {
		if legS.FilledQty > legP.FilledQty {
			excess := legS.FilledQty - common
			m.recoverLeg(ctx, sym, domain.VenueSpot, domain.SideSell, excess)
		} else {
			excess := legP.FilledQty - common
			m.recoverLeg(ctx, sym, domain.VenuePerp, domain.SideBuy, excess)
		}
	}
	return domain.ExecutionOutcome{
		Kind:           domain.OutcomeBothFilled,
		FilledQuantity: common,
		AvgSpotPrice:   legS.AvgPrice,
		AvgPerpPrice:   legP.AvgPrice,
		FeesQuote:      legS.Fee + legP.Fee,
	}, nil
}

// recoverLeg immediately reverses an orphaned fill. Errors are logged
// rather than returned: a failed recovery leaves an unresolved
// venue-side exposure, so it sets the manual-intervention flag and new
// entries halt until an operator clears it.
func (m *Manager) recoverLeg(ctx context.Context, sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64) {
	if qty <= 0 {
		return
	}
	recoverCtx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
	defer cancel()
	if _, err := m.gw.PlaceMarketOrder(recoverCtx, sym, venue, side, qty, m.newID()); err != nil {
		m.log.Error("leg recovery failed", zap.String("symbol", sym.String()), zap.String("venue", string(venue)), zap.Error(err))
		m.manualIntervention.Store(true)
		m.metrics.ManualIntervention.Inc()
		return
	}
	m.metrics.LegRecoveries.Inc()
}

// pollPosition polls venue-side position/balance for window at
// AmbiguousPoll intervals until it matches expectedQty within one
// step or is non-zero with the same sign as expectedQty, or the window
// elapses.
func (m *Manager) pollPosition(ctx context.Context, sym domain.Symbol, venue domain.Venue, expectedQty, step float64, window time.Duration) (resolved bool, qty float64) {
	deadline := time.Now().Add(window)
	for {
		observed, err := m.gw.FetchPosition(ctx, sym, venue)
		if err == nil {
			qty = observed
			if domain.WithinStep(observed, expectedQty, step) || signMatches(observed, expectedQty) {
				return true, observed
			}
		}
		if time.Now().After(deadline) {
			return false, qty
		}
		select {
		case <-ctx.Done():
			return false, qty
		case <-time.After(m.cfg.AmbiguousPoll):
		}
	}
}

func signMatches(observed, expected float64) bool {
	if expected == 0 {
		return observed == 0
	}
	return (observed > 0) == (expected > 0) && observed != 0
}

// escalateManualIntervention is reached when an ambiguous leg cannot
// be resolved within the bounded time budget: entries halt globally
// until an operator clears the flag by hand.
func (m *Manager) escalateManualIntervention(ctx context.Context, sym domain.Symbol, legS, legP domain.LegOutcome) (domain.ExecutionOutcome, error) {
	m.manualIntervention.Store(true)
	m.metrics.ManualIntervention.Inc()
	m.log.Error("manual intervention required: ambiguous leg outcome unresolved",
		zap.String("symbol", sym.String()),
		zap.String("spot_status", string(legS.Status)),
		zap.String("perp_status", string(legP.Status)),
	)
	return domain.ExecutionOutcome{Kind: domain.OutcomeManualIntervention, Reason: "MANUAL_INTERVENTION"}, domain.ErrManualIntervention
}

// ExecuteExit mirrors ExecuteEntry with reversed sides, using the
// position's recorded quantities. It transitions pos to CLOSING on
// entry and to CLOSED only once both legs confirm filled; a failed
// attempt keeps it in CLOSING and retries with backoff up to
// ExitRetryAttempts before escalating to MANUAL_INTERVENTION.
func (m *Manager) ExecuteExit(ctx context.Context, pos *domain.ActivePosition) (domain.ExecutionOutcome, error) {
	lock := m.symbolLock(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := pos.Transition(domain.PositionClosing); err != nil {
		return domain.ExecutionOutcome{}, err
	}

	attempts := m.cfg.ExitRetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastOutcome domain.ExecutionOutcome
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		spotRules, perpRules, err := m.gw.FetchInstrumentRules(ctx, pos.Symbol)
		if err != nil {
			lastErr = err
			continue
		}
		step := domain.CoarserStep(spotRules.StepSize, perpRules.StepSize)

		outcomes := m.dispatchLegs(ctx, []legJob{
			{symbol: pos.Symbol, venue: domain.VenueSpot, side: domain.SideSell, qty: pos.SpotQuantity},
			{symbol: pos.Symbol, venue: domain.VenuePerp, side: domain.SideBuy, qty: pos.PerpShortQuantity},
		})
		outcome, err := m.resolveEntry(ctx, pos.Symbol, pos.SpotQuantity, step, outcomes[0], outcomes[1])
		lastOutcome, lastErr = outcome, err
		if outcome.Kind == domain.OutcomeBothFilled {
			if transitionErr := pos.Transition(domain.PositionClosed); transitionErr != nil {
				return outcome, transitionErr
			}
			return outcome, nil
		}
		if errors.Is(err, domain.ErrManualIntervention) {
			return outcome, err
		}
		if attempt < attempts-1 {
			if sleepErr := sleepWithBackoff(ctx, attempt); sleepErr != nil {
				return lastOutcome, sleepErr
			}
		}
	}
	m.manualIntervention.Store(true)
	m.metrics.ExitFailed.Inc()
	return lastOutcome, fmt.Errorf("exit exhausted %d attempts: %w", attempts, lastErr)
}

// ExecuteRebalanceShrink partially closes an open position to bring
// margin usage back toward target: sell ratio*SpotQuantity on spot and
// buy-to-cover ratio*PerpShortQuantity on perp, as one coordinated
// two-leg operation, then shrinks the position's recorded quantities on
// success.
func (m *Manager) ExecuteRebalanceShrink(ctx context.Context, pos *domain.ActivePosition, ratio float64) (domain.ExecutionOutcome, error) {
	if ratio <= 0 || ratio > 1 {
		return domain.ExecutionOutcome{}, fmt.Errorf("rebalance shrink ratio %.4f out of range", ratio)
	}
	m.metrics.RebalanceAttempts.Inc()

	lock := m.symbolLock(pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	spotRules, perpRules, err := m.gw.FetchInstrumentRules(ctx, pos.Symbol)
	if err != nil {
		return domain.ExecutionOutcome{}, err
	}
	step := domain.CoarserStep(spotRules.StepSize, perpRules.StepSize)

	spotQty := domain.RoundDownToStep(ratio*pos.SpotQuantity, step)
	perpQty := domain.RoundDownToStep(ratio*pos.PerpShortQuantity, step)
	if spotQty <= 0 || perpQty <= 0 {
		return domain.ExecutionOutcome{}, domain.ErrInvalidQuantity
	}

	outcomes := m.dispatchLegs(ctx, []legJob{
		{symbol: pos.Symbol, venue: domain.VenueSpot, side: domain.SideSell, qty: spotQty},
		{symbol: pos.Symbol, venue: domain.VenuePerp, side: domain.SideBuy, qty: perpQty},
	})
	outcome, err := m.resolveEntry(ctx, pos.Symbol, spotQty, step, outcomes[0], outcomes[1])
	if err != nil {
		return outcome, err
	}
	if outcome.Kind != domain.OutcomeBothFilled {
		return outcome, nil
	}

	pos.SpotQuantity -= spotQty
	pos.PerpShortQuantity -= perpQty
	pos.TotalFeesQuote += outcome.FeesQuote
	return outcome, nil
}

func sleepWithBackoff(ctx context.Context, attempt int) error {
	d := time.Second << attempt
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
