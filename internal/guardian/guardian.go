// Package guardian implements the PositionGuardian: one per-position
// watchdog loop that samples funding, spread, and margin usage and
// either requests an exit, requests a rebalance, or does nothing, in
// a fixed evaluation order: negative-funding-rate exit, then
// backwardation exit, then margin rebalance.
package guardian

import (
	"context"
	"time"

	"go.uber.org/zap"

	"carrybot/internal/domain"
	"carrybot/internal/history"
	"carrybot/internal/metrics"
	"carrybot/internal/telemetry"
)

// Gateway is the subset of gateway.Gateway the Guardian samples
// directly, declared locally the same way executor.Gateway is.
type Gateway interface {
	FetchFundingRate(ctx context.Context, sym domain.Symbol) (float64, error)
	FetchTicker(ctx context.Context, sym domain.Symbol) (spotMid, perpMark float64, err error)
	FetchAccount(ctx context.Context) (domain.AccountState, error)
	Transfer(ctx context.Context, amountQuote float64, toPerp bool) error
}

// Executor is the subset of executor.Manager the Guardian drives.
type Executor interface {
	ExecuteExit(ctx context.Context, pos *domain.ActivePosition) (domain.ExecutionOutcome, error)
	ExecuteRebalanceShrink(ctx context.Context, pos *domain.ActivePosition, ratio float64) (domain.ExecutionOutcome, error)
}

// Config holds the Guardian's tick period, trigger thresholds, and
// margin rebalance targets.
type Config struct {
	Period             time.Duration
	TickBudget         time.Duration
	ExitFundingRate    float64
	ExitSpread         float64
	NegativeFRDebounce int
	MarginUsageHigh    float64
	MarginUsageTarget  float64
}

// TriggerKind labels what, if anything, a tick decided to do.
type TriggerKind string

const (
	TriggerNone         TriggerKind = "NONE"
	TriggerNegativeFR   TriggerKind = "NEGATIVE_FR_EXIT"
	TriggerBackwardation TriggerKind = "BACKWARDATION_EXIT"
	TriggerRebalance    TriggerKind = "REBALANCE"
)

// TickResult reports what a single Tick observed and decided, used by
// telemetry and tests; Closed is true once ExecuteExit has succeeded.
type TickResult struct {
	Trigger TriggerKind
	Closed  bool
	Outcome domain.ExecutionOutcome
}

// Guardian watches one OPEN ActivePosition. Its debounce counter is a
// plain int field mutated in place rather than a generic counter
// abstraction.
type Guardian struct {
	pos  *domain.ActivePosition
	gw   Gateway
	exec Executor
	cfg  Config
	log  *zap.Logger

	onClosed func(pos *domain.ActivePosition, outcome domain.ExecutionOutcome)
	sink     telemetry.Sink
	metrics  *metrics.Metrics
	history  *history.Writer

	consecutiveNegativeFR int
}

func New(pos *domain.ActivePosition, gw Gateway, exec Executor, cfg Config, log *zap.Logger, onClosed func(*domain.ActivePosition, domain.ExecutionOutcome)) *Guardian {
	return &Guardian{
		pos: pos, gw: gw, exec: exec, cfg: cfg, log: log, onClosed: onClosed,
		sink: telemetry.NewNoop(), metrics: metrics.NewNoop(),
	}
}

// WithTelemetry attaches a Sink the Guardian reports trigger firings
// and wallet samples to; nil leaves the existing (noop) Sink in place.
func (g *Guardian) WithTelemetry(sink telemetry.Sink) *Guardian {
	if sink != nil {
		g.sink = sink
	}
	return g
}

// WithMetrics attaches the rebalance-attempts counter; nil leaves the
// existing (noop) Metrics in place.
func (g *Guardian) WithMetrics(mx *metrics.Metrics) *Guardian {
	if mx != nil {
		g.metrics = mx
	}
	return g
}

// WithHistory attaches a Writer every tick's position snapshot is
// recorded to; nil disables recording.
func (g *Guardian) WithHistory(w *history.Writer) *Guardian {
	g.history = w
	return g
}

// Run ticks the Guardian on its configured period until the position
// closes or ctx is canceled. It is meant to run as its own goroutine,
// one per OPEN position, independent of every other Guardian's tick.
func (g *Guardian) Run(ctx context.Context) {
	period := g.cfg.Period
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := g.Tick(ctx)
			if err != nil {
				g.log.Warn("guardian tick failed", zap.String("symbol", g.pos.Symbol.String()), zap.Error(err))
				continue
			}
			if result.Closed {
				return
			}
		}
	}
}

// Tick samples funding rate, spread, and margin usage once and
// evaluates the exit triggers before the rebalance check: first match
// wins. The tick budget bounds the whole sample+act sequence;
// exceeding it is logged by the caller via ctx's deadline, never
// retried mid-tick.
func (g *Guardian) Tick(ctx context.Context) (TickResult, error) {
	budget := g.cfg.TickBudget
	if budget <= 0 {
		budget = 8 * time.Second
	}
	tickCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	fundingRate, err := g.gw.FetchFundingRate(tickCtx, g.pos.Symbol)
	if err != nil {
		return TickResult{}, err
	}
	spotMid, perpMark, err := g.gw.FetchTicker(tickCtx, g.pos.Symbol)
	if err != nil {
		return TickResult{}, err
	}
	spread := 0.0
	if spotMid != 0 {
		spread = (perpMark - spotMid) / spotMid
	}
	account, err := g.gw.FetchAccount(tickCtx)
	if err != nil {
		return TickResult{}, err
	}
	g.sink.RecordWallet(telemetry.WalletEvent{
		Withdrawable:   account.WithdrawableBalance,
		MarginUsed:     account.MarginUsed,
		MarginUsagePct: account.MarginUsagePct,
		AccountValue:   account.AccountEquity,
	})
	g.history.EnqueuePositionSnapshot(history.PositionSnapshot{
		Time: time.Now().UTC(), Symbol: g.pos.Symbol.String(), State: string(g.pos.State),
		SpotQuantity: g.pos.SpotQuantity, PerpQuantity: g.pos.PerpShortQuantity,
		EntrySpread: g.pos.EntrySpread, TotalFeesQuote: g.pos.TotalFeesQuote,
		MarginUsedPct: account.MarginUsagePct, AccountEquity: account.AccountEquity,
	})

	if g.qualifiesNegativeFR(fundingRate) {
		g.consecutiveNegativeFR++
	} else {
		g.consecutiveNegativeFR = 0
	}

	// Trigger 1: debounced negative-funding-rate exit.
	if g.consecutiveNegativeFR >= g.debounce() {
		g.sink.RecordGuardianTrigger(telemetry.GuardianEvent{
			Symbol: g.pos.Symbol, Trigger: telemetry.TriggerNegativeFR, ConsecutiveNegFR: g.consecutiveNegativeFR,
		})
		return g.requestExit(tickCtx, TriggerNegativeFR)
	}

	// Trigger 2: undebounced backwardation profit-take, fires on a
	// single qualifying sample because the opportunity may be
	// transient.
	if spread <= g.cfg.ExitSpread {
		g.sink.RecordGuardianTrigger(telemetry.GuardianEvent{
			Symbol: g.pos.Symbol, Trigger: telemetry.TriggerBackwardation, Spread: spread,
		})
		return g.requestExit(tickCtx, TriggerBackwardation)
	}

	// No exit trigger fired: consider a margin rebalance.
	if account.MarginUsagePct >= g.cfg.MarginUsageHigh {
		g.sink.RecordGuardianTrigger(telemetry.GuardianEvent{Symbol: g.pos.Symbol, Trigger: telemetry.TriggerRebalance})
		return g.rebalance(tickCtx, account)
	}

	return TickResult{Trigger: TriggerNone}, nil
}

func (g *Guardian) qualifiesNegativeFR(rate float64) bool {
	return rate <= g.cfg.ExitFundingRate || rate <= 0
}

func (g *Guardian) debounce() int {
	if g.cfg.NegativeFRDebounce <= 0 {
		return 3
	}
	return g.cfg.NegativeFRDebounce
}

func (g *Guardian) requestExit(ctx context.Context, trigger TriggerKind) (TickResult, error) {
	outcome, err := g.exec.ExecuteExit(ctx, g.pos)
	if err != nil {
		return TickResult{Trigger: trigger, Outcome: outcome}, err
	}
	if outcome.Kind == domain.OutcomeBothFilled {
		g.sink.RecordTrade(telemetry.TradeEvent{
			Entry: false, Symbol: g.pos.Symbol, Size: outcome.FilledQuantity, ExitType: telemetry.ExitFull,
		})
		if g.onClosed != nil {
			g.onClosed(g.pos, outcome)
		}
		g.log.Info("guardian closed position",
			zap.String("symbol", g.pos.Symbol.String()),
			zap.String("trigger", string(trigger)),
		)
		return TickResult{Trigger: trigger, Closed: true, Outcome: outcome}, nil
	}
	return TickResult{Trigger: trigger, Outcome: outcome}, nil
}

// rebalance responds to high margin usage in two paths: prefer moving
// idle spot collateral to the perp wallet; only shrink the position
// itself when there is no free collateral to move.
func (g *Guardian) rebalance(ctx context.Context, account domain.AccountState) (TickResult, error) {
	target := g.cfg.MarginUsageTarget
	if target <= 0 {
		target = 0.50
	}

	if account.WithdrawableBalance > 0 {
		needed := marginTransferNeeded(account, target)
		amount := needed
		if account.WithdrawableBalance < amount {
			amount = account.WithdrawableBalance
		}
		if amount <= 0 {
			return TickResult{Trigger: TriggerRebalance}, nil
		}
		g.metrics.RebalanceAttempts.Inc()
		if err := g.gw.Transfer(ctx, amount, true); err != nil {
			return TickResult{Trigger: TriggerRebalance}, err
		}
		return TickResult{Trigger: TriggerRebalance}, nil
	}

	ratio := shrinkRatio(account, target)
	if ratio <= 0 {
		return TickResult{Trigger: TriggerRebalance}, nil
	}

	// Re-check before dispatching: margin may have recovered while this
	// tick was sampling, and a rebalance attempt is skipped rather than
	// retried once the condition no longer holds.
	fresh, err := g.gw.FetchAccount(ctx)
	if err != nil {
		return TickResult{Trigger: TriggerRebalance}, err
	}
	if fresh.MarginUsagePct < g.cfg.MarginUsageHigh {
		return TickResult{Trigger: TriggerRebalance}, nil
	}

	outcome, err := g.exec.ExecuteRebalanceShrink(ctx, g.pos, ratio)
	if err == nil && outcome.Kind == domain.OutcomeBothFilled {
		g.sink.RecordTrade(telemetry.TradeEvent{
			Entry: false, Symbol: g.pos.Symbol, Size: outcome.FilledQuantity, ExitType: telemetry.ExitRebalance,
		})
	}
	return TickResult{Trigger: TriggerRebalance, Outcome: outcome}, err
}

// marginTransferNeeded derives the quote amount that would bring
// margin usage down to target, assuming MarginUsed is held fixed and
// equity increases by the transferred amount.
func marginTransferNeeded(account domain.AccountState, target float64) float64 {
	if target <= 0 || target >= 1 {
		return 0
	}
	requiredEquity := account.MarginUsed / target
	needed := requiredEquity - account.AccountEquity
	if needed <= 0 {
		return 0
	}
	return needed
}

// shrinkRatio derives the fraction of the position to close so that
// post-shrink margin usage approximates target, under the
// proportional-exposure assumption that margin used scales linearly
// with position size.
func shrinkRatio(account domain.AccountState, target float64) float64 {
	if account.MarginUsagePct <= 0 || target <= 0 {
		return 0
	}
	ratio := 1 - target/account.MarginUsagePct
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
