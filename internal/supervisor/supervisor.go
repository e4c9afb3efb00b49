// Package supervisor implements the Supervisor: the sole owner of the
// ActivePosition registry, the process-wide kill switch, and the main
// tick loop that drives entry selection and, ultimately, the drain
// that terminates the process.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"carrybot/internal/domain"
	"carrybot/internal/guardian"
	"carrybot/internal/history"
	"carrybot/internal/metrics"
	"carrybot/internal/telemetry"
)

// Exit codes the process returns on termination.
const (
	ExitClean              = 0
	ExitAuthFailure        = 1
	ExitManualIntervention = 2
	ExitDrainTimeout       = 3
)

// Gateway is the subset the Supervisor needs directly: resuming a
// position on startup requires venue-side truth to reconcile against.
// Embeds guardian.Gateway since the Supervisor is also what wires up
// each position's Guardian.
type Gateway interface {
	guardian.Gateway
	FetchPosition(ctx context.Context, sym domain.Symbol, venue domain.Venue) (float64, error)
}

// Executor is the subset of executor.Manager the Supervisor and every
// Guardian it spawns depend on.
type Executor interface {
	ExecuteEntry(ctx context.Context, sym domain.Symbol, notionalQuote float64) (*domain.ActivePosition, domain.ExecutionOutcome, error)
	ExecuteExit(ctx context.Context, pos *domain.ActivePosition) (domain.ExecutionOutcome, error)
	ExecuteRebalanceShrink(ctx context.Context, pos *domain.ActivePosition, ratio float64) (domain.ExecutionOutcome, error)
	ManualInterventionEngaged() bool
}

// PositionStore is the subset of sqlite.PositionStore the Supervisor
// persists through.
type PositionStore interface {
	Insert(ctx context.Context, pos *domain.ActivePosition) error
	UpdateState(ctx context.Context, id string, state domain.PositionState) error
}

// ManualInterventionNotifier is the narrow interface
// telemetry.NotifyingSink satisfies; kept local so this package
// doesn't need to know about Telegram wiring.
type ManualInterventionNotifier interface {
	NotifyManualIntervention(reason string)
}

// Config holds the Supervisor's global limits and main tick period.
type Config struct {
	Period           time.Duration
	MaxOpenPositions int
	DrainTimeout     time.Duration
	NotionalPerEntry float64
}

// Supervisor owns the registry map[symbol]*ActivePosition behind a
// sync.RWMutex and the kill switch as an atomic.Bool: flat,
// field-level concurrency rather than one lock per position.
type Supervisor struct {
	mu       sync.RWMutex
	registry map[string]*domain.ActivePosition
	cancels  map[string]context.CancelFunc

	killSwitch atomic.Bool

	exec        Executor
	gw          Gateway
	guardianCfg guardian.Config
	cfg         Config
	store       PositionStore
	log         *zap.Logger

	metrics  *metrics.Metrics
	sink     telemetry.Sink
	notifier ManualInterventionNotifier
	history  *history.Writer

	wg sync.WaitGroup
}

func New(exec Executor, gw Gateway, store PositionStore, cfg Config, guardianCfg guardian.Config, log *zap.Logger) *Supervisor {
	return &Supervisor{
		registry:    make(map[string]*domain.ActivePosition),
		cancels:     make(map[string]context.CancelFunc),
		exec:        exec,
		gw:          gw,
		guardianCfg: guardianCfg,
		cfg:         cfg,
		store:       store,
		log:         log,
		metrics:     metrics.NewNoop(),
		sink:        telemetry.NewNoop(),
	}
}

// WithMetrics attaches the kill-switch counters and is threaded into
// every Guardian this Supervisor spawns; nil leaves the existing
// (noop) Metrics in place.
func (s *Supervisor) WithMetrics(mx *metrics.Metrics) *Supervisor {
	if mx != nil {
		s.metrics = mx
	}
	return s
}

// WithTelemetry attaches the Sink threaded into every Guardian this
// Supervisor spawns; nil leaves the existing (noop) Sink in place.
func (s *Supervisor) WithTelemetry(sink telemetry.Sink) *Supervisor {
	if sink != nil {
		s.sink = sink
	}
	return s
}

// WithNotifier attaches the operator alert channel for MANUAL_INTERVENTION
// escalations; nil leaves
// the Supervisor silent on escalation beyond its own log line.
func (s *Supervisor) WithNotifier(n ManualInterventionNotifier) *Supervisor {
	s.notifier = n
	return s
}

// WithHistory attaches a Writer threaded into every Guardian this
// Supervisor spawns; nil disables recording.
func (s *Supervisor) WithHistory(w *history.Writer) *Supervisor {
	s.history = w
	return s
}

// OpenPositionCount reports how many positions are currently tracked,
// used by entry selection to enforce max_open_positions.
func (s *Supervisor) OpenPositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registry)
}

// KillSwitchEngaged reports the current kill-switch state.
func (s *Supervisor) KillSwitchEngaged() bool {
	return s.killSwitch.Load()
}

// EngageKillSwitch sets the kill switch directly — used at startup
// when EMERGENCY_STOP=true, and by operator tooling.
func (s *Supervisor) EngageKillSwitch() {
	if !s.killSwitch.Swap(true) {
		s.metrics.KillSwitchEngaged.Inc()
	}
}

// Resume reconciles previously-persisted OPEN/CLOSING positions
// against live exchange state on startup: any discrepancy beyond one
// step size raises MANUAL_INTERVENTION rather than guessing which side
// is correct.
func (s *Supervisor) Resume(ctx context.Context, positions []*domain.ActivePosition, step float64) error {
	for _, pos := range positions {
		spotQty, err := s.gw.FetchPosition(ctx, pos.Symbol, domain.VenueSpot)
		if err != nil {
			return err
		}
		perpQty, err := s.gw.FetchPosition(ctx, pos.Symbol, domain.VenuePerp)
		if err != nil {
			return err
		}
		if !domain.WithinStep(spotQty, pos.SpotQuantity, step) || !domain.WithinStep(absFloat(perpQty), pos.PerpShortQuantity, step) {
			s.log.Error("startup reconciliation mismatch",
				zap.String("symbol", pos.Symbol.String()),
				zap.Float64("recorded_spot", pos.SpotQuantity), zap.Float64("live_spot", spotQty),
				zap.Float64("recorded_perp", pos.PerpShortQuantity), zap.Float64("live_perp", perpQty),
			)
			s.metrics.ManualIntervention.Inc()
			if s.notifier != nil {
				s.notifier.NotifyManualIntervention(fmt.Sprintf("startup reconciliation mismatch on %s", pos.Symbol.String()))
			}
			return domain.ErrManualIntervention
		}
		s.mu.Lock()
		s.registry[pos.Symbol.String()] = pos
		s.mu.Unlock()
		s.spawnGuardian(pos)
	}
	return nil
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Run drives the main tick loop: polls the kill switch and manual
// intervention flag every Config.Period, and opens entries as ranked
// candidates arrive on the channel (published by the Scanner's own
// ticker). It returns one of the Exit* codes once the process should
// terminate.
func (s *Supervisor) Run(ctx context.Context, candidates <-chan []domain.TargetCandidate) int {
	if strings.EqualFold(os.Getenv("EMERGENCY_STOP"), "true") {
		s.EngageKillSwitch()
	}

	period := s.cfg.Period
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExitClean

		case cands, ok := <-candidates:
			if !ok {
				candidates = nil
				continue
			}
			if !s.killSwitch.Load() && !s.exec.ManualInterventionEngaged() {
				s.onCandidates(ctx, cands)
			}

		case <-ticker.C:
			if strings.EqualFold(os.Getenv("EMERGENCY_STOP"), "true") {
				s.EngageKillSwitch()
			}
			if s.exec.ManualInterventionEngaged() {
				s.log.Error("manual intervention raised, halting")
				if s.notifier != nil {
					s.notifier.NotifyManualIntervention("order execution escalated an unresolved ambiguous leg")
				}
				return ExitManualIntervention
			}
			if s.killSwitch.Load() {
				return s.drain(ctx)
			}
		}
	}
}

// onCandidates walks the ranked candidates and opens positions until
// the cap is reached, skipping symbols already in the registry.
// Requests above the cap are dropped, never queued.
func (s *Supervisor) onCandidates(ctx context.Context, candidates []domain.TargetCandidate) {
	s.mu.RLock()
	open := len(s.registry)
	taken := make(map[string]bool, len(s.registry))
	for key := range s.registry {
		taken[key] = true
	}
	s.mu.RUnlock()

	for _, c := range candidates {
		if open >= s.cfg.MaxOpenPositions {
			return
		}
		key := c.Snapshot.Symbol.String()
		if taken[key] {
			continue
		}
		if err := s.openEntry(ctx, c.Snapshot.Symbol); err != nil {
			s.log.Warn("entry attempt failed", zap.String("symbol", key), zap.Error(err))
			continue
		}
		taken[key] = true
		open++
	}
}

func (s *Supervisor) openEntry(ctx context.Context, sym domain.Symbol) error {
	pos, outcome, err := s.exec.ExecuteEntry(ctx, sym, s.cfg.NotionalPerEntry)
	if err != nil {
		return err
	}
	if outcome.Kind != domain.OutcomeBothFilled || pos == nil {
		return nil
	}

	s.mu.Lock()
	s.registry[sym.String()] = pos
	s.mu.Unlock()

	if s.store != nil {
		if storeErr := s.store.Insert(ctx, pos); storeErr != nil {
			s.log.Error("failed to persist new position", zap.String("symbol", sym.String()), zap.Error(storeErr))
		}
	}
	s.spawnGuardian(pos)
	return nil
}

func (s *Supervisor) spawnGuardian(pos *domain.ActivePosition) {
	gctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[pos.Symbol.String()] = cancel
	s.mu.Unlock()

	g := guardian.New(pos, s.gw, s.exec, s.guardianCfg, s.log, s.onGuardianClosed).
		WithMetrics(s.metrics).WithTelemetry(s.sink).WithHistory(s.history)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		g.Run(gctx)
	}()
}

func (s *Supervisor) onGuardianClosed(pos *domain.ActivePosition, outcome domain.ExecutionOutcome) {
	s.closePosition(pos)
}

func (s *Supervisor) closePosition(pos *domain.ActivePosition) {
	key := pos.Symbol.String()
	s.mu.Lock()
	delete(s.registry, key)
	if cancel, ok := s.cancels[key]; ok {
		cancel()
		delete(s.cancels, key)
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.UpdateState(context.Background(), pos.ID, domain.PositionClosed); err != nil {
			s.log.Error("failed to persist position close", zap.String("symbol", key), zap.Error(err))
		}
	}
}

// drain implements the kill-switch shutdown sequence: request exit on
// every OPEN/CLOSING position, then wait for the registry to empty or
// the drain timeout to elapse.
func (s *Supervisor) drain(ctx context.Context) int {
	s.mu.RLock()
	positions := make([]*domain.ActivePosition, 0, len(s.registry))
	for _, pos := range s.registry {
		positions = append(positions, pos)
	}
	s.mu.RUnlock()

	for _, pos := range positions {
		pos := pos
		go func() {
			outcome, err := s.exec.ExecuteExit(context.Background(), pos)
			if err == nil && outcome.Kind == domain.OutcomeBothFilled {
				s.closePosition(pos)
			}
		}()
	}

	timeout := s.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.After(timeout)
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-deadline:
			return ExitDrainTimeout
		case <-poll.C:
			if s.OpenPositionCount() == 0 {
				return ExitClean
			}
		}
	}
}
