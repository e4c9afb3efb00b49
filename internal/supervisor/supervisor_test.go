package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"carrybot/internal/domain"
	"carrybot/internal/guardian"
)

type fakeGateway struct {
	mu        sync.Mutex
	positions map[string]float64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{positions: make(map[string]float64)}
}

func (f *fakeGateway) FetchFundingRate(ctx context.Context, sym domain.Symbol) (float64, error) {
	return 0.0006, nil
}

func (f *fakeGateway) FetchTicker(ctx context.Context, sym domain.Symbol) (float64, float64, error) {
	return 1.0, 1.004, nil
}

func (f *fakeGateway) FetchAccount(ctx context.Context) (domain.AccountState, error) {
	return domain.AccountState{MarginUsagePct: 0.3}, nil
}

func (f *fakeGateway) Transfer(ctx context.Context, amountQuote float64, toPerp bool) error {
	return nil
}

func (f *fakeGateway) FetchPosition(ctx context.Context, sym domain.Symbol, venue domain.Venue) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[sym.String()+":"+string(venue)], nil
}

type fakeExecutor struct {
	mu                sync.Mutex
	manualIntervention bool
	entryQty           float64
	entries            []domain.Symbol
	exits              []string
}

func (f *fakeExecutor) ExecuteEntry(ctx context.Context, sym domain.Symbol, notionalQuote float64) (*domain.ActivePosition, domain.ExecutionOutcome, error) {
	f.mu.Lock()
	f.entries = append(f.entries, sym)
	f.mu.Unlock()
	qty := f.entryQty
	if qty == 0 {
		qty = 100
	}
	pos, err := domain.NewActivePosition(sym.String(), sym, qty, qty, 0.02, 1)
	if err != nil {
		return nil, domain.ExecutionOutcome{}, err
	}
	return pos, domain.ExecutionOutcome{Kind: domain.OutcomeBothFilled, FilledQuantity: qty}, nil
}

func (f *fakeExecutor) ExecuteExit(ctx context.Context, pos *domain.ActivePosition) (domain.ExecutionOutcome, error) {
	f.mu.Lock()
	f.exits = append(f.exits, pos.Symbol.String())
	f.mu.Unlock()
	_ = pos.Transition(domain.PositionClosing)
	_ = pos.Transition(domain.PositionClosed)
	return domain.ExecutionOutcome{Kind: domain.OutcomeBothFilled}, nil
}

func (f *fakeExecutor) ExecuteRebalanceShrink(ctx context.Context, pos *domain.ActivePosition, ratio float64) (domain.ExecutionOutcome, error) {
	return domain.ExecutionOutcome{Kind: domain.OutcomeBothFilled}, nil
}

func (f *fakeExecutor) ManualInterventionEngaged() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manualIntervention
}

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]domain.PositionState
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]domain.PositionState)}
}

func (s *fakeStore) Insert(ctx context.Context, pos *domain.ActivePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pos.ID] = pos.State
	return nil
}

func (s *fakeStore) UpdateState(ctx context.Context, id string, state domain.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = state
	return nil
}

func testGuardianCfg() guardian.Config {
	return guardian.Config{
		Period:             time.Hour,
		TickBudget:         time.Second,
		ExitFundingRate:    0.00005,
		ExitSpread:         -0.01,
		NegativeFRDebounce: 3,
		MarginUsageHigh:    0.80,
		MarginUsageTarget:  0.50,
	}
}

func sym(base string) domain.Symbol {
	return domain.Symbol{Base: base, Quote: "USDT"}
}

func candidate(base string) domain.TargetCandidate {
	return domain.TargetCandidate{Snapshot: domain.MarketSnapshot{Symbol: sym(base)}}
}

func TestOnCandidatesOpensUpToCap(t *testing.T) {
	gw := newFakeGateway()
	ex := &fakeExecutor{}
	store := newFakeStore()
	cfg := Config{MaxOpenPositions: 2, NotionalPerEntry: 100, Period: time.Hour, DrainTimeout: time.Second}

	s := New(ex, gw, store, cfg, testGuardianCfg(), zap.NewNop())
	s.onCandidates(context.Background(), []domain.TargetCandidate{candidate("AAA"), candidate("BBB"), candidate("CCC")})

	if s.OpenPositionCount() != 2 {
		t.Fatalf("expected exactly 2 positions opened (cap), got %d", s.OpenPositionCount())
	}
	if len(ex.entries) != 2 {
		t.Fatalf("expected exactly 2 entry attempts, got %d", len(ex.entries))
	}
}

func TestOnCandidatesSkipsSymbolAlreadyInRegistry(t *testing.T) {
	gw := newFakeGateway()
	ex := &fakeExecutor{}
	store := newFakeStore()
	cfg := Config{MaxOpenPositions: 3, NotionalPerEntry: 100, Period: time.Hour, DrainTimeout: time.Second}

	s := New(ex, gw, store, cfg, testGuardianCfg(), zap.NewNop())
	s.onCandidates(context.Background(), []domain.TargetCandidate{candidate("AAA")})
	s.onCandidates(context.Background(), []domain.TargetCandidate{candidate("AAA"), candidate("BBB")})

	if s.OpenPositionCount() != 2 {
		t.Fatalf("expected 2 distinct positions, got %d", s.OpenPositionCount())
	}
	if len(ex.entries) != 2 {
		t.Fatalf("expected AAA to be attempted only once across both ticks, got %d total attempts", len(ex.entries))
	}
}

func TestResumeRaisesManualInterventionOnMismatch(t *testing.T) {
	gw := newFakeGateway()
	gw.positions[sym("AAA").String()+":spot"] = 50 // recorded position expects 100
	ex := &fakeExecutor{}
	store := newFakeStore()
	cfg := Config{MaxOpenPositions: 3, NotionalPerEntry: 100, Period: time.Hour, DrainTimeout: time.Second}

	s := New(ex, gw, store, cfg, testGuardianCfg(), zap.NewNop())
	pos, err := domain.NewActivePosition("p1", sym("AAA"), 100, 100, 0.02, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = s.Resume(context.Background(), []*domain.ActivePosition{pos}, 1)
	if err != domain.ErrManualIntervention {
		t.Fatalf("expected ErrManualIntervention on reconciliation mismatch, got %v", err)
	}
}

func TestResumeAcceptsMatchingState(t *testing.T) {
	gw := newFakeGateway()
	gw.positions[sym("AAA").String()+":spot"] = 100
	gw.positions[sym("AAA").String()+":perp"] = -100
	ex := &fakeExecutor{}
	store := newFakeStore()
	cfg := Config{MaxOpenPositions: 3, NotionalPerEntry: 100, Period: time.Hour, DrainTimeout: time.Second}

	s := New(ex, gw, store, cfg, testGuardianCfg(), zap.NewNop())
	pos, err := domain.NewActivePosition("p1", sym("AAA"), 100, 100, 0.02, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Resume(context.Background(), []*domain.ActivePosition{pos}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.OpenPositionCount() != 1 {
		t.Fatalf("expected position resumed into registry")
	}
}

func TestRunExitsWithManualInterventionCode(t *testing.T) {
	gw := newFakeGateway()
	ex := &fakeExecutor{manualIntervention: true}
	store := newFakeStore()
	cfg := Config{MaxOpenPositions: 3, NotionalPerEntry: 100, Period: 5 * time.Millisecond, DrainTimeout: time.Second}

	s := New(ex, gw, store, cfg, testGuardianCfg(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code := s.Run(ctx, nil)
	if code != ExitManualIntervention {
		t.Fatalf("expected ExitManualIntervention, got %d", code)
	}
}

func TestRunDrainsOnKillSwitch(t *testing.T) {
	gw := newFakeGateway()
	ex := &fakeExecutor{}
	store := newFakeStore()
	cfg := Config{MaxOpenPositions: 3, NotionalPerEntry: 100, Period: 5 * time.Millisecond, DrainTimeout: time.Second}

	s := New(ex, gw, store, cfg, testGuardianCfg(), zap.NewNop())
	s.onCandidates(context.Background(), []domain.TargetCandidate{candidate("AAA")})
	if s.OpenPositionCount() != 1 {
		t.Fatalf("setup failed: expected 1 open position")
	}

	s.EngageKillSwitch()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	code := s.Run(ctx, nil)
	if code != ExitClean {
		t.Fatalf("expected ExitClean after drain, got %d", code)
	}
	if s.OpenPositionCount() != 0 {
		t.Fatalf("expected registry empty after drain")
	}
}

func TestDrainTimesOutWhenExitNeverCompletes(t *testing.T) {
	gw := newFakeGateway()
	ex := &stuckExecutor{}
	store := newFakeStore()
	cfg := Config{MaxOpenPositions: 3, NotionalPerEntry: 100, Period: 5 * time.Millisecond, DrainTimeout:30 * time.Millisecond}

	s := New(ex, gw, store, cfg, testGuardianCfg(), zap.NewNop())
	s.onCandidates(context.Background(), []domain.TargetCandidate{candidate("AAA")})

	s.EngageKillSwitch()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	code := s.Run(ctx, nil)
	if code != ExitDrainTimeout {
		t.Fatalf("expected ExitDrainTimeout, got %d", code)
	}
}

// stuckExecutor models a venue that never confirms the exit within the
// drain window, exercising the timeout branch of drain().
type stuckExecutor struct {
	fakeExecutor
}

func (s *stuckExecutor) ExecuteExit(ctx context.Context, pos *domain.ActivePosition) (domain.ExecutionOutcome, error) {
	<-ctx.Done()
	return domain.ExecutionOutcome{}, ctx.Err()
}
