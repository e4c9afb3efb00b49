// Package scanner implements the MarketScanner: every tick it lists
// the venue's perpetual symbols, refreshes each one's market data, and
// ranks the symbols that pass the entry filter into an ordered list of
// TargetCandidates.
package scanner

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"carrybot/internal/domain"
	"carrybot/internal/history"
)

// Gateway is the subset of gateway.Gateway the Scanner depends on,
// declared locally so this package has no import-time dependency on
// the gateway package's production wiring.
type Gateway interface {
	ListPerpSymbols(ctx context.Context) ([]domain.Symbol, error)
	FetchFundingRate(ctx context.Context, sym domain.Symbol) (float64, error)
	FetchTicker(ctx context.Context, sym domain.Symbol) (spotMid, perpMark float64, err error)
	Fetch24hVolume(ctx context.Context, sym domain.Symbol) (float64, error)
}

// Config holds the Scanner's filter thresholds and tick period.
type Config struct {
	Period          time.Duration
	QuoteCurrency   string
	MinFundingRate  float64
	MinVolume24h    float64
	MinSpread       float64
	StaleAfterTicks uint64
}

type cacheEntry struct {
	snapshot domain.MarketSnapshot
	tick     uint64
}

// Scanner is safe for single-goroutine use via Run, or for direct
// Tick calls from a caller that owns its own scheduling (as this
// package's tests do).
type Scanner struct {
	gw      Gateway
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	tick    uint64
	history *history.Writer

	cache map[string]cacheEntry
}

func New(gw Gateway, cfg Config, log *zap.Logger) *Scanner {
	if cfg.StaleAfterTicks == 0 {
		cfg.StaleAfterTicks = 2
	}
	return &Scanner{
		gw:    gw,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		cache: make(map[string]cacheEntry),
	}
}

// WithHistory attaches a Writer every freshly-fetched market snapshot
// is recorded to; nil disables recording.
func (s *Scanner) WithHistory(w *history.Writer) *Scanner {
	s.history = w
	return s
}

// Run loops on cfg.Period, publishing each tick's ranked candidate
// list to out.
func (s *Scanner) Run(ctx context.Context, out chan<- []domain.TargetCandidate) error {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			candidates, err := s.Tick(ctx)
			if err != nil {
				s.log.Error("scanner tick failed", zap.Error(err))
				continue
			}
			select {
			case out <- candidates:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Tick performs one scan-filter-rank pass and returns the ranked
// candidate list. A tick that yields zero candidates is a valid,
// non-error outcome.
func (s *Scanner) Tick(ctx context.Context) ([]domain.TargetCandidate, error) {
	s.tick++
	symbols, err := s.gw.ListPerpSymbols(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.TargetCandidate, 0, len(symbols))
	for _, sym := range symbols {
		snap, ok := s.refresh(ctx, sym)
		if !ok {
			continue
		}
		if s.passesFilter(snap) {
			candidates = append(candidates, domain.TargetCandidate{Snapshot: snap})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Snapshot, candidates[j].Snapshot
		if a.FundingRate != b.FundingRate {
			return a.FundingRate > b.FundingRate
		}
		if a.Volume24hQuote != b.Volume24hQuote {
			return a.Volume24hQuote > b.Volume24hQuote
		}
		return a.Symbol.String() < b.Symbol.String()
	})
	return candidates, nil
}

// refresh fetches fresh market data for sym. On any per-symbol fetch
// error it falls back to the last cached snapshot if one exists and
// is not yet stale; a symbol with no fetch and no usable cache entry
// is skipped for this tick. Fetch errors are logged as warnings.
func (s *Scanner) refresh(ctx context.Context, sym domain.Symbol) (domain.MarketSnapshot, bool) {
	fundingRate, err := s.gw.FetchFundingRate(ctx, sym)
	if err == nil {
		var spotMid, perpMark, volume float64
		spotMid, perpMark, err = s.gw.FetchTicker(ctx, sym)
		if err == nil {
			volume, err = s.gw.Fetch24hVolume(ctx, sym)
		}
		if err == nil {
			snap := domain.MarketSnapshot{
				Symbol:         sym,
				FundingRate:    fundingRate,
				SpotMid:        spotMid,
				PerpMark:       perpMark,
				Volume24hQuote: volume,
				ObservedAt:     s.now(),
				TickIndex:      s.tick,
			}
			s.cache[sym.String()] = cacheEntry{snapshot: snap, tick: s.tick}
			s.history.EnqueueMarketSnapshot(history.MarketSnapshot{
				Time: snap.ObservedAt, Symbol: sym.String(), FundingRate: fundingRate,
				SpotMid: spotMid, PerpMark: perpMark, Volume24h: volume, Spread: snap.Spread(),
			})
			return snap, true
		}
	}

	s.log.Warn("market data fetch failed, checking cache", zap.String("symbol", sym.String()), zap.Error(err))
	entry, ok := s.cache[sym.String()]
	if !ok || s.tick-entry.tick > s.cfg.StaleAfterTicks {
		return domain.MarketSnapshot{}, false
	}
	return entry.snapshot, true
}

// passesFilter applies the four-part filter: quote currency, minimum
// funding rate, minimum 24h volume, minimum spread. A symbol whose
// Quote is set and differs from the configured QuoteCurrency is
// rejected; a symbol with an empty Quote passes the quote check.
func (s *Scanner) passesFilter(snap domain.MarketSnapshot) bool {
	if s.cfg.QuoteCurrency != "" && snap.Symbol.Quote != "" && snap.Symbol.Quote != s.cfg.QuoteCurrency {
		return false
	}
	if snap.FundingRate < s.cfg.MinFundingRate {
		return false
	}
	if snap.Volume24hQuote < s.cfg.MinVolume24h {
		return false
	}
	spread := snap.Spread()
	if spread < s.cfg.MinSpread || spread <= 0 {
		return false
	}
	return true
}
