package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"carrybot/internal/domain"
	"carrybot/internal/gateway/ws"
)

// HTTPGateway is the production Gateway: REST info queries plus
// signed, msgpack-framed write actions, fronted by a shared rate
// limiter and a query retry/backoff policy. Queries are retried up to
// 5 times; writes are never retried by the gateway
// itself — an ambiguous write surfaces as ErrAmbiguousWrite and it is
// the OrderManager's job to decide what happens next.
type HTTPGateway struct {
	rest    *RestClient
	limiter *limiterGate
	backoff backoffPolicy
	log     *zap.Logger

	feed *ws.Feed

	mu       sync.RWMutex
	assetIdx map[string]int              // symbol base -> perp asset index
	rules    map[string]domain.Symbol    // symbol base -> resolved Symbol
	szDec    map[string]int              // symbol base -> size decimals
}

// WithFeed attaches a push-feed cache that FetchTicker/FetchFundingRate
// consult before falling back to REST; nil leaves the gateway
// REST-only.
func (g *HTTPGateway) WithFeed(feed *ws.Feed) *HTTPGateway {
	g.feed = feed
	return g
}

// limiterGate is the thin adapter between golang.org/x/time/rate and
// the gateway's retry loop — isolated so tests can swap in a
// zero-wait limiter.
type limiterGate struct {
	wait func(ctx context.Context) error
}

func NewHTTPGateway(rest *RestClient, requestsPerSecond float64, burst int, log *zap.Logger) *HTTPGateway {
	limiter := newLimiter(requestsPerSecond, burst)
	return &HTTPGateway{
		rest:     rest,
		limiter:  &limiterGate{wait: limiter.Wait},
		backoff:  defaultBackoff(),
		log:      log,
		assetIdx: make(map[string]int),
		rules:    make(map[string]domain.Symbol),
		szDec:    make(map[string]int),
	}
}

// maxQueryAttempts is one initial attempt plus up to 5 retries.
const maxQueryAttempts = 6

// query runs fn with the shared rate limiter and retries every error
// fn returns (it does not tell transient failures from permanent ones)
// on an exponential/jittered backoff schedule, up to maxQueryAttempts.
func (g *HTTPGateway) query(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxQueryAttempts; attempt++ {
		if err := g.limiter.wait(ctx); err != nil {
			return err
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			if g.log != nil {
				g.log.Warn("gateway query failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			}
			if attempt == maxQueryAttempts-1 {
				break
			}
			if err := g.backoff.sleep(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("gateway query exhausted %d attempts: %w", maxQueryAttempts, lastErr)
}

func (g *HTTPGateway) ListPerpSymbols(ctx context.Context) ([]domain.Symbol, error) {
	var symbols []domain.Symbol
	err := g.query(ctx, func(ctx context.Context) error {
		resp, err := g.rest.InfoAny(ctx, map[string]string{"type": "meta"})
		if err != nil {
			return err
		}
		universe, szDecimals, err := parseUniverse(resp)
		if err != nil {
			return err
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		symbols = symbols[:0]
		for idx, base := range universe {
			g.assetIdx[base] = idx
			g.szDec[base] = szDecimals[idx]
			sym := domain.Symbol{Base: base, Quote: "USDC", SpotInstrument: base + "/USDC", PerpInstrument: base}
			g.rules[base] = sym
			symbols = append(symbols, sym)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return symbols, nil
}

func (g *HTTPGateway) FetchFundingRate(ctx context.Context, sym domain.Symbol) (float64, error) {
	if g.feed != nil {
		if rate, fresh := g.feed.FundingRate(sym.Base); fresh {
			return rate, nil
		}
	}
	var rate float64
	err := g.query(ctx, func(ctx context.Context) error {
		resp, err := g.rest.Info(ctx, map[string]string{"type": "fundingRate", "coin": sym.Base})
		if err != nil {
			return err
		}
		val, ok := resp["fundingRate"]
		if !ok {
			return fmt.Errorf("fundingRate missing from response for %s", sym)
		}
		rate = toFloat(val)
		return nil
	})
	return rate, err
}

func (g *HTTPGateway) FetchTicker(ctx context.Context, sym domain.Symbol) (float64, float64, error) {
	if g.feed != nil {
		if spotMid, perpMark, fresh := g.feed.Ticker(sym.Base); fresh {
			return spotMid, perpMark, nil
		}
	}
	var spotMid, perpMark float64
	err := g.query(ctx, func(ctx context.Context) error {
		resp, err := g.rest.Info(ctx, map[string]string{"type": "ticker", "coin": sym.Base})
		if err != nil {
			return err
		}
		spotMid = toFloat(resp["spotMid"])
		perpMark = toFloat(resp["markPx"])
		if spotMid <= 0 || perpMark <= 0 {
			return fmt.Errorf("ticker missing prices for %s", sym)
		}
		return nil
	})
	return spotMid, perpMark, err
}

func (g *HTTPGateway) Fetch24hVolume(ctx context.Context, sym domain.Symbol) (float64, error) {
	var vol float64
	err := g.query(ctx, func(ctx context.Context) error {
		resp, err := g.rest.Info(ctx, map[string]string{"type": "volume24h", "coin": sym.Base})
		if err != nil {
			return err
		}
		vol = toFloat(resp["dayNtlVlm"])
		return nil
	})
	return vol, err
}

func (g *HTTPGateway) FetchInstrumentRules(ctx context.Context, sym domain.Symbol) (domain.InstrumentRules, domain.InstrumentRules, error) {
	g.mu.RLock()
	szDec, ok := g.szDec[sym.Base]
	g.mu.RUnlock()
	if !ok {
		if _, err := g.ListPerpSymbols(ctx); err != nil {
			return domain.InstrumentRules{}, domain.InstrumentRules{}, err
		}
		g.mu.RLock()
		szDec = g.szDec[sym.Base]
		g.mu.RUnlock()
	}
	step := math.Pow(10, -float64(szDec))
	rules := domain.InstrumentRules{MinSize: step, StepSize: step, TickSize: step}
	return rules, rules, nil
}

func (g *HTTPGateway) PlaceMarketOrder(ctx context.Context, sym domain.Symbol, venue domain.Venue, side domain.Side, qty float64, clientOrderID string) (domain.LegOutcome, error) {
	g.mu.RLock()
	asset, ok := g.assetIdx[sym.Base]
	szDec := g.szDec[sym.Base]
	g.mu.RUnlock()
	if !ok {
		return domain.LegOutcome{}, fmt.Errorf("unknown asset %s: %w", sym, domain.ErrInvalidQuantity)
	}
	if step := math.Pow(10, -float64(szDec)); math.Abs(domain.RoundDownToStep(qty, step)-qty) > 1e-9 {
		return domain.LegOutcome{}, fmt.Errorf("quantity %v is not a multiple of step %v for %s: %w", qty, step, sym, domain.ErrInvalidQuantity)
	}

	_, perpMark, err := g.FetchTicker(ctx, sym)
	if err != nil {
		return domain.LegOutcome{}, err
	}
	limit := slippageLimit(perpMark, side)

	order, err := MarketOrderWire(asset, side == domain.SideBuy, qty, limit, venue == domain.VenuePerp && side == domain.SideSell, clientOrderID)
	if err != nil {
		return domain.LegOutcome{}, fmt.Errorf("%w: %v", domain.ErrInvalidQuantity, err)
	}

	if err := g.limiter.wait(ctx); err != nil {
		return domain.LegOutcome{}, err
	}
	resp, err := g.rest.PlaceOrder(ctx, order)
	if err != nil {
		// Writes are never retried by the gateway: the caller cannot
		// distinguish "rejected before reaching the venue" from "the
		// venue received it but the response never arrived" on a bare
		// transport error, so it is surfaced as ambiguous rather than
		// silently retried.
		return domain.LegOutcome{Venue: venue, Status: domain.LegAmbiguous, Err: err}, fmt.Errorf("%w: %v", domain.ErrAmbiguousWrite, err)
	}

	status, ok := resp["status"]
	if ok && status == "err" {
		return domain.LegOutcome{Venue: venue, Status: domain.LegRejectedPre, Err: fmt.Errorf("%v", resp)}, domain.ErrRejectedPrePlace
	}

	orderID := OrderIDFromResponse(resp)
	if orderID == "" {
		return domain.LegOutcome{Venue: venue, Status: domain.LegAmbiguous, Err: fmt.Errorf("no order id in response")}, domain.ErrAmbiguousWrite
	}

	return domain.LegOutcome{
		Venue:     venue,
		Status:    domain.LegFilled,
		FilledQty: qty,
		AvgPrice:  limit,
	}, nil
}

func (g *HTTPGateway) Transfer(ctx context.Context, amountQuote float64, toPerp bool) error {
	if err := g.limiter.wait(ctx); err != nil {
		return err
	}
	_, err := g.rest.Transfer(ctx, amountQuote, toPerp)
	return err
}

func (g *HTTPGateway) FetchPosition(ctx context.Context, sym domain.Symbol, venue domain.Venue) (float64, error) {
	var qty float64
	err := g.query(ctx, func(ctx context.Context) error {
		resp, err := g.rest.Info(ctx, map[string]string{"type": "clearinghouseState"})
		if err != nil {
			return err
		}
		if venue == domain.VenueSpot {
			qty = toFloat(resp["spotBalance_"+sym.Base])
			return nil
		}
		qty = toFloat(resp["perpPosition_"+sym.Base])
		return nil
	})
	return qty, err
}

func (g *HTTPGateway) FetchAccount(ctx context.Context) (domain.AccountState, error) {
	var state domain.AccountState
	err := g.query(ctx, func(ctx context.Context) error {
		resp, err := g.rest.Info(ctx, map[string]string{"type": "clearinghouseState"})
		if err != nil {
			return err
		}
		equity := toFloat(resp["accountValue"])
		used := toFloat(resp["totalMarginUsed"])
		withdrawable := toFloat(resp["withdrawable"])
		usage := 0.0
		if equity > 0 {
			usage = used / equity
		}
		state = domain.AccountState{
			WithdrawableBalance: withdrawable,
			MarginUsed:          used,
			MarginUsagePct:      usage,
			AccountEquity:       equity,
			SampledAt:           time.Now().UTC(),
		}
		return nil
	})
	return state, err
}

// slippageLimit derives an IOC limit price that guarantees the order
// crosses the book: 1% through mark in the direction of the trade.
func slippageLimit(mark float64, side domain.Side) float64 {
	const band = 0.01
	if side == domain.SideBuy {
		return mark * (1 + band)
	}
	return mark * (1 - band)
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		var f float64
		_, _ = fmt.Sscanf(val, "%f", &f)
		return f
	default:
		return 0
	}
}

func parseUniverse(resp any) ([]string, []int, error) {
	top, ok := resp.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected meta response shape")
	}
	rawUniverse, ok := top["universe"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf("meta response missing universe")
	}
	names := make([]string, 0, len(rawUniverse))
	decimals := make([]int, 0, len(rawUniverse))
	for _, entry := range rawUniverse {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		names = append(names, name)
		decimals = append(decimals, int(toFloat(m["szDecimals"])))
	}
	return names, decimals, nil
}
