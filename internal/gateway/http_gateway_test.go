package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"carrybot/internal/domain"
)

func TestQueryRetriesThenSucceeds(t *testing.T) {
	g := &HTTPGateway{
		limiter: &limiterGate{wait: func(ctx context.Context) error { return nil }},
		backoff: backoffPolicy{base: time.Millisecond, factor: 1, cap: time.Millisecond},
	}
	attempts := 0
	err := g.query(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestQueryExhaustsAttempts(t *testing.T) {
	g := &HTTPGateway{
		limiter: &limiterGate{wait: func(ctx context.Context) error { return nil }},
		backoff: backoffPolicy{base: time.Millisecond, factor: 1, cap: time.Millisecond},
	}
	attempts := 0
	err := g.query(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if attempts != maxQueryAttempts {
		t.Fatalf("expected %d attempts, got %d", maxQueryAttempts, attempts)
	}
}

func TestQueryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := &HTTPGateway{
		limiter: &limiterGate{wait: func(ctx context.Context) error { return ctx.Err() }},
		backoff: defaultBackoff(),
	}
	err := g.query(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSlippageLimitDirection(t *testing.T) {
	buyLimit := slippageLimit(100, domain.SideBuy)
	if buyLimit <= 100 {
		t.Fatalf("expected buy limit above mark, got %v", buyLimit)
	}
	sellLimit := slippageLimit(100, domain.SideSell)
	if sellLimit >= 100 {
		t.Fatalf("expected sell limit below mark, got %v", sellLimit)
	}
}

func TestParseUniverse(t *testing.T) {
	resp := map[string]any{
		"universe": []any{
			map[string]any{"name": "DOGE", "szDecimals": float64(0)},
			map[string]any{"name": "BTC", "szDecimals": float64(5)},
		},
	}
	names, decimals, err := parseUniverse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != "DOGE" || names[1] != "BTC" {
		t.Fatalf("unexpected names: %v", names)
	}
	if decimals[1] != 5 {
		t.Fatalf("expected szDecimals 5, got %d", decimals[1])
	}
}
