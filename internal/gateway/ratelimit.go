package gateway

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// newLimiter builds the shared token-bucket every gateway call, read
// or write, waits on before it reaches the wire so the daemon never
// exceeds the venue's published rate budget even when several
// components call the gateway at once.
func newLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if burst <= 0 {
		burst = int(requestsPerSecond) * 2
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// backoffPolicy is the exponential-with-jitter schedule query retries
// use: base 1s, factor 2, capped at 60s, ±20% jitter. Writes never go
// through this — a write is retried by the caller only after proving
// the previous attempt did not reach the venue.
type backoffPolicy struct {
	base   time.Duration
	factor float64
	cap    time.Duration
}

func defaultBackoff() backoffPolicy {
	return backoffPolicy{base: time.Second, factor: 2, cap: 60 * time.Second}
}

func (b backoffPolicy) delay(attempt int) time.Duration {
	d := float64(b.base)
	for i := 0; i < attempt; i++ {
		d *= b.factor
	}
	if d > float64(b.cap) {
		d = float64(b.cap)
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // +/-20%
	return time.Duration(d * jitter)
}

func (b backoffPolicy) sleep(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.delay(attempt)):
		return nil
	}
}
