package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// staleAfter bounds how long a pushed sample is trusted before a
// caller falls back to a fresh REST query.
const staleAfter = 5 * time.Second

type tickerSample struct {
	spotMid, perpMark float64
	at                time.Time
}

type fundingSample struct {
	rate float64
	at   time.Time
}

// Feed maintains a live cache of ticker and funding-rate samples
// pushed over one Client, keyed by symbol base. It is the push-feed
// counterpart to the gateway's REST polling: a cache miss or a stale
// sample is the caller's cue to fall back to REST.
type Feed struct {
	client *Client
	log    *zap.Logger

	mu       sync.RWMutex
	tickers  map[string]tickerSample
	fundings map[string]fundingSample
}

// NewFeed builds a Feed over client. Subscribe must be called once per
// symbol of interest before Run starts delivering samples for it.
func NewFeed(client *Client, log *zap.Logger) *Feed {
	return &Feed{
		client:   client,
		log:      log,
		tickers:  make(map[string]tickerSample),
		fundings: make(map[string]fundingSample),
	}
}

// Subscribe registers interest in a symbol's ticker and funding-rate
// channels, replayed automatically across reconnects by the Client.
func (f *Feed) Subscribe(ctx context.Context, base string) error {
	if err := f.client.Subscribe(ctx, map[string]any{"method": "subscribe", "subscription": map[string]string{"type": "ticker", "coin": base}}); err != nil {
		return err
	}
	return f.client.Subscribe(ctx, map[string]any{"method": "subscribe", "subscription": map[string]string{"type": "fundingRate", "coin": base}})
}

// Run drives the underlying Client until ctx is canceled, decoding
// every inbound message into the ticker/funding cache.
func (f *Feed) Run(ctx context.Context) error {
	return f.client.Run(ctx, f.onMessage)
}

func (f *Feed) onMessage(raw json.RawMessage) {
	var msg struct {
		Channel     string  `json:"channel"`
		Coin        string  `json:"coin"`
		SpotMid     float64 `json:"spotMid"`
		MarkPx      float64 `json:"markPx"`
		FundingRate float64 `json:"fundingRate"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		if f.log != nil {
			f.log.Debug("ws feed: undecodable message", zap.Error(err))
		}
		return
	}
	if msg.Coin == "" {
		return
	}
	now := time.Now().UTC()
	switch msg.Channel {
	case "ticker":
		f.mu.Lock()
		f.tickers[msg.Coin] = tickerSample{spotMid: msg.SpotMid, perpMark: msg.MarkPx, at: now}
		f.mu.Unlock()
	case "fundingRate":
		f.mu.Lock()
		f.fundings[msg.Coin] = fundingSample{rate: msg.FundingRate, at: now}
		f.mu.Unlock()
	}
}

// Ticker returns the last pushed spot mid / perp mark for base, and
// whether a sample exists and is still within staleAfter.
func (f *Feed) Ticker(base string) (spotMid, perpMark float64, fresh bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.tickers[base]
	if !ok || time.Since(s.at) > staleAfter {
		return 0, 0, false
	}
	return s.spotMid, s.perpMark, true
}

// FundingRate returns the last pushed funding rate for base, and
// whether a sample exists and is still within staleAfter.
func (f *Feed) FundingRate(base string) (rate float64, fresh bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.fundings[base]
	if !ok || time.Since(s.at) > staleAfter {
		return 0, false
	}
	return s.rate, true
}
