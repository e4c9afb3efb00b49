// Package telemetry records the trade, wallet, and guardian-trigger
// events the daemon produces as it runs: every entry/exit, every
// sampled account snapshot, and every guardian trigger evaluation
//. It mirrors the internal/metrics split — a Sink
// interface, a no-op implementation for tests and disabled config, and
// a Prometheus-backed implementation wired to the same registry the
// orders/kill-switch counters use.
package telemetry

import (
	"time"

	"carrybot/internal/domain"
)

// TriggerKind mirrors guardian.TriggerKind's underlying values without
// importing the guardian package, so guardian can depend on telemetry
// (to emit events) without a import cycle back the other way.
type TriggerKind string

const (
	TriggerNone          TriggerKind = "NONE"
	TriggerNegativeFR    TriggerKind = "NEGATIVE_FR_EXIT"
	TriggerBackwardation TriggerKind = "BACKWARDATION_EXIT"
	TriggerRebalance     TriggerKind = "REBALANCE"
)

// ExitKind distinguishes a full position close from a partial
// rebalance shrink for the trade event's exit_type field.
type ExitKind string

const (
	ExitFull      ExitKind = "full"
	ExitRebalance ExitKind = "rebalance"
)

// TradeEvent records one entry or exit fill.
type TradeEvent struct {
	Entry         bool
	Symbol        domain.Symbol
	EntryPrice    float64
	Size          float64
	NotionalQuote float64
	ExitType      ExitKind
	Time          time.Time
}

// WalletEvent records one sampled account snapshot.
type WalletEvent struct {
	Withdrawable   float64
	MarginUsed     float64
	MarginUsagePct float64
	AccountValue   float64
	Time           time.Time
}

// GuardianEvent records one guardian trigger firing.
type GuardianEvent struct {
	Symbol           domain.Symbol
	Trigger          TriggerKind
	ConsecutiveNegFR int     // populated for TriggerNegativeFR
	Spread           float64 // populated for TriggerBackwardation
	Time             time.Time
}

// Sink is the narrow interface every telemetry-producing component
// depends on. Components never know whether events ultimately land in
// Prometheus, a log line, or nowhere at all.
type Sink interface {
	RecordTrade(ev TradeEvent)
	RecordWallet(ev WalletEvent)
	RecordGuardianTrigger(ev GuardianEvent)
}

type noopSink struct{}

// NewNoop returns a Sink that discards every event, for tests and
// config.MetricsConfig.Enabled == false.
func NewNoop() Sink { return noopSink{} }

func (noopSink) RecordTrade(TradeEvent)               {}
func (noopSink) RecordWallet(WalletEvent)              {}
func (noopSink) RecordGuardianTrigger(GuardianEvent)   {}
