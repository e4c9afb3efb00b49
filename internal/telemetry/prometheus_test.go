package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"carrybot/internal/domain"
)

func TestPrometheusSinkRecordsTrades(t *testing.T) {
	sink := NewPrometheusSink(prometheus.NewRegistry())
	sym := domain.Symbol{Base: "DOGE", Quote: "USDT"}

	sink.RecordTrade(TradeEvent{Entry: true, Symbol: sym, Size: 100, Time: time.Unix(0, 0)})
	sink.RecordTrade(TradeEvent{Entry: false, Symbol: sym, ExitType: ExitFull, Time: time.Unix(0, 0)})

	assertCounter(t, sink.entries, 1)
	assertCounter(t, sink.exits, 1)
}

func TestPrometheusSinkRecordsWallet(t *testing.T) {
	sink := NewPrometheusSink(prometheus.NewRegistry())
	sink.RecordWallet(WalletEvent{Withdrawable: 500, MarginUsed: 850, MarginUsagePct: 0.85, AccountValue: 2000})

	if got := testutil.ToFloat64(sink.withdrawable); got != 500 {
		t.Fatalf("expected withdrawable gauge 500, got %v", got)
	}
	if got := testutil.ToFloat64(sink.marginUsagePct); got != 0.85 {
		t.Fatalf("expected margin usage gauge 0.85, got %v", got)
	}
	if got := testutil.ToFloat64(sink.accountValue); got != 2000 {
		t.Fatalf("expected account value gauge 2000, got %v", got)
	}
}

func TestPrometheusSinkRecordsGuardianTriggers(t *testing.T) {
	sink := NewPrometheusSink(prometheus.NewRegistry())
	sym := domain.Symbol{Base: "DOGE", Quote: "USDT"}

	sink.RecordGuardianTrigger(GuardianEvent{Symbol: sym, Trigger: TriggerNegativeFR, ConsecutiveNegFR: 3})
	sink.RecordGuardianTrigger(GuardianEvent{Symbol: sym, Trigger: TriggerBackwardation, Spread: -0.02})
	sink.RecordGuardianTrigger(GuardianEvent{Symbol: sym, Trigger: TriggerRebalance})
	sink.RecordGuardianTrigger(GuardianEvent{Symbol: sym, Trigger: TriggerNone})

	assertCounter(t, sink.negativeFRTrigger, 1)
	assertCounter(t, sink.backwardationTrigger, 1)
	assertCounter(t, sink.rebalanceTrigger, 1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
