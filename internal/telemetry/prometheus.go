package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "carrybot"

// PrometheusSink records telemetry events as Prometheus counters and
// gauges against the caller-supplied registry — the same registry
// internal/metrics.Prometheus registers the order/kill-switch counters
// on, so both surface on one /metrics endpoint.
type PrometheusSink struct {
	entries            prometheus.Counter
	exits              prometheus.Counter
	negativeFRTrigger  prometheus.Counter
	backwardationTrigger prometheus.Counter
	rebalanceTrigger   prometheus.Counter

	withdrawable   prometheus.Gauge
	marginUsagePct prometheus.Gauge
	accountValue   prometheus.Gauge
}

// NewPrometheusSink builds a PrometheusSink and registers its
// collectors on registry.
func NewPrometheusSink(registry *prometheus.Registry) *PrometheusSink {
	s := &PrometheusSink{
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "trade_entries_total",
			Help:      "Total number of position entries recorded.",
		}),
		exits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "trade_exits_total",
			Help:      "Total number of position exits recorded.",
		}),
		negativeFRTrigger: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "guardian_negative_fr_trigger_total",
			Help:      "Total number of debounced negative-funding-rate exit triggers.",
		}),
		backwardationTrigger: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "guardian_backwardation_trigger_total",
			Help:      "Total number of backwardation profit-take exit triggers.",
		}),
		rebalanceTrigger: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "guardian_rebalance_trigger_total",
			Help:      "Total number of margin rebalance triggers.",
		}),
		withdrawable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "wallet_withdrawable_quote",
			Help:      "Last sampled withdrawable balance, in quote currency.",
		}),
		marginUsagePct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "wallet_margin_usage_pct",
			Help:      "Last sampled margin usage ratio.",
		}),
		accountValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "wallet_account_value_quote",
			Help:      "Last sampled account equity, in quote currency.",
		}),
	}
	registry.MustRegister(s.entries, s.exits, s.negativeFRTrigger, s.backwardationTrigger,
		s.rebalanceTrigger, s.withdrawable, s.marginUsagePct, s.accountValue)
	return s
}

func (s *PrometheusSink) RecordTrade(ev TradeEvent) {
	if ev.Entry {
		s.entries.Inc()
		return
	}
	s.exits.Inc()
}

func (s *PrometheusSink) RecordWallet(ev WalletEvent) {
	s.withdrawable.Set(ev.Withdrawable)
	s.marginUsagePct.Set(ev.MarginUsagePct)
	s.accountValue.Set(ev.AccountValue)
}

func (s *PrometheusSink) RecordGuardianTrigger(ev GuardianEvent) {
	switch ev.Trigger {
	case TriggerNegativeFR:
		s.negativeFRTrigger.Inc()
	case TriggerBackwardation:
		s.backwardationTrigger.Inc()
	case TriggerRebalance:
		s.rebalanceTrigger.Inc()
	}
}
