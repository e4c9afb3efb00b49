package telemetry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"carrybot/internal/alerts"
)

// NotifyingSink wraps a Sink and forwards trade fills, guardian
// triggers, and manual-intervention escalations to a Telegram chat,
// one message per event kind.
type NotifyingSink struct {
	Sink
	telegram *alerts.Telegram
	log      *zap.Logger
}

// NewNotifyingSink wraps next with Telegram notifications. telegram
// may be disabled (Send becomes a no-op) but must not be nil.
func NewNotifyingSink(next Sink, telegram *alerts.Telegram, log *zap.Logger) *NotifyingSink {
	return &NotifyingSink{Sink: next, telegram: telegram, log: log}
}

func (n *NotifyingSink) RecordTrade(ev TradeEvent) {
	n.Sink.RecordTrade(ev)
	action := "exit"
	if ev.Entry {
		action = "entry"
	}
	msg := fmt.Sprintf("%s %s: size=%.6f notional=%.2f", action, ev.Symbol.String(), ev.Size, ev.NotionalQuote)
	if !ev.Entry && ev.ExitType == ExitRebalance {
		msg = fmt.Sprintf("rebalance shrink %s: size=%.6f", ev.Symbol.String(), ev.Size)
	}
	n.send(msg)
}

func (n *NotifyingSink) RecordGuardianTrigger(ev GuardianEvent) {
	n.Sink.RecordGuardianTrigger(ev)
	switch ev.Trigger {
	case TriggerNegativeFR:
		n.send(fmt.Sprintf("%s: negative funding rate exit (consecutive=%d)", ev.Symbol.String(), ev.ConsecutiveNegFR))
	case TriggerBackwardation:
		n.send(fmt.Sprintf("%s: backwardation profit-take exit (spread=%.4f)", ev.Symbol.String(), ev.Spread))
	case TriggerRebalance:
		n.send(fmt.Sprintf("%s: margin rebalance triggered", ev.Symbol.String()))
	}
}

// NotifyManualIntervention sends the escalation alert required
// whenever MANUAL_INTERVENTION engages. Manual intervention has no
// Symbol attached in every call site (e.g. an unresolved
// ambiguous leg may span either venue), so the reason is freeform.
func (n *NotifyingSink) NotifyManualIntervention(reason string) {
	n.send(fmt.Sprintf("MANUAL_INTERVENTION: %s", reason))
}

func (n *NotifyingSink) send(msg string) {
	if err := n.telegram.Send(context.Background(), msg); err != nil {
		n.log.Warn("telegram notification failed", zap.Error(err))
	}
}
