package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "carrybot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry           *prometheus.Registry
	ordersPlaced       prometheus.Counter
	ordersFailed       prometheus.Counter
	entryFailed        prometheus.Counter
	exitFailed         prometheus.Counter
	killEngaged        prometheus.Counter
	killRestored       prometheus.Counter
	manualIntervention prometheus.Counter
	legRecoveries      prometheus.Counter
	rebalanceAttempts  prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	entryFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "entry_failed_total",
		Help:      "Total number of entry flow failures.",
	})
	exitFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "exit_failed_total",
		Help:      "Total number of exit flow failures.",
	})
	killEngaged := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "kill_switch_engaged_total",
		Help:      "Total number of kill switch engagements.",
	})
	killRestored := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "kill_switch_restored_total",
		Help:      "Total number of kill switch recoveries.",
	})
	manualIntervention := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "manual_intervention_total",
		Help:      "Total number of MANUAL_INTERVENTION escalations.",
	})
	legRecoveries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "leg_recoveries_total",
		Help:      "Total number of orphaned-leg recovery orders placed.",
	})
	rebalanceAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "rebalance_attempts_total",
		Help:      "Total number of margin rebalance attempts (transfer or shrink).",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, entryFailed, exitFailed, killEngaged, killRestored,
		manualIntervention, legRecoveries, rebalanceAttempts)

	m := &Metrics{
		OrdersPlaced:       promCounter{ordersPlaced},
		OrdersFailed:       promCounter{ordersFailed},
		EntryFailed:        promCounter{entryFailed},
		ExitFailed:         promCounter{exitFailed},
		KillSwitchEngaged:  promCounter{killEngaged},
		KillSwitchRestored: promCounter{killRestored},
		ManualIntervention: promCounter{manualIntervention},
		LegRecoveries:      promCounter{legRecoveries},
		RebalanceAttempts:  promCounter{rebalanceAttempts},
	}

	return &Prometheus{
		Metrics:            m,
		registry:           registry,
		ordersPlaced:       ordersPlaced,
		ordersFailed:       ordersFailed,
		entryFailed:        entryFailed,
		exitFailed:         exitFailed,
		killEngaged:        killEngaged,
		killRestored:       killRestored,
		manualIntervention: manualIntervention,
		legRecoveries:      legRecoveries,
		rebalanceAttempts:  rebalanceAttempts,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the backing registry so other packages (telemetry's
// Prometheus sink) can register their own collectors against the same
// /metrics endpoint instead of standing up a second server.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}
