package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flemzord/toolgate/internal/supervisor"
)

// Metrics holds the gateway's Prometheus collectors.
//
// Usage:
//
//	m := gateway.NewMetrics(prometheus.DefaultRegisterer)
//	m.Invocations.WithLabelValues("exec", "allow").Inc()
type Metrics struct {
	// Invocations counts policy verdicts.
	// Labels: tool, verdict (allow|elevate|deny|rate_limited|invalid)
	Invocations *prometheus.CounterVec

	// Results counts dispatch outcomes.
	// Labels: tool, outcome (success|tool_error|timeout|unavailable)
	Results *prometheus.CounterVec

	// Latency measures dispatch time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	Latency *prometheus.HistogramVec

	// Confirmations counts confirmation lifecycle events.
	// Labels: outcome (created|approved|denied|expired)
	Confirmations *prometheus.CounterVec

	// ProcessRestarts counts tool server relaunches after a crash.
	// Labels: tool
	ProcessRestarts *prometheus.CounterVec

	// ProcessState is 1 for the current state of each tool server, 0 otherwise.
	// Labels: tool, state (idle|starting|ready|crashed|stopped)
	ProcessState *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. Tests
// pass a fresh prometheus.NewRegistry() so runs do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_invocations_total",
				Help: "Tool invocations by tool and policy verdict",
			},
			[]string{"tool", "verdict"},
		),
		Results: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_results_total",
				Help: "Dispatched tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		Latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_dispatch_duration_seconds",
				Help:    "Duration of tool dispatch in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_confirmations_total",
				Help: "Confirmation events by outcome",
			},
			[]string{"outcome"},
		),
		ProcessRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_process_restarts_total",
				Help: "Tool server relaunches after an unexpected exit",
			},
			[]string{"tool"},
		),
		ProcessState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolgate_process_state",
				Help: "Current tool server state (1 for the active state)",
			},
			[]string{"tool", "state"},
		),
	}
}

var processStates = []supervisor.State{
	supervisor.StateIdle,
	supervisor.StateStarting,
	supervisor.StateReady,
	supervisor.StateCrashed,
	supervisor.StateStopped,
}

// RecordVerdict counts one policy decision. Nil-safe.
func (m *Metrics) RecordVerdict(tool, verdict string) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(tool, verdict).Inc()
}

// RecordResult counts one dispatch and its duration. Nil-safe.
func (m *Metrics) RecordResult(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Results.WithLabelValues(tool, outcome).Inc()
	m.Latency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordConfirmation counts one confirmation event. Nil-safe.
func (m *Metrics) RecordConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(outcome).Inc()
}

// ObserveProcessState is shaped to plug into supervisor.Config.OnStateChange.
// A transition from crashed to starting is a restart.
func (m *Metrics) ObserveProcessState(tool string, from, to supervisor.State) {
	if m == nil {
		return
	}
	if from == supervisor.StateCrashed && to == supervisor.StateStarting {
		m.ProcessRestarts.WithLabelValues(tool).Inc()
	}
	for _, s := range processStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.ProcessState.WithLabelValues(tool, s.String()).Set(v)
	}
}
