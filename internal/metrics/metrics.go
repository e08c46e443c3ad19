// Package metrics holds the broker's Prometheus instruments. All record
// methods are nil-safe so layers can run without metrics in tests.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ConnectedAgents *prometheus.GaugeVec

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	McpRequests        *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	TerminalSessions   prometheus.Gauge
	ActiveTokenLookups prometheus.Counter
}

// New registers the broker's instruments with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedAgents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_connected_agents",
				Help: "Agents currently holding a live socket, by power state",
			},
			[]string{"power_state"},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_commands_total",
				Help: "Commands routed to agents, by method and outcome",
			},
			[]string{"method", "status"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_command_duration_seconds",
				Help:    "Round-trip time of agent commands",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		McpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_mcp_requests_total",
				Help: "Tenant endpoint requests, by JSON-RPC method and HTTP status",
			},
			[]string{"method", "code"},
		),
		RateLimitRejects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_rate_limit_rejects_total",
				Help: "Requests rejected by a rate-limit window",
			},
			[]string{"policy"},
		),
		TerminalSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_terminal_sessions",
				Help: "Live terminal relay sessions",
			},
		),
		ActiveTokenLookups: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_token_lookups_total",
				Help: "Bearer token hash lookups against the store",
			},
		),
	}
}

func (m *Metrics) AgentConnected(powerState string) {
	if m == nil {
		return
	}
	m.ConnectedAgents.WithLabelValues(powerState).Inc()
}

func (m *Metrics) AgentDisconnected(powerState string) {
	if m == nil {
		return
	}
	m.ConnectedAgents.WithLabelValues(powerState).Dec()
}

// AgentPowerChanged moves an agent between power-state buckets.
func (m *Metrics) AgentPowerChanged(from, to string) {
	if m == nil || from == to {
		return
	}
	m.ConnectedAgents.WithLabelValues(from).Dec()
	m.ConnectedAgents.WithLabelValues(to).Inc()
}

func (m *Metrics) RecordCommand(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(method, status).Inc()
	m.CommandDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) RecordMcpRequest(method string, httpStatus int) {
	if m == nil {
		return
	}
	m.McpRequests.WithLabelValues(method, strconv.Itoa(httpStatus)).Inc()
}

func (m *Metrics) RecordRateLimited(policy string) {
	if m == nil {
		return
	}
	m.RateLimitRejects.WithLabelValues(policy).Inc()
}

func (m *Metrics) TerminalOpened() {
	if m == nil {
		return
	}
	m.TerminalSessions.Inc()
}

func (m *Metrics) TerminalClosed() {
	if m == nil {
		return
	}
	m.TerminalSessions.Dec()
}

func (m *Metrics) RecordTokenLookup() {
	if m == nil {
		return
	}
	m.ActiveTokenLookups.Inc()
}
