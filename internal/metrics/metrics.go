// Package metrics provides the Prometheus instrumentation for the
// orchestration pipeline: bus publishes, tool-call latency, chain
// iterations, and provider stream errors. Every collector is nil-safe
// through the Metrics pointer receiver pattern so components can run
// unmetered in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline touches. A nil *Metrics is
// valid everywhere its methods are called; each method guards against it so
// callers never need a parallel "metrics enabled" check.
type Metrics struct {
	// EventsPublished counts bus.Publish calls by event kind.
	EventsPublished *prometheus.CounterVec

	// ToolCallDuration measures MCP tool-call latency in seconds: the
	// client's tools/call round trip as timed by the MCP manager.
	// Labels: tool_name, status (success|error)
	ToolCallDuration *prometheus.HistogramVec

	// ToolCallCounter counts tool invocations by outcome.
	ToolCallCounter *prometheus.CounterVec

	// ChainIterations counts continuation iterations by outcome
	// (continued|limit_reached).
	ChainIterations *prometheus.CounterVec

	// ChainsActive is a gauge of chains currently in flight.
	ChainsActive prometheus.Gauge

	// ProviderStreamErrors counts provider.Stream failures by provider id.
	ProviderStreamErrors *prometheus.CounterVec

	// MCPServerUnreachable counts server-unreachable transitions by server
	// path, useful for alerting on a flapping MCP subprocess.
	MCPServerUnreachable *prometheus.CounterVec
}

// New registers and returns a fresh collector set against reg. Passing nil
// creates the collectors without registering them anywhere, as promauto.With
// does for a nil Registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hatchling",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total events published on the bus, by kind.",
		}, []string{"kind"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hatchling",
			Subsystem: "mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "MCP tool call latency from dispatch to result.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name", "status"}),
		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hatchling",
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Total MCP tool calls, by tool and outcome.",
		}, []string{"tool_name", "status"}),
		ChainIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hatchling",
			Subsystem: "chain",
			Name:      "iterations_total",
			Help:      "Total chain-scheduler continuation iterations, by outcome.",
		}, []string{"outcome"}),
		ChainsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hatchling",
			Subsystem: "chain",
			Name:      "active",
			Help:      "Number of tool chains currently in flight.",
		}),
		ProviderStreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hatchling",
			Subsystem: "provider",
			Name:      "stream_errors_total",
			Help:      "Total provider.Stream failures, by provider id.",
		}, []string{"provider"}),
		MCPServerUnreachable: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hatchling",
			Subsystem: "mcp",
			Name:      "server_unreachable_total",
			Help:      "Total times a server transitioned to unreachable, by server path.",
		}, []string{"server_path"}),
	}
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) ToolCallObserved(toolName string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := statusLabel(success)
	m.ToolCallDuration.WithLabelValues(toolName, status).Observe(d.Seconds())
	m.ToolCallCounter.WithLabelValues(toolName, status).Inc()
}

func (m *Metrics) ChainIteration(limitReached bool) {
	if m == nil {
		return
	}
	outcome := "continued"
	if limitReached {
		outcome = "limit_reached"
	}
	m.ChainIterations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChainStarted() {
	if m == nil {
		return
	}
	m.ChainsActive.Inc()
}

func (m *Metrics) ChainEnded() {
	if m == nil {
		return
	}
	m.ChainsActive.Dec()
}

func (m *Metrics) ProviderStreamError(provider string) {
	if m == nil {
		return
	}
	m.ProviderStreamErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) ServerUnreachable(serverPath string) {
	if m == nil {
		return
	}
	m.MCPServerUnreachable.WithLabelValues(serverPath).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
