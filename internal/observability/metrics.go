package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	llmCallTotal    *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokensTotal  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentTurnTotal      *prometheus.CounterVec
	agentTurnDuration   *prometheus.HistogramVec
	agentTurnIterations prometheus.Histogram

	mcpRequestTotal    *prometheus.CounterVec
	mcpRequestDuration *prometheus.HistogramVec
	mcpPendingRequests prometheus.Gauge
	mcpConnected       *prometheus.GaugeVec

	gatewayConnections  prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_call_total",
					Help: "Total LLM provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_call_duration_seconds",
					Help:    "LLM provider call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_tokens_total",
					Help: "Tokens consumed by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			agentTurnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Total agent turns by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			agentTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentTurnIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_turn_iterations",
					Help:    "Iterations used per agent turn.",
					Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
				},
			),
			mcpRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcp_request_total",
					Help: "Total MCP JSON-RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			mcpRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mcp_request_duration_seconds",
					Help:    "MCP JSON-RPC request duration in seconds by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			mcpPendingRequests: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "mcp_pending_requests",
					Help: "MCP requests currently awaiting a response.",
				},
			),
			mcpConnected: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "mcp_session_connected",
					Help: "MCP session state by endpoint (1 connected, 0 disconnected).",
				},
				[]string{"endpoint"},
			),
			gatewayConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_connections",
					Help: "Current WebSocket client count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Transcript load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Transcript save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.llmCallTotal,
			m.llmCallDuration,
			m.llmTokensTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentTurnTotal,
			m.agentTurnDuration,
			m.agentTurnIterations,
			m.mcpRequestTotal,
			m.mcpRequestDuration,
			m.mcpPendingRequests,
			m.mcpConnected,
			m.gatewayConnections,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordLLMCall(provider string, duration time.Duration, success bool, inputTokens, outputTokens int) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.llmTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordAgentTurn records a finished turn. outcome is one of
// answer, cancelled, llm_error or iteration_limit.
func RecordAgentTurn(provider, outcome string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.agentTurnTotal.WithLabelValues(provider, outcome).Inc()
	m.agentTurnDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.agentTurnIterations.Observe(float64(iterations))
}

func RecordMCPRequest(method string, duration time.Duration, success bool) {
	m := getMetrics()
	m.mcpRequestTotal.WithLabelValues(method, statusLabel(success)).Inc()
	m.mcpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func AddMCPPending(delta int) {
	m := getMetrics()
	m.mcpPendingRequests.Add(float64(delta))
}

func SetMCPConnected(endpoint string, connected bool) {
	m := getMetrics()
	value := 0.0
	if connected {
		value = 1.0
	}
	m.mcpConnected.WithLabelValues(endpoint).Set(value)
}

func AddGatewayConnections(delta int) {
	m := getMetrics()
	m.gatewayConnections.Add(float64(delta))
}

func RecordSessionLoad(duration time.Duration) {
	m := getMetrics()
	m.sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
}
