package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central prometheus metric set for the runtime.
//
// It tracks message flow through the bus, agent turn execution, LLM request
// performance, tool invocation patterns, and the HTTP surface.
type Metrics struct {
	// MessagesDelivered counts bus messages by recipient kind.
	// Labels: recipient_kind (user|root|agent)
	MessagesDelivered *prometheus.CounterVec

	// InboxDepth is the current queued message count per recipient.
	// Labels: recipient
	InboxDepth *prometheus.GaugeVec

	// ActiveTurns is the number of agent turns currently in flight.
	ActiveTurns prometheus.Gauge

	// TurnDuration measures full turn latency in seconds.
	TurnDuration prometheus.Histogram

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: service, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: service, model, status (success|error|aborted)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: service, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts API requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a private
// registry so parallel tests do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegrid_messages_delivered_total",
				Help: "Total bus messages delivered by recipient kind",
			},
			[]string{"recipient_kind"},
		),
		InboxDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hivegrid_inbox_depth",
				Help: "Queued messages per recipient",
			},
			[]string{"recipient"},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hivegrid_active_turns",
				Help: "Agent turns currently in flight",
			},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hivegrid_turn_duration_seconds",
				Help:    "Duration of complete agent turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hivegrid_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"service", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegrid_llm_requests_total",
				Help: "Total LLM requests by service, model, and status",
			},
			[]string{"service", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegrid_llm_tokens_total",
				Help: "Total tokens used by service, model, and type",
			},
			[]string{"service", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegrid_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hivegrid_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivegrid_http_requests_total",
				Help: "Total HTTP API requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
