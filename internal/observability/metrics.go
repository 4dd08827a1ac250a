package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Provider request latency, throughput, and token consumption
//   - Tool-call loop iteration counts
//   - Rate limiter allow/deny decisions
//   - Realtime room occupancy and coalescing flush activity
//   - HTTP endpoint latency
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordProviderRequest("anthropic", "claude-3-opus", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// ProviderRequestDuration measures provider adapter call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider calls by provider, model, and status.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokensUsed tracks token consumption by provider, model, and type.
	// Labels: provider, model, type (prompt|completion)
	ProviderTokensUsed *prometheus.CounterVec

	// ToolLoopIterations measures how many model round-trips one
	// toolloop.Run call took before reaching DONE.
	ToolLoopIterations *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations dispatched from the loop.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RateLimitDecisions counts allow/deny outcomes from the fixed-window
	// limiter. Labels: plan, counter (sync|async|api-endpoint), allowed.
	RateLimitDecisions *prometheus.CounterVec

	// RoomActiveConnections is a gauge of total sockets currently joined
	// to any workflow room.
	RoomActiveConnections prometheus.Gauge

	// RoomsActive is a gauge of distinct workflow rooms with at least
	// one connected socket.
	RoomsActive prometheus.Gauge

	// CoalesceFlushes counts FieldUpdater debounce flushes by kind
	// (subblock|variable) and outcome (success|error).
	CoalesceFlushes *prometheus.CounterVec

	// OperationsHandled counts workflow mutation operations dispatched
	// by C7, labeled by path (position|general) and outcome.
	OperationsHandled *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics against the
// default registry. This should be called once at application startup.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

// newMetricsWith builds the same metric set against an arbitrary
// registerer, letting tests use an isolated prometheus.NewRegistry()
// instead of double-registering against the process-wide default.
func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_core_provider_request_duration_seconds",
				Help:    "Duration of provider adapter requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_core_provider_requests_total",
				Help: "Total number of provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_core_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolLoopIterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_core_toolloop_iterations",
				Help:    "Model round-trips per toolloop.Run call",
				Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
			},
			[]string{"provider"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_core_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_core_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_core_rate_limit_decisions_total",
				Help: "Rate limiter allow/deny decisions by plan and counter",
			},
			[]string{"plan", "counter", "allowed"},
		),

		RoomActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflow_core_room_active_connections",
				Help: "Current number of sockets joined to any workflow room",
			},
		),

		RoomsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflow_core_rooms_active",
				Help: "Current number of workflow rooms with at least one connection",
			},
		),

		CoalesceFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_core_coalesce_flushes_total",
				Help: "FieldUpdater debounce flushes by field kind and outcome",
			},
			[]string{"kind", "status"},
		),

		OperationsHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_core_operations_total",
				Help: "Workflow mutation operations handled by path and outcome",
			},
			[]string{"path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_core_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_core_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordProviderRequest records metrics for one provider adapter call.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolLoopRun records how many iterations a completed toolloop.Run
// call took.
func (m *Metrics) RecordToolLoopRun(provider string, iterations int) {
	m.ToolLoopIterations.WithLabelValues(provider).Observe(float64(iterations))
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordRateLimitDecision records one Limiter.Check outcome.
func (m *Metrics) RecordRateLimitDecision(plan, counter string, allowed bool) {
	m.RateLimitDecisions.WithLabelValues(plan, counter, boolLabel(allowed)).Inc()
}

// RoomJoined increments the active-connections gauge, and the
// rooms-active gauge when isNewRoom is true.
func (m *Metrics) RoomJoined(isNewRoom bool) {
	m.RoomActiveConnections.Inc()
	if isNewRoom {
		m.RoomsActive.Inc()
	}
}

// RoomLeft decrements the active-connections gauge, and the
// rooms-active gauge when the room closed as a result.
func (m *Metrics) RoomLeft(roomClosed bool) {
	m.RoomActiveConnections.Dec()
	if roomClosed {
		m.RoomsActive.Dec()
	}
}

// RecordCoalesceFlush records one FieldUpdater debounce flush.
func (m *Metrics) RecordCoalesceFlush(kind string, err error) {
	m.CoalesceFlushes.WithLabelValues(kind, statusLabel(err)).Inc()
}

// RecordOperation records one C7 operation dispatch.
func (m *Metrics) RecordOperation(path string, err error) {
	m.OperationsHandled.WithLabelValues(path, statusLabel(err)).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
