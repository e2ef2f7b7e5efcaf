package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRetriesTotal      *prometheus.CounterVec
	toolCacheTotal        *prometheus.CounterVec
	toolsInFlight         prometheus.Gauge

	allocationTotal      *prometheus.CounterVec
	taskTransitionsTotal *prometheus.CounterVec
	agentsByStatus       *prometheus.GaugeVec

	activeSessions     prometheus.Gauge
	llmStreamTotal     *prometheus.CounterVec
	llmStreamDuration  *prometheus.HistogramVec
	auditWriteFailures prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scorpio_tool_execution_total",
					Help: "Total tool invocations by tool and final status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "scorpio_tool_execution_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool, retries included.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scorpio_tool_retries_total",
					Help: "Total failed tool attempts by tool.",
				},
				[]string{"tool"},
			),
			toolCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scorpio_tool_cache_total",
					Help: "Tool result cache lookups by outcome.",
				},
				[]string{"outcome"},
			),
			toolsInFlight: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "scorpio_tools_in_flight",
					Help: "Tool invocations currently holding a rate-limit slot.",
				},
			),
			allocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scorpio_allocation_total",
					Help: "Agent allocation attempts by outcome.",
				},
				[]string{"outcome"},
			),
			taskTransitionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scorpio_task_transitions_total",
					Help: "Task status transitions by target status.",
				},
				[]string{"status"},
			),
			agentsByStatus: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "scorpio_agents",
					Help: "Registered agents by status.",
				},
				[]string{"status"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "scorpio_active_sessions",
					Help: "Current active session count.",
				},
			),
			llmStreamTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scorpio_llm_stream_total",
					Help: "Total LLM streaming turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmStreamDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "scorpio_llm_stream_duration_seconds",
					Help:    "LLM streaming turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			auditWriteFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "scorpio_audit_write_failures_total",
					Help: "Audit or metric records that could not be persisted.",
				},
			),
		}

		prometheus.MustRegister(
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolRetriesTotal,
			m.toolCacheTotal,
			m.toolsInFlight,
			m.allocationTotal,
			m.taskTransitionsTotal,
			m.agentsByStatus,
			m.activeSessions,
			m.llmStreamTotal,
			m.llmStreamDuration,
			m.auditWriteFailures,
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

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolRetry(tool string) {
	getMetrics().toolRetriesTotal.WithLabelValues(tool).Inc()
}

func RecordToolCache(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	getMetrics().toolCacheTotal.WithLabelValues(outcome).Inc()
}

func AddToolsInFlight(delta int) {
	getMetrics().toolsInFlight.Add(float64(delta))
}

// RecordAllocation counts an allocation attempt. outcome is one of
// "allocated", "miss" or "contended".
func RecordAllocation(outcome string) {
	getMetrics().allocationTotal.WithLabelValues(outcome).Inc()
}

func RecordTaskTransition(status string) {
	getMetrics().taskTransitionsTotal.WithLabelValues(status).Inc()
}

func SetAgentsByStatus(status string, count int) {
	getMetrics().agentsByStatus.WithLabelValues(status).Set(float64(count))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordLLMStream(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmStreamTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmStreamDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordAuditWriteFailure() {
	getMetrics().auditWriteFailures.Inc()
}
