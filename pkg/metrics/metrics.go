package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	HTTPResponseSize  *prometheus.HistogramVec

	// Workflow Metrics
	WorkflowExecutionsTotal *prometheus.CounterVec
	WorkflowDuration        *prometheus.HistogramVec
	WorkflowStepDuration    *prometheus.HistogramVec
	WorkflowErrors          *prometheus.CounterVec
	WorkflowRetries         *prometheus.CounterVec
	ActiveExecutions        *prometheus.GaugeVec
	TriggersRejected        *prometheus.CounterVec

	// Circuit breaker Metrics
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec

	// Database Metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Worker Metrics
	WorkerJobsProcessed *prometheus.CounterVec
	WorkerJobDuration   *prometheus.HistogramVec
	WorkerErrors        *prometheus.CounterVec

	// Monitor Metrics
	MonitorSubscribers prometheus.Gauge
	MonitorDropped     prometheus.Counter
}

// New creates and registers all Prometheus metrics on reg. Passing nil
// registers on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		// HTTP Metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path", "status"},
		),

		// Workflow Metrics
		WorkflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of finished workflow executions",
			},
			[]string{"workflow_id", "status"},
		),
		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_execution_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~102s
			},
			[]string{"workflow_id"},
		),
		WorkflowStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_step_duration_seconds",
				Help:    "Workflow node execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 0.01s to ~10s
			},
			[]string{"node_type", "status"},
		),
		WorkflowErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_execution_errors_total",
				Help: "Total number of workflow execution errors",
			},
			[]string{"workflow_id", "error_type"},
		),
		WorkflowRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_execution_retries_total",
				Help: "Total number of workflow-level retries",
			},
			[]string{"workflow_id"},
		),
		ActiveExecutions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_workflow_executions",
				Help: "Number of currently running workflow executions",
			},
			[]string{"workflow_id"},
		),
		TriggersRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_triggers_rejected_total",
				Help: "Total number of rejected workflow triggers",
			},
			[]string{"reason"},
		),

		// Circuit breaker Metrics
		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"circuit_id", "state"},
		),
		CircuitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_rejections_total",
				Help: "Total number of calls rejected by an open circuit",
			},
			[]string{"circuit_id"},
		),

		// Database Metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Database query execution time in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
			},
			[]string{"query_type", "table"},
		),
		DBQueryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_query_errors_total",
				Help: "Total number of database query errors",
			},
			[]string{"query_type", "table"},
		),

		// Worker Metrics
		WorkerJobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_jobs_processed_total",
				Help: "Total number of jobs processed by workers",
			},
			[]string{"worker_type", "status"},
		),
		WorkerJobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_job_duration_seconds",
				Help:    "Worker job processing duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~102s
			},
			[]string{"worker_type"},
		),
		WorkerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_errors_total",
				Help: "Total number of worker errors",
			},
			[]string{"worker_type"},
		),

		// Monitor Metrics
		MonitorSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_subscribers",
				Help: "Number of live execution subscribers",
			},
		),
		MonitorDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_events_dropped_total",
				Help: "Total number of events dropped for slow subscribers",
			},
		),
	}

	return m
}

// RecordExecution records a finished execution
func (m *Metrics) RecordExecution(workflowID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowExecutionsTotal.WithLabelValues(workflowID, status).Inc()
	m.WorkflowDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordExecutionError records a failed execution attempt
func (m *Metrics) RecordExecutionError(workflowID, errorType string) {
	if m == nil {
		return
	}
	m.WorkflowErrors.WithLabelValues(workflowID, errorType).Inc()
}

// RecordRetry records a workflow-level retry
func (m *Metrics) RecordRetry(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowRetries.WithLabelValues(workflowID).Inc()
}

// RecordStep records one node execution
func (m *Metrics) RecordStep(nodeType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowStepDuration.WithLabelValues(nodeType, status).Observe(duration.Seconds())
}

// ExecutionStarted increments the running gauge
func (m *Metrics) ExecutionStarted(workflowID string) {
	if m == nil {
		return
	}
	m.ActiveExecutions.WithLabelValues(workflowID).Inc()
}

// ExecutionStopped decrements the running gauge
func (m *Metrics) ExecutionStopped(workflowID string) {
	if m == nil {
		return
	}
	m.ActiveExecutions.WithLabelValues(workflowID).Dec()
}

// RecordTriggerRejected records a trigger refused by the engine
func (m *Metrics) RecordTriggerRejected(reason string) {
	if m == nil {
		return
	}
	m.TriggersRejected.WithLabelValues(reason).Inc()
}

// RecordCircuitTransition records a circuit breaker state change
func (m *Metrics) RecordCircuitTransition(circuitID, state string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(circuitID, state).Inc()
}

// RecordCircuitRejection records a call refused by an open circuit
func (m *Metrics) RecordCircuitRejection(circuitID string) {
	if m == nil {
		return
	}
	m.CircuitRejections.WithLabelValues(circuitID).Inc()
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(queryType, table string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(queryType, table).Observe(duration.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(queryType, table).Inc()
	}
}

// RecordWorkerJob records one unit of worker work
func (m *Metrics) RecordWorkerJob(workerType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		m.WorkerErrors.WithLabelValues(workerType).Inc()
	}
	m.WorkerJobsProcessed.WithLabelValues(workerType, status).Inc()
	m.WorkerJobDuration.WithLabelValues(workerType).Observe(duration.Seconds())
}

// SubscriberAdded adjusts the subscriber gauge
func (m *Metrics) SubscriberAdded(delta int) {
	if m == nil {
		return
	}
	m.MonitorSubscribers.Add(float64(delta))
}

// EventDropped counts an event dropped for a slow subscriber
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.MonitorDropped.Inc()
}
