package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_worker_active_sessions",
		Help: "Number of sessions currently connected to the master",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_worker_sessions_total",
		Help: "Total number of sessions by outcome",
	}, []string{"outcome"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_worker_session_duration_seconds",
		Help:    "Duration of sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Result metrics
	partialsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_worker_partials_sent_total",
		Help: "Partial results sent upstream",
	})

	partialsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_worker_partials_skipped_total",
		Help: "Partial results dropped because the filter was busy or a newer partial won",
	})

	finalsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_worker_finals_total",
		Help: "Final results sent upstream",
	})

	timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_worker_timeouts_total",
		Help: "Supervisor expirations by kind",
	}, []string{"kind"}) // silence, frontend, decoder

	// Engine metrics
	inferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speech_worker_inference_latency_seconds",
		Help:    "Inference step latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"final"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_worker_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_worker_transport_send_failures_total",
		Help: "Failed writes to the master connection",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speech_worker_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	startTime time.Time
	mu        sync.Mutex
	ended     bool
}

// NewSessionMetrics starts tracking a session.
func NewSessionMetrics() *SessionMetrics {
	activeSessions.Inc()
	return &SessionMetrics{startTime: time.Now()}
}

// RecordEnd records the end of a session. Only the first call counts.
func (m *SessionMetrics) RecordEnd(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeSessions.Dec()
	totalSessions.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordPartial records a partial result as sent or skipped.
func (m *SessionMetrics) RecordPartial(sent bool) {
	if sent {
		partialsSent.Inc()
	} else {
		partialsSkipped.Inc()
	}
}

// RecordFinal records a final result sent upstream.
func (m *SessionMetrics) RecordFinal() {
	finalsSent.Inc()
}

// RecordTimeout records a supervisor expiration.
func (m *SessionMetrics) RecordTimeout(kind string) {
	timeouts.WithLabelValues(kind).Inc()
}

// RecordSendFailure records a failed upstream write.
func (m *SessionMetrics) RecordSendFailure() {
	sendFailures.Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// ObserveInference records the latency of one inference step.
func ObserveInference(d time.Duration, final bool) {
	label := "false"
	if final {
		label = "true"
	}
	inferenceLatency.WithLabelValues(label).Observe(d.Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
