package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobs"

// Metrics holds the collectors shared by the gateway and the loops.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Submissions    *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	StartAttempts  *prometheus.CounterVec
	CancelAttempts *prometheus.CounterVec
	ClaimConflicts prometheus.Counter
	PassDuration   *prometheus.HistogramVec
	PassErrors     *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
}

// New registers the collectors on reg. A nil reg gets a private registry,
// which suits tests that build several components.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Job submissions by job type and outcome (accepted, duplicate, rejected).",
		}, []string{"type", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Job state transitions applied, by target state.",
		}, []string{"state"}),
		StartAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "start_attempts_total",
			Help:      "Workflow execution start attempts by result.",
		}, []string{"execution_type", "result"}),
		CancelAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cancellation",
			Name:      "cancel_attempts_total",
			Help:      "Remote cancellation attempts by result.",
		}, []string{"result"}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "claim_conflicts_total",
			Help:      "Conditional updates lost to another replica.",
		}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_pass_duration_seconds",
			Help:      "Duration of one pass of a poll loop.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
		PassErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_pass_errors_total",
			Help:      "Per-job errors logged by a poll loop pass.",
		}, []string{"loop"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Jobs seen by the latest scheduler pass, by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.Submissions, m.Transitions, m.StartAttempts, m.CancelAttempts,
		m.ClaimConflicts, m.PassDuration, m.PassErrors, m.QueueDepth)
	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) Submitted(jobType, outcome string) {
	if m != nil {
		m.Submissions.WithLabelValues(jobType, outcome).Inc()
	}
}

func (m *Metrics) Transitioned(state string) {
	if m != nil {
		m.Transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) StartAttempt(executionType, result string) {
	if m != nil {
		m.StartAttempts.WithLabelValues(executionType, result).Inc()
	}
}

func (m *Metrics) CancelAttempt(result string) {
	if m != nil {
		m.CancelAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ClaimLost() {
	if m != nil {
		m.ClaimConflicts.Inc()
	}
}

func (m *Metrics) PassFinished(loop string, seconds float64, errs int) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(loop).Observe(seconds)
	if errs > 0 {
		m.PassErrors.WithLabelValues(loop).Add(float64(errs))
	}
}

func (m *Metrics) SetQueueDepth(state string, n int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(state).Set(float64(n))
	}
}
