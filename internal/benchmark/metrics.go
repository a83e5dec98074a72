package benchmark

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/armadaproject/flowbench/internal/store"
)

const (
	NAMESPACE = "flowbench"
	SUBSYSTEM = "benchmark"
)

// Metrics exposes benchmark progress. A nil *Metrics records nothing.
type Metrics struct {
	trialDuration prometheus.Histogram
	remainingRuns *prometheus.GaugeVec
	stateChanges  *prometheus.CounterVec
	abortedTrials prometheus.Counter
}

func NewMetrics(r prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		trialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "trial_duration_seconds",
			Help:      "Wall clock time taken by each completed trial.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		remainingRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "remaining_runs",
			Help:      "Runs the current trial is still waiting on.",
		}, []string{"workflow"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "task_state_changes_total",
			Help:      "Task state changes reported by the executor.",
		}, []string{"state"}),
		abortedTrials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "aborted_trials_total",
			Help:      "Trials aborted because the scheduling loop or completion tracking failed.",
		}),
	}
	for _, c := range []prometheus.Collector{m.trialDuration, m.remainingRuns, m.stateChanges, m.abortedTrials} {
		if err := r.Register(c); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return m, nil
}

func (m *Metrics) setRemainingRuns(workflowId string, remaining int) {
	if m == nil {
		return
	}
	m.remainingRuns.WithLabelValues(workflowId).Set(float64(remaining))
}

func (m *Metrics) recordStateChange(state store.TaskState) {
	if m == nil {
		return
	}
	label := string(state)
	if label == "" {
		label = "none"
	}
	m.stateChanges.WithLabelValues(label).Inc()
}

func (m *Metrics) recordTrial(d time.Duration) {
	if m == nil {
		return
	}
	m.trialDuration.Observe(d.Seconds())
}

func (m *Metrics) recordAbortedTrial() {
	if m == nil {
		return
	}
	m.abortedTrials.Inc()
}
