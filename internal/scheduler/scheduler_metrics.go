package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	NAMESPACE = "flowbench"
	SUBSYSTEM = "scheduler"
)

type LoopMetrics struct {
	// Number of completed scheduling passes.
	passes prometheus.Counter
	// Time taken by each scheduling pass.
	passDuration prometheus.Histogram
	// Number of runs created by the loop, per workflow.
	createdRuns *prometheus.CounterVec
	// Number of task instances handed to the executor, per workflow.
	queuedTasks *prometheus.CounterVec
}

// NewLoopMetrics creates the loop metrics and registers them with r.
// A single LoopMetrics is shared by every Loop created during a benchmark.
func NewLoopMetrics(r prometheus.Registerer) (*LoopMetrics, error) {
	m := &LoopMetrics{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "passes_total",
			Help:      "Number of completed scheduling passes.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "pass_duration_seconds",
			Help:      "Time taken by a scheduling pass.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		createdRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "created_runs_total",
			Help:      "Number of runs created by the scheduling loop.",
		}, []string{"workflow"}),
		queuedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "queued_task_instances_total",
			Help:      "Number of task instances queued to the executor.",
		}, []string{"workflow"}),
	}
	for _, c := range []prometheus.Collector{m.passes, m.passDuration, m.createdRuns, m.queuedTasks} {
		if err := r.Register(c); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return m, nil
}

func (m *LoopMetrics) ReportPass(d time.Duration) {
	m.passes.Inc()
	m.passDuration.Observe(d.Seconds())
}

func (m *LoopMetrics) ReportRunCreated(workflowId string) {
	m.createdRuns.WithLabelValues(workflowId).Inc()
}

func (m *LoopMetrics) ReportTaskQueued(workflowId string) {
	m.queuedTasks.WithLabelValues(workflowId).Inc()
}
