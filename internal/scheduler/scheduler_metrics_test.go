package scheduler

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewLoopMetrics(registry)
	require.NoError(t, err)

	m.ReportPass(10 * time.Millisecond)
	m.ReportPass(20 * time.Millisecond)
	m.ReportRunCreated("a")
	m.ReportTaskQueued("a")
	m.ReportTaskQueued("a")
	m.ReportTaskQueued("b")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.passes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.createdRuns.WithLabelValues("a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queuedTasks.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queuedTasks.WithLabelValues("b")))

	// Metrics can only be registered once per registry.
	_, err = NewLoopMetrics(registry)
	assert.Error(t, err)
}
