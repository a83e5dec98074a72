package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/executor"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
	"github.com/armadaproject/flowbench/internal/store"
	"github.com/armadaproject/flowbench/internal/workflow"
)

var (
	testNow   = time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	testStart = time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC)
)

var defaultTestConfig = configuration.SchedulerConfig{
	DisableIdleSleep:                true,
	MaxActiveTasksPerWorkflow:       500,
	DefaultMaxActiveRunsPerWorkflow: 16,
	CreateRuns:                      true,
}

type testHarness struct {
	ctx      *benchcontext.Context
	clock    *clock.FakeClock
	store    store.Store
	executor *executor.MockExecutor
	metrics  *LoopMetrics
}

func newTestHarness(t *testing.T, parallelism int) *testHarness {
	clk := clock.NewFakeClock(testNow)
	s, err := store.NewMemStore(clk)
	require.NoError(t, err)
	metrics, err := NewLoopMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return &testHarness{
		ctx:      benchcontext.Background(),
		clock:    clk,
		store:    s,
		executor: executor.NewMockExecutor(parallelism, s),
		metrics:  metrics,
	}
}

// newLoop unpauses workflows and returns a loop over them.
func (h *testHarness) newLoop(t *testing.T, config configuration.SchedulerConfig, workflows ...*workflow.Workflow) *Loop {
	for _, w := range workflows {
		require.NoError(t, h.store.SyncWorkflow(h.ctx, store.WorkflowModel{WorkflowId: w.Id}))
	}
	return NewLoop(h.store, h.executor, workflows, config, h.clock, h.metrics)
}

// runPasses runs a loop for exactly n passes.
func (h *testHarness) runPasses(t *testing.T, loop *Loop, n int) {
	loop.SetNumRuns(loop.LoopCount() + n)
	require.NoError(t, loop.Run(h.ctx))
}

func (h *testHarness) runStates(t *testing.T, workflowId string) []store.RunState {
	runs, err := h.store.ListRuns(h.ctx, workflowId)
	require.NoError(t, err)
	states := make([]store.RunState, len(runs))
	for i, run := range runs {
		states[i] = run.State
	}
	return states
}

func (h *testHarness) taskStates(t *testing.T, workflowId string, logicalDate time.Time) map[string]store.TaskState {
	tis, err := h.store.TaskInstances(h.ctx, store.NewRunKey(workflowId, logicalDate))
	require.NoError(t, err)
	states := make(map[string]store.TaskState, len(tis))
	for _, ti := range tis {
		states[ti.TaskId] = ti.State
	}
	return states
}

func hourlyWorkflow(id string, numRuns int, tasks ...*workflow.Task) *workflow.Workflow {
	end := testStart.Add(time.Duration(numRuns-1) * time.Hour)
	return &workflow.Workflow{
		Id:        id,
		StartDate: testStart,
		EndDate:   &end,
		Schedule:  workflow.NewIntervalSchedule(time.Hour),
		Tasks:     tasks,
	}
}

func linearTasks(ids ...string) []*workflow.Task {
	tasks := make([]*workflow.Task, len(ids))
	for i, id := range ids {
		tasks[i] = &workflow.Task{Id: id}
		if i > 0 {
			tasks[i].Upstream = []string{ids[i-1]}
		}
	}
	return tasks
}

func TestLoop_StopsAfterNumRuns(t *testing.T) {
	h := newTestHarness(t, 10)
	loop := h.newLoop(t, defaultTestConfig)
	loop.SetNumRuns(3)
	require.NoError(t, loop.Run(h.ctx))
	assert.Equal(t, 3, loop.LoopCount())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.passes))
	assert.False(t, h.executor.Running())
	assert.NotEmpty(t, loop.JobId())
}

func TestLoop_CreatesRunsUpToEndDate(t *testing.T) {
	h := newTestHarness(t, 10)
	w := hourlyWorkflow("wf", 3, &workflow.Task{Id: "a"})
	loop := h.newLoop(t, defaultTestConfig, w)

	h.runPasses(t, loop, 5)

	assert.Equal(t, []store.RunState{store.RunStateSuccess, store.RunStateSuccess, store.RunStateSuccess}, h.runStates(t, "wf"))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.createdRuns.WithLabelValues("wf")))
}

func TestLoop_RespectsMaxActiveRuns(t *testing.T) {
	h := newTestHarness(t, 10)
	w := hourlyWorkflow("wf", 5, &workflow.Task{Id: "a"})
	w.MaxActiveRuns = 2
	loop := h.newLoop(t, defaultTestConfig, w)

	// Pass 1 creates two runs whose only task succeeds during the heartbeat.
	h.runPasses(t, loop, 1)
	assert.Equal(t, []store.RunState{store.RunStateRunning, store.RunStateRunning}, h.runStates(t, "wf"))

	// Pass 2 marks them successful after checking for new runs, so pass 3 is the first with room for more.
	h.runPasses(t, loop, 1)
	assert.Equal(t, []store.RunState{store.RunStateSuccess, store.RunStateSuccess}, h.runStates(t, "wf"))

	h.runPasses(t, loop, 1)
	assert.Equal(t, []store.RunState{
		store.RunStateSuccess, store.RunStateSuccess, store.RunStateRunning, store.RunStateRunning,
	}, h.runStates(t, "wf"))
}

func TestLoop_WaitsUntilRunIsDue(t *testing.T) {
	h := newTestHarness(t, 10)
	w := &workflow.Workflow{
		Id:        "wf",
		StartDate: testNow.Add(-30 * time.Minute),
		Schedule:  workflow.NewIntervalSchedule(time.Hour),
		Tasks:     []*workflow.Task{{Id: "a"}},
	}
	loop := h.newLoop(t, defaultTestConfig, w)

	h.runPasses(t, loop, 1)
	assert.Empty(t, h.runStates(t, "wf"))

	h.clock.Step(30 * time.Minute)
	h.runPasses(t, loop, 1)
	assert.Len(t, h.runStates(t, "wf"), 1)
}

func TestLoop_PreCreatedRunsOnly(t *testing.T) {
	h := newTestHarness(t, 10)
	w := hourlyWorkflow("wf", 3, &workflow.Task{Id: "a"})
	config := defaultTestConfig
	config.CreateRuns = false
	loop := h.newLoop(t, config, w)
	run := &store.Run{
		WorkflowId:   "wf",
		RunId:        store.RunId(store.RunTypeManual, testStart),
		LogicalDate:  testStart,
		DataInterval: store.DataInterval{Start: testStart, End: testStart},
		State:        store.RunStateRunning,
		RunType:      store.RunTypeManual,
	}
	require.NoError(t, h.store.CreateRun(h.ctx, run, w.TaskIds()))

	h.runPasses(t, loop, 3)
	assert.Equal(t, []store.RunState{store.RunStateSuccess}, h.runStates(t, "wf"))
}

func TestLoop_SkipsPausedWorkflows(t *testing.T) {
	h := newTestHarness(t, 10)
	w := hourlyWorkflow("wf", 3, &workflow.Task{Id: "a"})
	loop := h.newLoop(t, defaultTestConfig, w)
	require.NoError(t, h.store.PauseAll(h.ctx))

	h.runPasses(t, loop, 2)
	assert.Empty(t, h.runStates(t, "wf"))
}

func TestLoop_RunsTasksInDependencyOrder(t *testing.T) {
	h := newTestHarness(t, 10)
	w := hourlyWorkflow("wf", 1, linearTasks("a", "b", "c")...)
	loop := h.newLoop(t, defaultTestConfig, w)

	h.runPasses(t, loop, 1)
	assert.Equal(t, map[string]store.TaskState{
		"a": store.TaskStateSuccess, "b": store.TaskStateNone, "c": store.TaskStateNone,
	}, h.taskStates(t, "wf", testStart))

	h.runPasses(t, loop, 2)
	assert.Equal(t, map[string]store.TaskState{
		"a": store.TaskStateSuccess, "b": store.TaskStateSuccess, "c": store.TaskStateSuccess,
	}, h.taskStates(t, "wf", testStart))
	// The run's state catches up on the following pass.
	assert.Equal(t, []store.RunState{store.RunStateRunning}, h.runStates(t, "wf"))

	h.runPasses(t, loop, 1)
	assert.Equal(t, []store.RunState{store.RunStateSuccess}, h.runStates(t, "wf"))
}

func TestLoop_PropagatesFailure(t *testing.T) {
	h := newTestHarness(t, 10)
	h.executor.SetResult("wf", "a", store.TaskStateFailed)
	w := hourlyWorkflow("wf", 1, linearTasks("a", "b")...)
	loop := h.newLoop(t, defaultTestConfig, w)

	h.runPasses(t, loop, 3)
	assert.Equal(t, map[string]store.TaskState{
		"a": store.TaskStateFailed, "b": store.TaskStateUpstreamFailed,
	}, h.taskStates(t, "wf", testStart))
	assert.Equal(t, []store.RunState{store.RunStateFailed}, h.runStates(t, "wf"))
}

func TestLoop_RespectsTaskLimits(t *testing.T) {
	parallel := []*workflow.Task{{Id: "a"}, {Id: "b"}, {Id: "c"}}
	tests := map[string]struct {
		parallelism     int
		maxActiveTasks  int
		expectedSuccess int
	}{
		"executor parallelism": {parallelism: 2, maxActiveTasks: 500, expectedSuccess: 2},
		"max active tasks":     {parallelism: 10, maxActiveTasks: 1, expectedSuccess: 1},
		"no limit reached":     {parallelism: 10, maxActiveTasks: 500, expectedSuccess: 3},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newTestHarness(t, tc.parallelism)
			config := defaultTestConfig
			config.MaxActiveTasksPerWorkflow = tc.maxActiveTasks
			w := hourlyWorkflow("wf", 1, parallel...)
			loop := h.newLoop(t, config, w)

			h.runPasses(t, loop, 1)
			succeeded := 0
			for _, state := range h.taskStates(t, "wf", testStart) {
				if state == store.TaskStateSuccess {
					succeeded++
				} else {
					assert.Equal(t, store.TaskStateScheduled, state)
				}
			}
			assert.Equal(t, tc.expectedSuccess, succeeded)
			assert.Equal(t, float64(tc.expectedSuccess), testutil.ToFloat64(h.metrics.queuedTasks.WithLabelValues("wf")))
		})
	}
}

// stopOnFirstEvent asks the loop to stop as soon as the executor reports anything.
type stopOnFirstEvent struct {
	base   executor.Executor
	loop   *Loop
	events int
}

func (n *stopOnFirstEvent) ChangeState(ctx *benchcontext.Context, key store.TaskInstanceKey, state store.TaskState) {
	n.base.ChangeState(ctx, key, state)
	n.events++
	n.loop.SetNumRuns(1)
}

func TestLoop_SetNumRunsFinishesCurrentPass(t *testing.T) {
	h := newTestHarness(t, 10)
	w := hourlyWorkflow("wf", 3, &workflow.Task{Id: "a"}, &workflow.Task{Id: "b"})
	loop := h.newLoop(t, defaultTestConfig, w)
	notifier := &stopOnFirstEvent{base: h.executor, loop: loop}
	h.executor.SetNotifier(notifier)

	require.NoError(t, loop.Run(h.ctx))

	assert.Equal(t, 1, loop.LoopCount())
	// The pass that stopped the loop still heartbeated every queued task and consumed the resulting events.
	assert.Equal(t, 6, notifier.events)
	assert.Empty(t, h.executor.EventBuffer())
	assert.Equal(t, 6.0, testutil.ToFloat64(h.metrics.queuedTasks.WithLabelValues("wf")))
}

// forgetfulExecutor reports every queued task succeeded without recording anything in the store.
type forgetfulExecutor struct {
	queued   []*store.TaskInstance
	events   []executor.Event
	notifier executor.StateChangeNotifier
	started  bool
}

func (e *forgetfulExecutor) Start(*benchcontext.Context) error { e.started = true; return nil }
func (e *forgetfulExecutor) End(*benchcontext.Context) error { e.started = false; return nil }
func (e *forgetfulExecutor) Running() bool { return e.started }
func (e *forgetfulExecutor) OpenSlots() int { return 10 }
func (e *forgetfulExecutor) SetNotifier(n executor.StateChangeNotifier) {
	e.notifier = n
}

func (e *forgetfulExecutor) QueueTask(_ *benchcontext.Context, ti *store.TaskInstance, _ *workflow.Task) error {
	e.queued = append(e.queued, ti)
	return nil
}

func (e *forgetfulExecutor) Heartbeat(ctx *benchcontext.Context) error {
	for _, ti := range e.queued {
		e.notifier.ChangeState(ctx, ti.Key(), store.TaskStateSuccess)
	}
	e.queued = nil
	return nil
}

func (e *forgetfulExecutor) ChangeState(_ *benchcontext.Context, key store.TaskInstanceKey, state store.TaskState) {
	e.events = append(e.events, executor.Event{Key: key, State: state})
}

func (e *forgetfulExecutor) EventBuffer() []executor.Event {
	events := e.events
	e.events = nil
	return events
}

func TestLoop_FailsTasksTheExecutorLostTrackOf(t *testing.T) {
	h := newTestHarness(t, 10)
	e := &forgetfulExecutor{}
	e.SetNotifier(e)
	w := hourlyWorkflow("wf", 1, &workflow.Task{Id: "a"})
	require.NoError(t, h.store.SyncWorkflow(h.ctx, store.WorkflowModel{WorkflowId: w.Id}))
	loop := NewLoop(h.store, e, []*workflow.Workflow{w}, defaultTestConfig, h.clock, h.metrics)

	loop.SetNumRuns(2)
	require.NoError(t, loop.Run(h.ctx))

	assert.Equal(t, map[string]store.TaskState{"a": store.TaskStateFailed}, h.taskStates(t, "wf", testStart))
	assert.Equal(t, []store.RunState{store.RunStateFailed}, h.runStates(t, "wf"))
}

func TestLoop_IdleSleepAndCancellation(t *testing.T) {
	h := newTestHarness(t, 10)
	config := defaultTestConfig
	config.DisableIdleSleep = false
	config.IdleSleep = time.Second
	loop := h.newLoop(t, config)

	ctx, cancel := benchcontext.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx)
	}()

	// Nothing to do, so the loop sleeps after every pass.
	require.Eventually(t, h.clock.HasWaiters, 5*time.Second, time.Millisecond)
	h.clock.Step(time.Second)
	require.Eventually(t, h.clock.HasWaiters, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after its context was cancelled")
	}
	assert.GreaterOrEqual(t, loop.LoopCount(), 2)
}

func TestRunOutcome(t *testing.T) {
	ti := func(state store.TaskState) *store.TaskInstance { return &store.TaskInstance{State: state} }
	tests := map[string]struct {
		tis      []*store.TaskInstance
		expected store.RunState
		done     bool
	}{
		"no tasks":         {expected: store.RunStateSuccess, done: true},
		"all succeeded":    {tis: []*store.TaskInstance{ti(store.TaskStateSuccess), ti(store.TaskStateSkipped)}, expected: store.RunStateSuccess, done: true},
		"one failed":       {tis: []*store.TaskInstance{ti(store.TaskStateSuccess), ti(store.TaskStateFailed)}, expected: store.RunStateFailed, done: true},
		"upstream failed":  {tis: []*store.TaskInstance{ti(store.TaskStateUpstreamFailed)}, expected: store.RunStateFailed, done: true},
		"still running":    {tis: []*store.TaskInstance{ti(store.TaskStateFailed), ti(store.TaskStateRunning)}},
		"not yet scheduled": {tis: []*store.TaskInstance{ti(store.TaskStateNone)}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			state, done := runOutcome(tc.tis)
			assert.Equal(t, tc.done, done)
			assert.Equal(t, tc.expected, state)
		})
	}
}
