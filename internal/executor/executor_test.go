package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/common/bencherrors"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
	"github.com/armadaproject/flowbench/internal/store"
	"github.com/armadaproject/flowbench/internal/workflow"
)

var logicalDate = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// recordingNotifier forwards to the executor and records the state stored at the time of each notification.
type recordingNotifier struct {
	base         Executor
	store        store.Store
	events       []Event
	storedStates []store.TaskState
}

func (n *recordingNotifier) ChangeState(ctx *benchcontext.Context, key store.TaskInstanceKey, state store.TaskState) {
	n.base.ChangeState(ctx, key, state)
	n.events = append(n.events, Event{Key: key, State: state})
	tis, err := n.store.TaskInstances(ctx, key.RunKey())
	if err != nil {
		panic(err)
	}
	for _, ti := range tis {
		if ti.TaskId == key.TaskId {
			n.storedStates = append(n.storedStates, ti.State)
		}
	}
}

// queueRun creates a run of the given tasks at logicalDate + offset and queues every task instance.
func queueRun(t *testing.T, ctx *benchcontext.Context, s store.Store, e Executor, workflowId string, offset time.Duration, tasks ...*workflow.Task) {
	date := logicalDate.Add(offset)
	run := &store.Run{
		WorkflowId:  workflowId,
		RunId:       store.RunId(store.RunTypeScheduled, date),
		LogicalDate: date,
		State:       store.RunStateRunning,
		RunType:     store.RunTypeScheduled,
	}
	taskIds := make([]string, len(tasks))
	for i, task := range tasks {
		taskIds[i] = task.Id
	}
	require.NoError(t, s.CreateRun(ctx, run, taskIds))
	tis, err := s.TaskInstances(ctx, run.Key())
	require.NoError(t, err)
	for _, ti := range tis {
		for _, task := range tasks {
			if task.Id == ti.TaskId {
				require.NoError(t, e.QueueTask(ctx, ti, task))
			}
		}
	}
}

func newMemStore(t *testing.T) store.Store {
	s, err := store.NewMemStore(clock.RealClock{})
	require.NoError(t, err)
	return s
}

func TestMockExecutor_Heartbeat(t *testing.T) {
	ctx := benchcontext.Background()
	s := newMemStore(t)
	e := NewMockExecutor(10, s)
	notifier := &recordingNotifier{base: e, store: s}
	e.SetNotifier(notifier)
	e.SetResult("wf-b", "y", store.TaskStateFailed)

	require.NoError(t, e.Start(ctx))
	assert.True(t, e.Running())
	queueRun(t, ctx, s, e, "wf-b", 0, &workflow.Task{Id: "y"}, &workflow.Task{Id: "x"})
	queueRun(t, ctx, s, e, "wf-a", time.Hour, &workflow.Task{Id: "z"})
	queueRun(t, ctx, s, e, "wf-a", 0, &workflow.Task{Id: "z"})
	assert.Equal(t, 6, e.OpenSlots())

	require.NoError(t, e.Heartbeat(ctx))

	expected := []Event{
		{Key: store.TaskInstanceKey{WorkflowId: "wf-a", TaskId: "z", LogicalDate: logicalDate}, State: store.TaskStateSuccess},
		{Key: store.TaskInstanceKey{WorkflowId: "wf-b", TaskId: "x", LogicalDate: logicalDate}, State: store.TaskStateSuccess},
		{Key: store.TaskInstanceKey{WorkflowId: "wf-b", TaskId: "y", LogicalDate: logicalDate}, State: store.TaskStateFailed},
		{Key: store.TaskInstanceKey{WorkflowId: "wf-a", TaskId: "z", LogicalDate: logicalDate.Add(time.Hour)}, State: store.TaskStateSuccess},
	}
	assert.Equal(t, expected, notifier.events)
	assert.Equal(t, expected, e.EventBuffer())
	assert.Empty(t, e.EventBuffer())
	// The final state is visible in the store by the time it is reported.
	assert.Equal(t, []store.TaskState{store.TaskStateSuccess, store.TaskStateSuccess, store.TaskStateFailed, store.TaskStateSuccess}, notifier.storedStates)
	assert.Equal(t, 10, e.OpenSlots())

	require.NoError(t, e.End(ctx))
	assert.False(t, e.Running())
}

func TestMockExecutor_RespectsParallelism(t *testing.T) {
	ctx := benchcontext.Background()
	s := newMemStore(t)
	e := NewMockExecutor(2, s)
	require.NoError(t, e.Start(ctx))
	queueRun(t, ctx, s, e, "wf", 0, &workflow.Task{Id: "a"}, &workflow.Task{Id: "b"}, &workflow.Task{Id: "c"})
	assert.Equal(t, -1, e.OpenSlots())

	require.NoError(t, e.Heartbeat(ctx))
	events := e.EventBuffer()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Key.TaskId)
	assert.Equal(t, "b", events[1].Key.TaskId)

	require.NoError(t, e.Heartbeat(ctx))
	events = e.EventBuffer()
	require.Len(t, events, 1)
	assert.Equal(t, "c", events[0].Key.TaskId)
}

func TestBaseExecutor_QueueTaskTwice(t *testing.T) {
	ctx := benchcontext.Background()
	e := NewBaseExecutor(5)
	ti := &store.TaskInstance{WorkflowId: "wf", TaskId: "a", LogicalDate: logicalDate}
	require.NoError(t, e.QueueTask(ctx, ti, &workflow.Task{Id: "a"}))
	require.NoError(t, e.QueueTask(ctx, ti, &workflow.Task{Id: "a"}))
	assert.Equal(t, 4, e.OpenSlots())

	items := e.takeQueued(e.freeSlots())
	require.Len(t, items, 1)
	// Running tasks can't be queued again either.
	require.NoError(t, e.QueueTask(ctx, ti, &workflow.Task{Id: "a"}))
	assert.Equal(t, 4, e.OpenSlots())

	e.ChangeState(ctx, ti.Key(), store.TaskStateRunning)
	assert.Equal(t, 4, e.OpenSlots())
	e.ChangeState(ctx, ti.Key(), store.TaskStateSuccess)
	assert.Equal(t, 5, e.OpenSlots())
	assert.Len(t, e.EventBuffer(), 2)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{LocalExecutorName, MockExecutorName}, r.Names())

	s := newMemStore(t)
	config := configuration.ExecutorConfig{Parallelism: 4}
	e, err := r.New(MockExecutorName, config, s, clock.RealClock{})
	require.NoError(t, err)
	assert.IsType(t, &MockExecutor{}, e)
	assert.Equal(t, 4, e.OpenSlots())

	e, err = r.New(LocalExecutorName, config, s, clock.RealClock{})
	require.NoError(t, err)
	assert.IsType(t, &LocalExecutor{}, e)

	_, err = r.New("airflow.executors.celery_executor.CeleryExecutor", config, s, clock.RealClock{})
	var invalid *bencherrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "executorClass", invalid.Name)
	assert.Contains(t, err.Error(), "LocalExecutor, MockExecutor")
}
