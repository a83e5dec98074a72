package executor

import (
	"github.com/pkg/errors"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/store"
)

// MockExecutor runs no work: every dispatched task instance immediately reaches its mock result, success unless
// configured otherwise. It measures pure scheduling overhead.
type MockExecutor struct {
	*BaseExecutor
	store   store.Store
	results map[string]store.TaskState
}

func NewMockExecutor(parallelism int, s store.Store) *MockExecutor {
	e := &MockExecutor{
		BaseExecutor: NewBaseExecutor(parallelism),
		store:        s,
		results:      make(map[string]store.TaskState),
	}
	e.SetNotifier(e)
	return e
}

// SetResult makes every instance of the given task finish in state instead of succeeding.
func (e *MockExecutor) SetResult(workflowId, taskId string, state store.TaskState) {
	e.results[workflowId+"."+taskId] = state
}

func (e *MockExecutor) result(key store.TaskInstanceKey) store.TaskState {
	if state, ok := e.results[key.WorkflowId+"."+key.TaskId]; ok {
		return state
	}
	return store.TaskStateSuccess
}

func (e *MockExecutor) Start(_ *benchcontext.Context) error {
	e.started = true
	return nil
}

// Heartbeat finishes every task instance it can start. The final state is written to the store before the state
// change is reported, so observers always see it.
func (e *MockExecutor) Heartbeat(ctx *benchcontext.Context) error {
	for _, item := range e.takeQueued(e.freeSlots()) {
		key := item.ti.Key()
		state := e.result(key)
		if err := e.store.SetTaskState(ctx, key, state); err != nil {
			return errors.WithMessagef(err, "error setting state of %s", key)
		}
		e.notify(ctx, key, state)
	}
	return nil
}

func (e *MockExecutor) End(_ *benchcontext.Context) error {
	e.started = false
	return nil
}
