package executor

import (
	"sort"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/store"
	"github.com/armadaproject/flowbench/internal/workflow"
)

// StateChangeNotifier receives every task state change an executor reports.
type StateChangeNotifier interface {
	ChangeState(ctx *benchcontext.Context, key store.TaskInstanceKey, state store.TaskState)
}

// Executor runs (or pretends to run) task instances on behalf of the scheduling loop.
type Executor interface {
	StateChangeNotifier
	// Start prepares the executor. Must be called before tasks are queued.
	Start(ctx *benchcontext.Context) error
	// QueueTask submits a task instance. It is dispatched on a subsequent Heartbeat.
	QueueTask(ctx *benchcontext.Context, ti *store.TaskInstance, task *workflow.Task) error
	// Heartbeat dispatches queued work and reports any state changes since the last heartbeat.
	Heartbeat(ctx *benchcontext.Context) error
	// EventBuffer returns, and clears, the state changes reported since the last call.
	EventBuffer() []Event
	// OpenSlots is the number of task instances that may be queued before the executor is saturated.
	OpenSlots() int
	// Running returns true between Start and End.
	Running() bool
	// End waits for in-flight work and releases any resources.
	End(ctx *benchcontext.Context) error
	// SetNotifier routes every state change the executor reports through n.
	// n is responsible for calling back into the executor's own ChangeState.
	SetNotifier(n StateChangeNotifier)
}

// Event is a task state change as seen by the scheduling loop.
type Event struct {
	Key   store.TaskInstanceKey
	State store.TaskState
}

type workItem struct {
	ti   *store.TaskInstance
	task *workflow.Task
}

// BaseExecutor holds the bookkeeping shared by every executor: what is queued, what is running and the events the
// scheduling loop hasn't consumed yet. It is only ever touched from the scheduling loop's goroutine.
type BaseExecutor struct {
	parallelism int
	queued      map[string]*workItem
	running     map[string]store.TaskInstanceKey
	events      []Event
	notifier    StateChangeNotifier
	started     bool
}

func NewBaseExecutor(parallelism int) *BaseExecutor {
	return &BaseExecutor{
		parallelism: parallelism,
		queued:      make(map[string]*workItem),
		running:     make(map[string]store.TaskInstanceKey),
	}
}

func (e *BaseExecutor) SetNotifier(n StateChangeNotifier) {
	e.notifier = n
}

// notify reports a state change through the configured notifier.
func (e *BaseExecutor) notify(ctx *benchcontext.Context, key store.TaskInstanceKey, state store.TaskState) {
	e.notifier.ChangeState(ctx, key, state)
}

func (e *BaseExecutor) QueueTask(ctx *benchcontext.Context, ti *store.TaskInstance, task *workflow.Task) error {
	id := ti.Key().String()
	if _, ok := e.queued[id]; ok {
		ctx.Log.Warnf("could not queue task %s; it is already queued", id)
		return nil
	}
	if _, ok := e.running[id]; ok {
		ctx.Log.Warnf("could not queue task %s; it is already running", id)
		return nil
	}
	e.queued[id] = &workItem{ti: ti.DeepCopy(), task: task}
	return nil
}

// ChangeState is the base handling of a state change: the task stops counting against parallelism once finished
// and the change is buffered for the scheduling loop.
func (e *BaseExecutor) ChangeState(_ *benchcontext.Context, key store.TaskInstanceKey, state store.TaskState) {
	id := key.String()
	if state.Finished() {
		delete(e.running, id)
	}
	delete(e.queued, id)
	e.events = append(e.events, Event{Key: key, State: state})
}

func (e *BaseExecutor) EventBuffer() []Event {
	events := e.events
	e.events = nil
	return events
}

func (e *BaseExecutor) OpenSlots() int {
	return e.parallelism - len(e.running) - len(e.queued)
}

func (e *BaseExecutor) Running() bool {
	return e.started
}

// takeQueued removes up to n queued items, ordered by logical date then workflow then task, and marks them running.
func (e *BaseExecutor) takeQueued(n int) []*workItem {
	if n <= 0 || len(e.queued) == 0 {
		return nil
	}
	items := make([]*workItem, 0, len(e.queued))
	for _, item := range e.queued {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].ti, items[j].ti
		if !a.LogicalDate.Equal(b.LogicalDate) {
			return a.LogicalDate.Before(b.LogicalDate)
		}
		if a.WorkflowId != b.WorkflowId {
			return a.WorkflowId < b.WorkflowId
		}
		return a.TaskId < b.TaskId
	})
	if len(items) > n {
		items = items[:n]
	}
	for _, item := range items {
		key := item.ti.Key()
		id := key.String()
		delete(e.queued, id)
		e.running[id] = key
	}
	return items
}

// freeSlots is the number of queued items that may be started now.
func (e *BaseExecutor) freeSlots() int {
	return e.parallelism - len(e.running)
}
