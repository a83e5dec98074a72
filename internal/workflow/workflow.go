package workflow

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowbench/internal/common/bencherrors"
	"github.com/armadaproject/flowbench/internal/store"
)

// Task is a single unit of work within a workflow.
type Task struct {
	Id string
	// Ids of the tasks that must succeed before this one may start.
	Upstream []string
	// Command run by executors that run real work. May be empty.
	Command []string
	// Time spent by executors that run real work when Command is empty.
	Sleep time.Duration
}

// Workflow is a named graph of tasks plus the schedule its runs follow.
type Workflow struct {
	Id        string
	StartDate time.Time
	// No runs are created with a logical date after EndDate. Nil means no end.
	EndDate  *time.Time
	Schedule Schedule
	// Maximum number of queued or running runs. Zero uses the scheduler default.
	MaxActiveRuns int
	Tasks         []*Task

	indexOnce sync.Once
	tasksById map[string]*Task
}

// Task returns the task with the given id.
func (w *Workflow) Task(taskId string) (*Task, bool) {
	w.indexOnce.Do(func() {
		w.tasksById = make(map[string]*Task, len(w.Tasks))
		for _, task := range w.Tasks {
			w.tasksById[task.Id] = task
		}
	})
	task, ok := w.tasksById[taskId]
	return task, ok
}

// TaskIds returns the ids of every task in the workflow, in definition order.
func (w *Workflow) TaskIds() []string {
	ids := make([]string, len(w.Tasks))
	for i, task := range w.Tasks {
		ids[i] = task.Id
	}
	return ids
}

// NextRunInfo returns the run that follows the one covering last, or the first run if last is nil.
func (w *Workflow) NextRunInfo(last *store.DataInterval) *RunInfo {
	return w.Schedule.NextRunInfo(w.StartDate, w.EndDate, last)
}

// NthRunInfo returns the n-th run of the workflow, counting from 1, ignoring the end date.
// Returns nil if the schedule produces fewer than n runs.
func (w *Workflow) NthRunInfo(n int) *RunInfo {
	var info *RunInfo
	var last *store.DataInterval
	for i := 0; i < n; i++ {
		info = w.Schedule.NextRunInfo(w.StartDate, nil, last)
		if info == nil {
			return nil
		}
		last = &info.DataInterval
	}
	return info
}

// Bag holds every loaded workflow keyed by id.
type Bag map[string]*Workflow

// Get returns the workflow with the given id or an ErrNotFound.
func (b Bag) Get(workflowId string) (*Workflow, error) {
	w, ok := b[workflowId]
	if !ok {
		return nil, &bencherrors.ErrNotFound{Type: "workflow", Value: workflowId}
	}
	return w, nil
}

// Ids returns the ids of all workflows in the bag, sorted.
func (b Bag) Ids() []string {
	ids := maps.Keys(b)
	slices.Sort(ids)
	return ids
}
