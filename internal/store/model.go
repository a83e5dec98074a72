package store

import (
	"fmt"
	"time"
)

// TaskState is the state of a single task instance.
type TaskState string

const (
	TaskStateNone           TaskState = ""
	TaskStateScheduled      TaskState = "scheduled"
	TaskStateQueued         TaskState = "queued"
	TaskStateRunning        TaskState = "running"
	TaskStateSuccess        TaskState = "success"
	TaskStateFailed         TaskState = "failed"
	TaskStateUpstreamFailed TaskState = "upstream_failed"
	TaskStateSkipped        TaskState = "skipped"
)

// Finished returns true if no further transitions are expected for a task in this state.
func (s TaskState) Finished() bool {
	switch s {
	case TaskStateSuccess, TaskStateFailed, TaskStateUpstreamFailed, TaskStateSkipped:
		return true
	}
	return false
}

// Failure returns true for the states that cause a run to fail.
func (s TaskState) Failure() bool {
	return s == TaskStateFailed || s == TaskStateUpstreamFailed
}

// RunState is the state of a workflow run.
type RunState string

const (
	RunStateQueued  RunState = "queued"
	RunStateRunning RunState = "running"
	RunStateSuccess RunState = "success"
	RunStateFailed  RunState = "failed"
)

// Active returns true if the run still counts against its workflow's max active runs.
func (s RunState) Active() bool {
	return s == RunStateQueued || s == RunStateRunning
}

// RunType records whether a run was created by the scheduling loop or up front by the benchmark driver.
type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
)

// NormaliseTime converts t to the representation used for all logical dates: UTC at microsecond precision.
// Both store backends persist microseconds, so anything finer would not survive a round trip.
func NormaliseTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// RunId returns the identifier given to a run of the given type at the given logical date.
func RunId(runType RunType, logicalDate time.Time) string {
	return fmt.Sprintf("%s__%s", runType, NormaliseTime(logicalDate).Format(time.RFC3339Nano))
}

// RunKey identifies one run of a workflow.
type RunKey struct {
	WorkflowId  string
	LogicalDate time.Time
}

func NewRunKey(workflowId string, logicalDate time.Time) RunKey {
	return RunKey{WorkflowId: workflowId, LogicalDate: NormaliseTime(logicalDate)}
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s@%s", k.WorkflowId, k.LogicalDate.Format(time.RFC3339Nano))
}

// TaskInstanceKey identifies one attempt at one task within one run.
type TaskInstanceKey struct {
	WorkflowId  string
	TaskId      string
	LogicalDate time.Time
	TryNumber   int
}

// RunKey returns the key of the run this task instance belongs to.
func (k TaskInstanceKey) RunKey() RunKey {
	return NewRunKey(k.WorkflowId, k.LogicalDate)
}

func (k TaskInstanceKey) String() string {
	return fmt.Sprintf("%s.%s@%s#%d", k.WorkflowId, k.TaskId, k.LogicalDate.Format(time.RFC3339Nano), k.TryNumber)
}

// DataInterval is the half-open period of time a run covers.
type DataInterval struct {
	Start time.Time
	End   time.Time
}

// WorkflowModel is the persisted part of a workflow definition.
type WorkflowModel struct {
	WorkflowId string
	Paused     bool
}

// Run is the persisted record of a workflow run.
type Run struct {
	WorkflowId   string
	RunId        string
	LogicalDate  time.Time
	DataInterval DataInterval
	State        RunState
	RunType      RunType
	StartDate    time.Time
	// Zero until the run reaches a terminal state.
	EndDate time.Time
}

// Key returns the RunKey of this run.
func (r *Run) Key() RunKey {
	return NewRunKey(r.WorkflowId, r.LogicalDate)
}

// DeepCopy returns a copy of the run. Runs handed out by a Store must not be modified in place.
func (r *Run) DeepCopy() *Run {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// TaskInstance is the persisted execution record of a single task within a run.
type TaskInstance struct {
	WorkflowId  string
	TaskId      string
	RunId       string
	LogicalDate time.Time
	State       TaskState
	TryNumber   int
	StartDate   time.Time
	EndDate     time.Time
}

// Key returns the TaskInstanceKey of this task instance.
func (ti *TaskInstance) Key() TaskInstanceKey {
	return TaskInstanceKey{
		WorkflowId:  ti.WorkflowId,
		TaskId:      ti.TaskId,
		LogicalDate: NormaliseTime(ti.LogicalDate),
		TryNumber:   ti.TryNumber,
	}
}

// RunKey returns the key of the run this task instance belongs to.
func (ti *TaskInstance) RunKey() RunKey {
	return NewRunKey(ti.WorkflowId, ti.LogicalDate)
}

// DeepCopy returns a copy of the task instance.
func (ti *TaskInstance) DeepCopy() *TaskInstance {
	if ti == nil {
		return nil
	}
	c := *ti
	return &c
}
