package store

import (
	"time"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
)

// Store is the persistence layer shared by the scheduling loop, the executors and the benchmark driver.
// Records returned by a Store are copies and may be modified freely by the caller.
type Store interface {
	// SyncWorkflow inserts the workflow if it doesn't exist. The paused flag of an existing workflow is updated.
	SyncWorkflow(ctx *benchcontext.Context, workflow WorkflowModel) error
	// PauseAll pauses every known workflow.
	PauseAll(ctx *benchcontext.Context) error
	// SetPaused pauses or unpauses a single workflow.
	SetPaused(ctx *benchcontext.Context, workflowId string, paused bool) error
	// IsPaused returns whether the workflow is paused. Unknown workflows are reported as paused.
	IsPaused(ctx *benchcontext.Context, workflowId string) (bool, error)
	// DeleteRuns removes every run and task instance of the workflow.
	DeleteRuns(ctx *benchcontext.Context, workflowId string) error
	// FindRun returns the run of the workflow at the given logical date or an ErrNotFound.
	FindRun(ctx *benchcontext.Context, workflowId string, logicalDate time.Time) (*Run, error)
	// ListRuns returns the workflow's runs, ordered by logical date. If states is non-empty only runs in one of
	// those states are returned.
	ListRuns(ctx *benchcontext.Context, workflowId string, states ...RunState) ([]*Run, error)
	// CreateRun atomically creates the run and one task instance, with no state, for each of taskIds.
	CreateRun(ctx *benchcontext.Context, run *Run, taskIds []string) error
	// UpdateRun overwrites the state, start and end dates of an existing run.
	UpdateRun(ctx *benchcontext.Context, run *Run) error
	// TaskInstances returns every task instance of the run, ordered by task id.
	TaskInstances(ctx *benchcontext.Context, key RunKey) ([]*TaskInstance, error)
	// SetTaskState updates the state of a task instance and stamps its start or end date as appropriate.
	// The instance is looked up by workflow, logical date and task id; its try number is set to key.TryNumber.
	SetTaskState(ctx *benchcontext.Context, key TaskInstanceKey, state TaskState) error
	// Close releases any resources held by the store.
	Close() error
}

// stampTaskInstance applies a state transition to ti, recording when the task started and finished.
func stampTaskInstance(ti *TaskInstance, key TaskInstanceKey, state TaskState, now time.Time) {
	now = NormaliseTime(now)
	ti.State = state
	ti.TryNumber = key.TryNumber
	if state == TaskStateRunning && ti.StartDate.IsZero() {
		ti.StartDate = now
	}
	if state.Finished() {
		if ti.StartDate.IsZero() {
			ti.StartDate = now
		}
		ti.EndDate = now
	}
}
