package benchmark

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/store"
)

// watchEntry is the completion state of one watched workflow.
type watchEntry struct {
	// Only ever decreases. The workflow stops being watched when it reaches zero.
	remainingRuns int
	runs          *runRegistry
}

// Progress is the outcome of a single state change.
type Progress struct {
	// True only for the state change that completed the last outstanding run.
	Done bool
	// True if the state change completed a run.
	RunCompleted bool
	// Runs still outstanding across every watched workflow.
	RemainingRuns int
}

// CompletionTracker counts down the runs each watched workflow must complete. Every task state change triggers a
// scan of the task instances of its run; once they have all succeeded the run counts as complete.
//
// A CompletionTracker is not safe for concurrent use. It is driven from the scheduling loop's goroutine.
type CompletionTracker struct {
	store    store.Store
	watching map[string]*watchEntry
	metrics  *Metrics
}

func NewCompletionTracker(s store.Store, metrics *Metrics) *CompletionTracker {
	return &CompletionTracker{
		store:    s,
		watching: make(map[string]*watchEntry),
		metrics:  metrics,
	}
}

// Initialize discards all state and starts watching workflowIds, each of which must complete runsPerWorkflow runs.
func (t *CompletionTracker) Initialize(workflowIds []string, runsPerWorkflow int) {
	t.watching = make(map[string]*watchEntry, len(workflowIds))
	if runsPerWorkflow <= 0 {
		return
	}
	for _, id := range workflowIds {
		t.watching[id] = &watchEntry{
			remainingRuns: runsPerWorkflow,
			runs:          newRunRegistry(t.store, id),
		}
		t.metrics.setRemainingRuns(id, runsPerWorkflow)
	}
}

// OnTaskStateChanged processes a single task state change. Changes for workflows that aren't watched, for runs that
// have already been counted and for runs the store doesn't know about yet are ignored.
func (t *CompletionTracker) OnTaskStateChanged(ctx *benchcontext.Context, key store.TaskInstanceKey, state store.TaskState) (Progress, error) {
	t.metrics.recordStateChange(state)
	entry, ok := t.watching[key.WorkflowId]
	if !ok {
		return t.progress(false, false), nil
	}
	if entry.runs.isComplete(key.LogicalDate) {
		return t.progress(false, false), nil
	}
	run, err := entry.runs.resolve(ctx, key.LogicalDate)
	if err != nil {
		return Progress{}, errors.WithMessagef(err, "error loading run of %s", key)
	}
	if run == nil {
		// The run isn't visible yet; a later state change will catch it.
		return t.progress(false, false), nil
	}

	tis, err := t.store.TaskInstances(ctx, run.Key())
	if err != nil {
		return Progress{}, errors.WithMessagef(err, "error loading task instances of %s", run.Key())
	}
	for _, ti := range tis {
		if ti.State != store.TaskStateSuccess {
			return t.progress(false, false), nil
		}
	}

	entry.runs.complete(key.LogicalDate)
	entry.remainingRuns--
	t.metrics.setRemainingRuns(key.WorkflowId, entry.remainingRuns)
	ctx.Log.Debugf("run %s of %s complete; %d to go", run.RunId, key.WorkflowId, entry.remainingRuns)
	if entry.remainingRuns == 0 {
		delete(t.watching, key.WorkflowId)
	}
	return t.progress(len(t.watching) == 0, true), nil
}

func (t *CompletionTracker) progress(done bool, runCompleted bool) Progress {
	return Progress{Done: done, RunCompleted: runCompleted, RemainingRuns: t.Remaining()}
}

// Remaining returns the number of runs still outstanding across every watched workflow.
func (t *CompletionTracker) Remaining() int {
	remaining := 0
	for _, entry := range t.watching {
		remaining += entry.remainingRuns
	}
	return remaining
}

// Watching returns true if workflowId still has runs outstanding.
func (t *CompletionTracker) Watching(workflowId string) bool {
	_, ok := t.watching[workflowId]
	return ok
}

// WatchedWorkflows returns the ids of the workflows that still have runs outstanding, sorted.
func (t *CompletionTracker) WatchedWorkflows() []string {
	ids := maps.Keys(t.watching)
	slices.Sort(ids)
	return ids
}
