package scheduler

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/common/util"
	"github.com/armadaproject/flowbench/internal/executor"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
	"github.com/armadaproject/flowbench/internal/store"
	"github.com/armadaproject/flowbench/internal/workflow"
)

// UnlimitedPasses makes the loop run until its context is cancelled or SetNumRuns is called.
const UnlimitedPasses = -1

// Loop is the scheduling loop under test. Each pass creates runs, moves finished runs to a terminal state,
// schedules task instances whose upstreams have succeeded, queues them to the executor, heartbeats the executor
// and processes the state changes it reported.
//
// A Loop is single-threaded: Run, SetNumRuns and the executor's notifications all happen on one goroutine.
type Loop struct {
	// Where runs and task instances are persisted
	store store.Store
	// Runs the task instances we queue
	executor executor.Executor
	// The workflows this loop schedules
	workflows []*workflow.Workflow
	config    configuration.SchedulerConfig
	// Used for all timing decisions (sleep etc). Injected here so that we can mock out for testing
	clock   clock.Clock
	metrics *LoopMetrics
	// Number of passes after which Run returns; UnlimitedPasses for no limit.
	numRuns int
	// Number of passes completed so far.
	loopCount int
	// Identifies this loop in logs.
	jobId string
}

func NewLoop(
	s store.Store,
	e executor.Executor,
	workflows []*workflow.Workflow,
	config configuration.SchedulerConfig,
	clock clock.Clock,
	metrics *LoopMetrics,
) *Loop {
	return &Loop{
		store:     s,
		executor:  e,
		workflows: workflows,
		config:    config,
		clock:     clock,
		metrics:   metrics,
		numRuns:   UnlimitedPasses,
		jobId:     util.NewULID(),
	}
}

// SetNumRuns limits the loop to n passes in total. Called during a pass with n <= the number of passes completed so
// far, the current pass completes and Run then returns.
func (l *Loop) SetNumRuns(n int) {
	l.numRuns = n
}

func (l *Loop) NumRuns() int {
	return l.numRuns
}

// LoopCount returns the number of passes completed so far.
func (l *Loop) LoopCount() int {
	return l.loopCount
}

func (l *Loop) JobId() string {
	return l.jobId
}

// Run starts the executor then performs passes until the pass limit is reached, ctx is cancelled or a pass fails.
// The executor is always ended before returning.
func (l *Loop) Run(ctx *benchcontext.Context) error {
	ctx = benchcontext.WithLogField(ctx, "schedulerJob", l.jobId)
	if err := l.executor.Start(ctx); err != nil {
		return errors.WithMessage(err, "error starting executor")
	}
	ctx.Log.Infof("starting scheduling loop for %d workflows", len(l.workflows))

	loopErr := l.loop(ctx)
	endErr := l.executor.End(ctx)
	if loopErr != nil {
		return loopErr
	}
	if endErr != nil {
		return errors.WithMessage(endErr, "error ending executor")
	}
	ctx.Log.Infof("scheduling loop exited after %d passes", l.loopCount)
	return nil
}

func (l *Loop) loop(ctx *benchcontext.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		start := l.clock.Now()
		didWork, err := l.pass(ctx)
		if err != nil {
			return errors.WithMessagef(err, "error in scheduling pass %d", l.loopCount+1)
		}
		l.metrics.ReportPass(l.clock.Since(start))
		l.loopCount++
		if l.numRuns > 0 && l.loopCount >= l.numRuns {
			return nil
		}
		if !didWork && !l.config.DisableIdleSleep && l.config.IdleSleep > 0 {
			select {
			case <-ctx.Done():
			case <-l.clock.After(l.config.IdleSleep):
			}
		}
	}
}

// pass performs one scheduling pass and returns true if it changed anything.
func (l *Loop) pass(ctx *benchcontext.Context) (bool, error) {
	now := store.NormaliseTime(l.clock.Now())
	changes := 0
	var candidates []*candidate
	active := make(map[string]int, len(l.workflows))
	for _, w := range l.workflows {
		paused, err := l.store.IsPaused(ctx, w.Id)
		if err != nil {
			return false, err
		}
		if paused {
			continue
		}
		if l.config.CreateRuns {
			n, err := l.createRuns(ctx, w, now)
			if err != nil {
				return false, errors.WithMessagef(err, "error creating runs of %s", w.Id)
			}
			changes += n
		}
		n, scheduled, activeTasks, err := l.updateRuns(ctx, w, now)
		if err != nil {
			return false, errors.WithMessagef(err, "error updating runs of %s", w.Id)
		}
		changes += n
		candidates = append(candidates, scheduled...)
		active[w.Id] = activeTasks
	}

	n, err := l.queueTasks(ctx, candidates, active)
	if err != nil {
		return false, err
	}
	changes += n

	if err := l.executor.Heartbeat(ctx); err != nil {
		return false, errors.WithMessage(err, "error in executor heartbeat")
	}

	n, err = l.processExecutorEvents(ctx)
	if err != nil {
		return false, err
	}
	changes += n
	return changes > 0, nil
}

// createRuns creates every run of w that is due, as long as w stays below its maximum number of active runs.
func (l *Loop) createRuns(ctx *benchcontext.Context, w *workflow.Workflow, now time.Time) (int, error) {
	runs, err := l.store.ListRuns(ctx, w.Id)
	if err != nil {
		return 0, err
	}
	maxActive := w.MaxActiveRuns
	if maxActive <= 0 {
		maxActive = l.config.DefaultMaxActiveRunsPerWorkflow
	}
	activeRuns := 0
	var last *store.DataInterval
	for _, run := range runs {
		if run.State.Active() {
			activeRuns++
		}
		interval := run.DataInterval
		last = &interval
	}
	created := 0
	for activeRuns < maxActive {
		info := w.NextRunInfo(last)
		if info == nil || info.RunAfter.After(now) {
			break
		}
		run := &store.Run{
			WorkflowId:   w.Id,
			RunId:        store.RunId(store.RunTypeScheduled, info.LogicalDate),
			LogicalDate:  info.LogicalDate,
			DataInterval: info.DataInterval,
			State:        store.RunStateRunning,
			RunType:      store.RunTypeScheduled,
			StartDate:    now,
		}
		if err := l.store.CreateRun(ctx, run, w.TaskIds()); err != nil {
			return created, err
		}
		ctx.Log.Debugf("created run %s of %s", run.RunId, w.Id)
		l.metrics.ReportRunCreated(w.Id)
		activeRuns++
		created++
		interval := info.DataInterval
		last = &interval
	}
	return created, nil
}

// candidate is a task instance ready to be queued.
type candidate struct {
	ti   *store.TaskInstance
	task *workflow.Task
}

// updateRuns moves runs of w whose task instances have all finished to a terminal state and schedules the task
// instances of the remaining runs whose upstreams are done. It returns the number of changes made, the task
// instances ready to be queued and the number of task instances of w that are queued or running.
func (l *Loop) updateRuns(ctx *benchcontext.Context, w *workflow.Workflow, now time.Time) (int, []*candidate, int, error) {
	runs, err := l.store.ListRuns(ctx, w.Id, store.RunStateRunning)
	if err != nil {
		return 0, nil, 0, err
	}
	changes := 0
	activeTasks := 0
	var candidates []*candidate
	for _, run := range runs {
		tis, err := l.store.TaskInstances(ctx, run.Key())
		if err != nil {
			return changes, nil, 0, err
		}
		if state, done := runOutcome(tis); done {
			run.State = state
			run.EndDate = now
			if err := l.store.UpdateRun(ctx, run); err != nil {
				return changes, nil, 0, err
			}
			ctx.Log.Debugf("run %s of %s finished in state %s", run.RunId, w.Id, state)
			changes++
			continue
		}

		states := make(map[string]store.TaskState, len(tis))
		for _, ti := range tis {
			states[ti.TaskId] = ti.State
		}
		for _, ti := range tis {
			switch ti.State {
			case store.TaskStateQueued, store.TaskStateRunning:
				activeTasks++
				continue
			case store.TaskStateScheduled:
			case store.TaskStateNone:
				task, ok := w.Task(ti.TaskId)
				if !ok {
					return changes, nil, 0, errors.Errorf("run %s of %s has unknown task %s", run.RunId, w.Id, ti.TaskId)
				}
				ready, upstreamFailed := upstreamStatus(task, states)
				if upstreamFailed {
					if err := l.store.SetTaskState(ctx, ti.Key(), store.TaskStateUpstreamFailed); err != nil {
						return changes, nil, 0, err
					}
					changes++
					continue
				}
				if !ready {
					continue
				}
				if err := l.store.SetTaskState(ctx, ti.Key(), store.TaskStateScheduled); err != nil {
					return changes, nil, 0, err
				}
				ti.State = store.TaskStateScheduled
				changes++
			default:
				continue
			}
			task, _ := w.Task(ti.TaskId)
			candidates = append(candidates, &candidate{ti: ti, task: task})
		}
	}
	return changes, candidates, activeTasks, nil
}

// runOutcome returns the terminal state of a run with the given task instances, if it has one.
// A run with no task instances has trivially succeeded.
func runOutcome(tis []*store.TaskInstance) (store.RunState, bool) {
	failed := false
	for _, ti := range tis {
		if !ti.State.Finished() {
			return "", false
		}
		if ti.State.Failure() {
			failed = true
		}
	}
	if failed {
		return store.RunStateFailed, true
	}
	return store.RunStateSuccess, true
}

// upstreamStatus reports whether every upstream of task is done and whether any of them failed.
func upstreamStatus(task *workflow.Task, states map[string]store.TaskState) (ready bool, failed bool) {
	ready = true
	for _, upstream := range task.Upstream {
		state := states[upstream]
		if state.Failure() {
			return false, true
		}
		if state != store.TaskStateSuccess && state != store.TaskStateSkipped {
			ready = false
		}
	}
	return ready, false
}

// queueTasks hands scheduled task instances to the executor, oldest runs first, until the executor is out of slots.
// No workflow may exceed maxActiveTasksPerWorkflow queued or running task instances.
func (l *Loop) queueTasks(ctx *benchcontext.Context, candidates []*candidate, active map[string]int) (int, error) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].ti, candidates[j].ti
		if !a.LogicalDate.Equal(b.LogicalDate) {
			return a.LogicalDate.Before(b.LogicalDate)
		}
		if a.WorkflowId != b.WorkflowId {
			return a.WorkflowId < b.WorkflowId
		}
		return a.TaskId < b.TaskId
	})
	slots := l.executor.OpenSlots()
	queued := 0
	for _, c := range candidates {
		if slots <= 0 {
			break
		}
		if active[c.ti.WorkflowId] >= l.config.MaxActiveTasksPerWorkflow {
			continue
		}
		ti := c.ti.DeepCopy()
		ti.TryNumber++
		ti.State = store.TaskStateQueued
		if err := l.store.SetTaskState(ctx, ti.Key(), store.TaskStateQueued); err != nil {
			return queued, errors.WithMessagef(err, "error queueing %s", ti.Key())
		}
		if err := l.executor.QueueTask(ctx, ti, c.task); err != nil {
			return queued, errors.WithMessagef(err, "error queueing %s", ti.Key())
		}
		l.metrics.ReportTaskQueued(ti.WorkflowId)
		active[ti.WorkflowId]++
		slots--
		queued++
	}
	return queued, nil
}

// processExecutorEvents consumes the executor's event buffer. An executor reporting a task finished while the store
// still has it queued or running means the task died without recording its result, so it is marked failed.
func (l *Loop) processExecutorEvents(ctx *benchcontext.Context) (int, error) {
	events := l.executor.EventBuffer()
	if len(events) == 0 {
		return 0, nil
	}
	byRun := make(map[string][]*store.TaskInstance)
	for _, event := range events {
		if !event.State.Finished() {
			continue
		}
		runKey := event.Key.RunKey()
		tis, ok := byRun[runKey.String()]
		if !ok {
			var err error
			tis, err = l.store.TaskInstances(ctx, runKey)
			if err != nil {
				return 0, errors.WithMessagef(err, "error processing event for %s", event.Key)
			}
			byRun[runKey.String()] = tis
		}
		for _, ti := range tis {
			if ti.TaskId != event.Key.TaskId || ti.TryNumber != event.Key.TryNumber {
				continue
			}
			if ti.State == store.TaskStateQueued || ti.State == store.TaskStateRunning {
				ctx.Log.Errorf(
					"executor reports %s finished (%s) although the task says it is %s; marking it failed",
					event.Key, event.State, ti.State,
				)
				if err := l.store.SetTaskState(ctx, event.Key, store.TaskStateFailed); err != nil {
					return 0, err
				}
				ti.State = store.TaskStateFailed
			}
		}
	}
	return len(events), nil
}
