package benchmark

import (
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/common/bencherrors"
	"github.com/armadaproject/flowbench/internal/executor"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
	"github.com/armadaproject/flowbench/internal/store"
	"github.com/armadaproject/flowbench/internal/workflow"
)

// State is the stage the driver is in.
type State int

const (
	StateSetup State = iota
	StateRunning
	StateRecording
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "Setup"
	case StateRunning:
		return "Running"
	case StateRecording:
		return "Recording"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Loop is a scheduling loop the driver can time.
type Loop interface {
	PassLimiter
	Run(ctx *benchcontext.Context) error
}

// LoopFactory creates a fresh scheduling loop for every trial, bound to e.
type LoopFactory func(e executor.Executor, config configuration.SchedulerConfig) Loop

// Driver runs the configured number of trials and reports how long each one took.
type Driver struct {
	store     store.Store
	workflows []*workflow.Workflow
	config    configuration.BenchmarkConfig
	// Passed to every loop. CreateRuns is forced off when runs are created up front.
	schedulerConfig configuration.SchedulerConfig
	tracker         *CompletionTracker
	executor        *ShortCircuitExecutor
	newLoop         LoopFactory
	// Times each trial.
	clock   clock.PassiveClock
	metrics *Metrics
	// Trial times and the summary are printed here.
	out   io.Writer
	state State
}

func NewDriver(
	s store.Store,
	workflows []*workflow.Workflow,
	config configuration.BenchmarkConfig,
	schedulerConfig configuration.SchedulerConfig,
	base executor.Executor,
	newLoop LoopFactory,
	clock clock.PassiveClock,
	metrics *Metrics,
	out io.Writer,
) *Driver {
	tracker := NewCompletionTracker(s, metrics)
	schedulerConfig.CreateRuns = schedulerConfig.CreateRuns && !config.PreCreateRuns
	return &Driver{
		store:           s,
		workflows:       workflows,
		config:          config,
		schedulerConfig: schedulerConfig,
		tracker:         tracker,
		executor:        NewShortCircuitExecutor(base, tracker),
		newLoop:         newLoop,
		clock:           clock,
		metrics:         metrics,
		out:             out,
		state:           StateSetup,
	}
}

func (d *Driver) State() State {
	return d.state
}

func (d *Driver) setState(ctx *benchcontext.Context, state State) {
	ctx.Log.Debugf("benchmark driver %s -> %s", d.state, state)
	d.state = state
}

// Validate checks every workflow's end date is the logical date of its last required run. Anything else means the
// benchmark would either never finish or stop early.
func (d *Driver) Validate() error {
	if len(d.workflows) == 0 {
		return &bencherrors.ErrInvalidArgument{Name: "workflowIds", Value: "", Message: "no workflows to benchmark"}
	}
	for _, w := range d.workflows {
		// Runs without tasks never produce a state change, so they would never be counted.
		if len(w.Tasks) == 0 {
			return &bencherrors.ErrInvalidArgument{Name: "workflowIds", Value: w.Id, Message: "workflow has no tasks"}
		}
		info := w.NthRunInfo(d.config.NumRuns)
		if info == nil {
			return &bencherrors.ErrInvalidArgument{
				Name:    "numRuns",
				Value:   fmt.Sprint(d.config.NumRuns),
				Message: fmt.Sprintf("schedule %s of workflow %s produces fewer runs", w.Schedule, w.Id),
			}
		}
		if w.EndDate == nil || !w.EndDate.Equal(info.LogicalDate) {
			return &bencherrors.ErrRunCountMismatch{WorkflowId: w.Id, EndDate: w.EndDate, Expected: info.LogicalDate}
		}
	}
	return nil
}

// Run validates the workflows then runs every trial. The durations of the trials completed so far are returned
// even if a later trial fails.
func (d *Driver) Run(ctx *benchcontext.Context) (*TrialResult, error) {
	results := &TrialResult{}
	d.setState(ctx, StateSetup)
	if err := d.Validate(); err != nil {
		return results, err
	}
	if err := d.prepare(ctx); err != nil {
		return results, err
	}
	for trial := 1; trial <= d.config.Repeat; trial++ {
		trialCtx := benchcontext.WithLogField(ctx, "trial", trial)
		d.setState(trialCtx, StateSetup)
		if err := d.reset(trialCtx); err != nil {
			return results, errors.WithMessagef(err, "error setting up trial %d", trial)
		}

		d.setState(trialCtx, StateRunning)
		elapsed, err := d.runTrial(trialCtx)
		if err != nil {
			d.metrics.recordAbortedTrial()
			return results, errors.WithMessagef(err, "trial %d aborted", trial)
		}

		d.setState(trialCtx, StateRecording)
		results.Append(elapsed)
		d.metrics.recordTrial(elapsed)
		fmt.Fprintf(d.out, "Run %d time: %.5f\n", trial, elapsed.Seconds())
	}
	d.setState(ctx, StateDone)
	d.printSummary(results)
	return results, nil
}

// prepare pauses every workflow and registers the ones under test.
func (d *Driver) prepare(ctx *benchcontext.Context) error {
	if err := d.store.PauseAll(ctx); err != nil {
		return errors.WithMessage(err, "error pausing workflows")
	}
	for _, w := range d.workflows {
		if err := d.store.SyncWorkflow(ctx, store.WorkflowModel{WorkflowId: w.Id, Paused: true}); err != nil {
			return errors.WithMessagef(err, "error syncing workflow %s", w.Id)
		}
	}
	return nil
}

// reset deletes every run of the workflows under test and unpauses them, then creates the required runs if the
// loop isn't going to.
func (d *Driver) reset(ctx *benchcontext.Context) error {
	for _, w := range d.workflows {
		if err := d.store.DeleteRuns(ctx, w.Id); err != nil {
			return errors.WithMessagef(err, "error deleting runs of %s", w.Id)
		}
		if err := d.store.SetPaused(ctx, w.Id, false); err != nil {
			return errors.WithMessagef(err, "error unpausing %s", w.Id)
		}
		if d.config.PreCreateRuns {
			if err := d.createRuns(ctx, w); err != nil {
				return errors.WithMessagef(err, "error creating runs of %s", w.Id)
			}
		}
	}
	return nil
}

// createRuns creates the first NumRuns runs of w, each covering an empty data interval at its logical date.
func (d *Driver) createRuns(ctx *benchcontext.Context, w *workflow.Workflow) error {
	now := store.NormaliseTime(d.clock.Now())
	var last *store.DataInterval
	for i := 0; i < d.config.NumRuns; i++ {
		info := w.NextRunInfo(last)
		if info == nil {
			return errors.Errorf("schedule ended after %d runs", i)
		}
		run := &store.Run{
			WorkflowId:   w.Id,
			RunId:        store.RunId(store.RunTypeScheduled, info.LogicalDate),
			LogicalDate:  info.LogicalDate,
			DataInterval: store.DataInterval{Start: info.LogicalDate, End: info.LogicalDate},
			State:        store.RunStateRunning,
			RunType:      store.RunTypeManual,
			StartDate:    now,
		}
		if err := d.store.CreateRun(ctx, run, w.TaskIds()); err != nil {
			return err
		}
		interval := info.DataInterval
		last = &interval
	}
	return nil
}

// runTrial times a single run of a fresh scheduling loop. Garbage collection is disabled while the clock runs.
func (d *Driver) runTrial(ctx *benchcontext.Context) (time.Duration, error) {
	ids := make([]string, len(d.workflows))
	for i, w := range d.workflows {
		ids[i] = w.Id
	}
	d.tracker.Initialize(ids, d.config.NumRuns)
	d.executor.Reset()
	loop := d.newLoop(d.executor, d.schedulerConfig)
	d.executor.Bind(loop)

	if d.config.TrialTimeout > 0 {
		var cancel func()
		ctx, cancel = benchcontext.WithTimeout(ctx, d.config.TrialTimeout)
		defer cancel()
	}

	gcPercent := debug.SetGCPercent(-1)
	start := d.clock.Now()
	err := loop.Run(ctx)
	elapsed := d.clock.Since(start)
	debug.SetGCPercent(gcPercent)

	if err != nil {
		return 0, errors.WithMessage(err, "scheduling loop failed")
	}
	if err := d.executor.Err(); err != nil {
		return 0, errors.WithMessage(err, "completion tracking failed")
	}
	if remaining := d.tracker.Remaining(); remaining > 0 {
		return 0, errors.Errorf(
			"scheduling loop stopped with %d runs of %v outstanding", remaining, d.tracker.WatchedWorkflows(),
		)
	}
	return elapsed, nil
}

func (d *Driver) printSummary(results *TrialResult) {
	totalTasks := 0
	for _, w := range d.workflows {
		totalTasks += len(w.Tasks)
	}
	fmt.Fprint(d.out, "\n\n")
	fmt.Fprintf(
		d.out, "Time for %d runs of %d workflows with %d total tasks: ",
		d.config.NumRuns, len(d.workflows), totalTasks,
	)
	mean, _ := results.Mean()
	if stdDev, ok := results.StdDev(); ok {
		fmt.Fprintf(d.out, "%.4fs (±%.3fs)\n", mean, stdDev)
	} else {
		fmt.Fprintf(d.out, "%.4fs\n", mean)
	}
	fmt.Fprint(d.out, "\n\n")
}
