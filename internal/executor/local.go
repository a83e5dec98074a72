package executor

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/store"
)

type result struct {
	key   store.TaskInstanceKey
	state store.TaskState
}

// LocalExecutor runs task commands on a pool of worker goroutines. Workers record the running and final states in
// the store themselves; the loop goroutine learns about finished tasks on its next Heartbeat, so state changes are
// reported in order of completion.
type LocalExecutor struct {
	*BaseExecutor
	store   store.Store
	clock   clock.Clock
	work    chan *workItem
	results chan result
	// Receives the first error that stopped a worker.
	failures chan error
	group    *errgroup.Group
	cancel   context.CancelFunc
}

func NewLocalExecutor(parallelism int, s store.Store, clock clock.Clock) *LocalExecutor {
	e := &LocalExecutor{
		BaseExecutor: NewBaseExecutor(parallelism),
		store:        s,
		clock:        clock,
	}
	e.SetNotifier(e)
	return e
}

func (e *LocalExecutor) Start(ctx *benchcontext.Context) error {
	if e.started {
		return errors.New("local executor already started")
	}
	// Anything running never exceeds parallelism, so neither channel can fill up.
	e.work = make(chan *workItem, e.parallelism)
	e.results = make(chan result, e.parallelism)
	e.failures = make(chan error, 1)
	workerCtx, cancel := benchcontext.WithCancel(ctx)
	e.cancel = cancel
	group, groupCtx := benchcontext.ErrGroup(workerCtx)
	e.group = group
	for i := 0; i < e.parallelism; i++ {
		workerCtx := benchcontext.WithLogField(groupCtx, "worker", i)
		group.Go(func() error {
			err := e.worker(workerCtx)
			if err != nil {
				select {
				case e.failures <- err:
				default:
				}
			}
			return err
		})
	}
	e.started = true
	ctx.Log.Infof("started local executor with %d workers", e.parallelism)
	return nil
}

func (e *LocalExecutor) worker(ctx *benchcontext.Context) error {
	for item := range e.work {
		key := item.ti.Key()
		if err := e.store.SetTaskState(ctx, key, store.TaskStateRunning); err != nil {
			return errors.WithMessagef(err, "error marking %s running", key)
		}
		state := store.TaskStateSuccess
		if err := e.execute(ctx, item); err != nil {
			ctx.Log.WithError(err).Warnf("task %s failed", key)
			state = store.TaskStateFailed
		}
		if err := e.store.SetTaskState(ctx, key, state); err != nil {
			return errors.WithMessagef(err, "error marking %s %s", key, state)
		}
		e.results <- result{key: key, state: state}
	}
	return nil
}

func (e *LocalExecutor) execute(ctx *benchcontext.Context, item *workItem) error {
	task := item.task
	if len(task.Command) > 0 {
		cmd := exec.CommandContext(ctx, task.Command[0], task.Command[1:]...)
		cmd.Env = append(os.Environ(),
			"FLOWBENCH_WORKFLOW_ID="+item.ti.WorkflowId,
			"FLOWBENCH_TASK_ID="+item.ti.TaskId,
			"FLOWBENCH_RUN_ID="+item.ti.RunId,
			"FLOWBENCH_LOGICAL_DATE="+item.ti.LogicalDate.Format(time.RFC3339),
		)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return errors.Wrapf(err, "command %v failed with output %q", task.Command, output)
		}
		return nil
	}
	if task.Sleep > 0 {
		select {
		case <-e.clock.After(task.Sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Heartbeat hands newly startable work to the workers and reports every task that finished since the last call.
func (e *LocalExecutor) Heartbeat(ctx *benchcontext.Context) error {
	if !e.started {
		return errors.New("local executor not started")
	}
	select {
	case err := <-e.failures:
		return errors.WithMessage(err, "local executor worker failed")
	default:
	}
	for _, item := range e.takeQueued(e.freeSlots()) {
		e.work <- item
	}
	e.drain(ctx)
	return nil
}

func (e *LocalExecutor) drain(ctx *benchcontext.Context) {
	for {
		select {
		case r := <-e.results:
			e.notify(ctx, r.key, r.state)
		default:
			return
		}
	}
}

// End lets in-flight tasks finish, then reports their final states.
func (e *LocalExecutor) End(ctx *benchcontext.Context) error {
	if !e.started {
		return nil
	}
	close(e.work)
	err := e.group.Wait()
	e.cancel()
	e.drain(ctx)
	e.started = false
	return errors.WithStack(err)
}
