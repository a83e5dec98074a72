package benchmark

import (
	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/executor"
	"github.com/armadaproject/flowbench/internal/store"
)

// PassLimiter is the part of the scheduling loop the decorator needs: the maximum number of passes it performs.
type PassLimiter interface {
	SetNumRuns(n int)
}

// ShortCircuitExecutor wraps any executor. Every state change the wrapped executor reports is first handled by the
// wrapped executor as usual and then fed to a CompletionTracker. Once the tracker reports that every watched workflow
// has completed its runs, the bound scheduling loop is told to stop after its current pass.
type ShortCircuitExecutor struct {
	executor.Executor
	tracker *CompletionTracker
	limiter PassLimiter
	// First error returned by the tracker since the last Reset.
	err error
}

// NewShortCircuitExecutor wraps base. From here on base reports its state changes to the returned executor.
func NewShortCircuitExecutor(base executor.Executor, tracker *CompletionTracker) *ShortCircuitExecutor {
	e := &ShortCircuitExecutor{Executor: base, tracker: tracker}
	base.SetNotifier(e)
	return e
}

// Bind sets the scheduling loop to stop on completion.
func (e *ShortCircuitExecutor) Bind(limiter PassLimiter) {
	e.limiter = limiter
}

// Reset forgets any error recorded during a previous trial.
func (e *ShortCircuitExecutor) Reset() {
	e.err = nil
}

// Err returns the first error the tracker reported since the last Reset. The loop is stopped when that happens, so a
// non-nil Err means the trial it ran in must be discarded.
func (e *ShortCircuitExecutor) Err() error {
	return e.err
}

// SetNotifier is a no-op: the wrapped executor must keep reporting to the decorator.
func (e *ShortCircuitExecutor) SetNotifier(executor.StateChangeNotifier) {}

func (e *ShortCircuitExecutor) ChangeState(ctx *benchcontext.Context, key store.TaskInstanceKey, state store.TaskState) {
	e.Executor.ChangeState(ctx, key, state)

	progress, err := e.tracker.OnTaskStateChanged(ctx, key, state)
	if err != nil {
		if e.err == nil {
			e.err = err
		}
		ctx.Log.WithError(err).Error("completion tracking failed; stopping scheduler")
		e.stop(ctx)
		return
	}
	if progress.Done {
		ctx.Log.Warn("stopping scheduler; all runs complete")
		e.stop(ctx)
		return
	}
	if progress.RunCompleted {
		ctx.Log.Infof("waiting on %d runs", progress.RemainingRuns)
	}
}

func (e *ShortCircuitExecutor) stop(ctx *benchcontext.Context) {
	if e.limiter == nil {
		ctx.Log.Error("no scheduling loop bound; cannot stop it")
		return
	}
	e.limiter.SetNumRuns(1)
}
