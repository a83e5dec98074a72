package benchmark

import (
	"time"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/common/bencherrors"
	"github.com/armadaproject/flowbench/internal/store"
)

// runRegistry caches the runs of a single watched workflow, keyed by logical date, so the hot path doesn't look a
// run up again for every task that changes state. It also remembers which runs have already been counted as
// complete: those are evicted from the cache and must not be loaded and counted a second time.
type runRegistry struct {
	store      store.Store
	workflowId string
	runs       map[int64]*store.Run
	completed  map[int64]bool
}

func newRunRegistry(s store.Store, workflowId string) *runRegistry {
	return &runRegistry{
		store:      s,
		workflowId: workflowId,
		runs:       make(map[int64]*store.Run),
		completed:  make(map[int64]bool),
	}
}

func registryKey(logicalDate time.Time) int64 {
	return store.NormaliseTime(logicalDate).UnixNano()
}

// resolve returns the run at logicalDate, loading it from the store on first use.
// Returns nil if the store doesn't know about the run yet.
func (r *runRegistry) resolve(ctx *benchcontext.Context, logicalDate time.Time) (*store.Run, error) {
	key := registryKey(logicalDate)
	if run, ok := r.runs[key]; ok {
		return run, nil
	}
	run, err := r.store.FindRun(ctx, r.workflowId, logicalDate)
	if bencherrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.runs[key] = run
	return run, nil
}

// complete evicts the run at logicalDate and records that it has been counted.
func (r *runRegistry) complete(logicalDate time.Time) {
	key := registryKey(logicalDate)
	delete(r.runs, key)
	r.completed[key] = true
}

func (r *runRegistry) isComplete(logicalDate time.Time) bool {
	return r.completed[registryKey(logicalDate)]
}

// cached returns the number of runs currently held in the cache.
func (r *runRegistry) cached() int {
	return len(r.runs)
}
