package store

import (
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/common/bencherrors"
)

const (
	workflowsTable     = "workflows"
	runsTable          = "runs"
	taskInstancesTable = "task_instances"
	idIndex            = "id"       // lookup by primary key
	workflowIndex      = "workflow" // lookup all rows of a workflow
	runIndex           = "run"      // lookup all task instances of a run
)

type workflowRow struct {
	WorkflowId string
	Paused     bool
}

type runRow struct {
	Id         string
	WorkflowId string
	Run        *Run
}

type taskInstanceRow struct {
	Id           string
	RunKey       string
	WorkflowId   string
	TaskInstance *TaskInstance
}

// MemStore is a Store held entirely in memory.
// It is implemented on top of https://github.com/hashicorp/go-memdb which is a simple in-memory database built on
// immutable radix trees. Rows are immutable once inserted, so every update inserts a fresh copy.
type MemStore struct {
	db    *memdb.MemDB
	clock clock.PassiveClock
}

func NewMemStore(clock clock.PassiveClock) (*MemStore, error) {
	db, err := memdb.NewMemDB(memStoreSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemStore{db: db, clock: clock}, nil
}

func (s *MemStore) SyncWorkflow(_ *benchcontext.Context, workflow WorkflowModel) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(workflowsTable, &workflowRow{WorkflowId: workflow.WorkflowId, Paused: workflow.Paused}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) PauseAll(_ *benchcontext.Context) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	iter, err := txn.Get(workflowsTable, idIndex)
	if err != nil {
		return errors.WithStack(err)
	}
	var rows []*workflowRow
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		rows = append(rows, obj.(*workflowRow))
	}
	for _, row := range rows {
		if err := txn.Insert(workflowsTable, &workflowRow{WorkflowId: row.WorkflowId, Paused: true}); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (s *MemStore) SetPaused(_ *benchcontext.Context, workflowId string, paused bool) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(workflowsTable, idIndex, workflowId)
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return &bencherrors.ErrNotFound{Type: "workflow", Value: workflowId}
	}
	if err := txn.Insert(workflowsTable, &workflowRow{WorkflowId: workflowId, Paused: paused}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) IsPaused(_ *benchcontext.Context, workflowId string) (bool, error) {
	txn := s.db.Txn(false)
	obj, err := txn.First(workflowsTable, idIndex, workflowId)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if obj == nil {
		return true, nil
	}
	return obj.(*workflowRow).Paused, nil
}

func (s *MemStore) DeleteRuns(_ *benchcontext.Context, workflowId string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(runsTable, workflowIndex, workflowId); err != nil {
		return errors.WithStack(err)
	}
	if _, err := txn.DeleteAll(taskInstancesTable, workflowIndex, workflowId); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) FindRun(_ *benchcontext.Context, workflowId string, logicalDate time.Time) (*Run, error) {
	key := NewRunKey(workflowId, logicalDate)
	txn := s.db.Txn(false)
	obj, err := txn.First(runsTable, idIndex, key.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, &bencherrors.ErrNotFound{Type: "run", Value: key.String()}
	}
	return obj.(*runRow).Run.DeepCopy(), nil
}

func (s *MemStore) ListRuns(_ *benchcontext.Context, workflowId string, states ...RunState) ([]*Run, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get(runsTable, workflowIndex, workflowId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	runs := make([]*Run, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		run := obj.(*runRow).Run
		if len(states) == 0 || containsRunState(states, run.State) {
			runs = append(runs, run.DeepCopy())
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].LogicalDate.Before(runs[j].LogicalDate) })
	return runs, nil
}

func (s *MemStore) CreateRun(_ *benchcontext.Context, run *Run, taskIds []string) error {
	run = run.DeepCopy()
	run.LogicalDate = NormaliseTime(run.LogicalDate)
	key := run.Key()
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(runsTable, idIndex, key.String())
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return &bencherrors.ErrAlreadyExists{Type: "run", Value: key.String()}
	}
	if err := txn.Insert(runsTable, &runRow{Id: key.String(), WorkflowId: run.WorkflowId, Run: run}); err != nil {
		return errors.WithStack(err)
	}
	for _, taskId := range taskIds {
		ti := &TaskInstance{
			WorkflowId:  run.WorkflowId,
			TaskId:      taskId,
			RunId:       run.RunId,
			LogicalDate: run.LogicalDate,
		}
		if err := txn.Insert(taskInstancesTable, newTaskInstanceRow(ti)); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (s *MemStore) UpdateRun(_ *benchcontext.Context, run *Run) error {
	key := run.Key()
	txn := s.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(runsTable, idIndex, key.String())
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return &bencherrors.ErrNotFound{Type: "run", Value: key.String()}
	}
	updated := obj.(*runRow).Run.DeepCopy()
	updated.State = run.State
	updated.StartDate = run.StartDate
	updated.EndDate = run.EndDate
	if err := txn.Insert(runsTable, &runRow{Id: key.String(), WorkflowId: updated.WorkflowId, Run: updated}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) TaskInstances(_ *benchcontext.Context, key RunKey) ([]*TaskInstance, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get(taskInstancesTable, runIndex, key.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tis := make([]*TaskInstance, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		tis = append(tis, obj.(*taskInstanceRow).TaskInstance.DeepCopy())
	}
	sort.Slice(tis, func(i, j int) bool { return tis[i].TaskId < tis[j].TaskId })
	return tis, nil
}

func (s *MemStore) SetTaskState(_ *benchcontext.Context, key TaskInstanceKey, state TaskState) error {
	id := taskInstanceId(key.RunKey(), key.TaskId)
	txn := s.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(taskInstancesTable, idIndex, id)
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return &bencherrors.ErrNotFound{Type: "task instance", Value: id}
	}
	ti := obj.(*taskInstanceRow).TaskInstance.DeepCopy()
	stampTaskInstance(ti, key, state, s.clock.Now())
	if err := txn.Insert(taskInstancesTable, newTaskInstanceRow(ti)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemStore) Close() error {
	return nil
}

func newTaskInstanceRow(ti *TaskInstance) *taskInstanceRow {
	runKey := ti.RunKey()
	return &taskInstanceRow{
		Id:           taskInstanceId(runKey, ti.TaskId),
		RunKey:       runKey.String(),
		WorkflowId:   ti.WorkflowId,
		TaskInstance: ti,
	}
}

func taskInstanceId(key RunKey, taskId string) string {
	return key.String() + "/" + taskId
}

func containsRunState(states []RunState, state RunState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// memStoreSchema creates the database schema.
// Each table is keyed by a string id with secondary indexes for per-workflow and per-run lookups.
func memStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			workflowsTable: {
				Name: workflowsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "WorkflowId"}},
				},
			},
			runsTable: {
				Name: runsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:       {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Id"}},
					workflowIndex: {Name: workflowIndex, Indexer: &memdb.StringFieldIndex{Field: "WorkflowId"}},
				},
			},
			taskInstancesTable: {
				Name: taskInstancesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:       {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Id"}},
					runIndex:      {Name: runIndex, Indexer: &memdb.StringFieldIndex{Field: "RunKey"}},
					workflowIndex: {Name: workflowIndex, Indexer: &memdb.StringFieldIndex{Field: "WorkflowId"}},
				},
			},
		},
	}
}
