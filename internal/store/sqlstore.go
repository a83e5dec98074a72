package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/common/bencherrors"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
	schema "github.com/armadaproject/flowbench/internal/store/sql"
)

const (
	sqliteDialect   = "sqlite3"
	postgresDialect = "postgres"

	postgresConnectAttempts = 5
)

var (
	// Tables
	workflowsT     = goqu.T("workflows")
	runsT          = goqu.T("runs")
	taskInstancesT = goqu.T("task_instances")
)

type sqlWorkflowRow struct {
	WorkflowId string `db:"workflow_id"`
	IsPaused   int    `db:"is_paused"`
}

type sqlRunRow struct {
	WorkflowId        string `db:"workflow_id"`
	LogicalDate       int64  `db:"logical_date"`
	RunId             string `db:"run_id"`
	DataIntervalStart int64  `db:"data_interval_start"`
	DataIntervalEnd   int64  `db:"data_interval_end"`
	State             string `db:"state"`
	RunType           string `db:"run_type"`
	StartDate         int64  `db:"start_date"`
	EndDate           int64  `db:"end_date"`
}

type sqlTaskInstanceRow struct {
	WorkflowId  string `db:"workflow_id"`
	LogicalDate int64  `db:"logical_date"`
	TaskId      string `db:"task_id"`
	RunId       string `db:"run_id"`
	State       string `db:"state"`
	TryNumber   int    `db:"try_number"`
	StartDate   int64  `db:"start_date"`
	EndDate     int64  `db:"end_date"`
}

// SqlStore is a Store backed by a SQL database. Queries are built with goqu so the same code serves sqlite and
// postgres. Timestamps are stored as microseconds since the epoch; zero means unset.
type SqlStore struct {
	db    *sql.DB
	goqu  *goqu.Database
	clock clock.PassiveClock
}

// OpenSqlite opens (creating if necessary) the sqlite database at path and applies the schema.
// Use ":memory:" for a database that lives as long as the store.
func OpenSqlite(ctx *benchcontext.Context, path string, clock clock.PassiveClock) (*SqlStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite database at %s", path)
	}
	// sqlite allows a single writer and every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return newSqlStore(ctx, db, sqliteDialect, clock)
}

// OpenPostgres connects to postgres through the pgx database/sql driver and applies the schema.
func OpenPostgres(ctx *benchcontext.Context, config configuration.PostgresConfig, clock clock.PassiveClock) (*SqlStore, error) {
	db, err := sql.Open("pgx", CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.Wrap(err, "cannot open postgres connection pool")
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Attempts(postgresConnectAttempts),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Warnf("postgres not ready, retrying (attempt %d)", n+1)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "cannot connect to postgres")
	}
	return newSqlStore(ctx, db, postgresDialect, clock)
}

func newSqlStore(ctx *benchcontext.Context, db *sql.DB, dialect string, clock clock.PassiveClock) (*SqlStore, error) {
	for _, stmt := range strings.Split(schema.SchemaTemplate(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "error applying schema")
		}
	}
	return &SqlStore{db: db, goqu: goqu.New(dialect, db), clock: clock}, nil
}

// CreateConnectionString converts libpq style key/value parameters to a connection string.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	parts := make([]string, 0, len(values))
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		parts = append(parts, k+"='"+replacer.Replace(v)+"'")
	}
	return strings.Join(parts, " ")
}

func (s *SqlStore) SyncWorkflow(ctx *benchcontext.Context, workflow WorkflowModel) error {
	tx, err := s.goqu.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		var existing sqlWorkflowRow
		found, err := tx.From(workflowsT).
			Where(goqu.Ex{"workflow_id": workflow.WorkflowId}).
			ScanStructContext(ctx, &existing)
		if err != nil {
			return errors.WithStack(err)
		}
		if found {
			_, err = tx.Update(workflowsT).
				Set(goqu.Record{"is_paused": boolToInt(workflow.Paused)}).
				Where(goqu.Ex{"workflow_id": workflow.WorkflowId}).
				Executor().ExecContext(ctx)
		} else {
			_, err = tx.Insert(workflowsT).
				Rows(sqlWorkflowRow{WorkflowId: workflow.WorkflowId, IsPaused: boolToInt(workflow.Paused)}).
				Executor().ExecContext(ctx)
		}
		return errors.WithStack(err)
	})
}

func (s *SqlStore) PauseAll(ctx *benchcontext.Context) error {
	_, err := s.goqu.Update(workflowsT).Set(goqu.Record{"is_paused": 1}).Executor().ExecContext(ctx)
	return errors.WithStack(err)
}

func (s *SqlStore) SetPaused(ctx *benchcontext.Context, workflowId string, paused bool) error {
	result, err := s.goqu.Update(workflowsT).
		Set(goqu.Record{"is_paused": boolToInt(paused)}).
		Where(goqu.Ex{"workflow_id": workflowId}).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return requireAffected(result, "workflow", workflowId)
}

func (s *SqlStore) IsPaused(ctx *benchcontext.Context, workflowId string) (bool, error) {
	var row sqlWorkflowRow
	found, err := s.goqu.From(workflowsT).Where(goqu.Ex{"workflow_id": workflowId}).ScanStructContext(ctx, &row)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if !found {
		return true, nil
	}
	return row.IsPaused != 0, nil
}

func (s *SqlStore) DeleteRuns(ctx *benchcontext.Context, workflowId string) error {
	tx, err := s.goqu.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		if _, err := tx.Delete(taskInstancesT).Where(goqu.Ex{"workflow_id": workflowId}).Executor().ExecContext(ctx); err != nil {
			return errors.WithStack(err)
		}
		_, err := tx.Delete(runsT).Where(goqu.Ex{"workflow_id": workflowId}).Executor().ExecContext(ctx)
		return errors.WithStack(err)
	})
}

func (s *SqlStore) FindRun(ctx *benchcontext.Context, workflowId string, logicalDate time.Time) (*Run, error) {
	key := NewRunKey(workflowId, logicalDate)
	var row sqlRunRow
	found, err := s.goqu.From(runsT).
		Where(goqu.Ex{"workflow_id": workflowId, "logical_date": key.LogicalDate.UnixMicro()}).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return nil, &bencherrors.ErrNotFound{Type: "run", Value: key.String()}
	}
	return row.toRun(), nil
}

func (s *SqlStore) ListRuns(ctx *benchcontext.Context, workflowId string, states ...RunState) ([]*Run, error) {
	where := goqu.Ex{"workflow_id": workflowId}
	if len(states) > 0 {
		stateStrings := make([]string, len(states))
		for i, state := range states {
			stateStrings[i] = string(state)
		}
		where["state"] = stateStrings
	}
	var rows []sqlRunRow
	err := s.goqu.From(runsT).Where(where).Order(goqu.C("logical_date").Asc()).ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	runs := make([]*Run, len(rows))
	for i, row := range rows {
		runs[i] = row.toRun()
	}
	return runs, nil
}

func (s *SqlStore) CreateRun(ctx *benchcontext.Context, run *Run, taskIds []string) error {
	row := newSqlRunRow(run)
	tx, err := s.goqu.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		if _, err := tx.Insert(runsT).Rows(row).Executor().ExecContext(ctx); err != nil {
			if isUniqueViolation(err) {
				return &bencherrors.ErrAlreadyExists{Type: "run", Value: run.Key().String()}
			}
			return errors.Wrapf(err, "error creating run %s", run.Key())
		}
		if len(taskIds) == 0 {
			return nil
		}
		tiRows := make([]sqlTaskInstanceRow, len(taskIds))
		for i, taskId := range taskIds {
			tiRows[i] = sqlTaskInstanceRow{
				WorkflowId:  row.WorkflowId,
				LogicalDate: row.LogicalDate,
				TaskId:      taskId,
				RunId:       row.RunId,
				State:       string(TaskStateNone),
			}
		}
		_, err := tx.Insert(taskInstancesT).Rows(tiRows).Executor().ExecContext(ctx)
		return errors.WithStack(err)
	})
}

func (s *SqlStore) UpdateRun(ctx *benchcontext.Context, run *Run) error {
	key := run.Key()
	result, err := s.goqu.Update(runsT).
		Set(goqu.Record{
			"state":      string(run.State),
			"start_date": toMicros(run.StartDate),
			"end_date":   toMicros(run.EndDate),
		}).
		Where(goqu.Ex{"workflow_id": key.WorkflowId, "logical_date": key.LogicalDate.UnixMicro()}).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return requireAffected(result, "run", key.String())
}

func (s *SqlStore) TaskInstances(ctx *benchcontext.Context, key RunKey) ([]*TaskInstance, error) {
	var rows []sqlTaskInstanceRow
	err := s.goqu.From(taskInstancesT).
		Where(goqu.Ex{"workflow_id": key.WorkflowId, "logical_date": key.LogicalDate.UnixMicro()}).
		Order(goqu.C("task_id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tis := make([]*TaskInstance, len(rows))
	for i, row := range rows {
		tis[i] = row.toTaskInstance()
	}
	return tis, nil
}

func (s *SqlStore) SetTaskState(ctx *benchcontext.Context, key TaskInstanceKey, state TaskState) error {
	runKey := key.RunKey()
	where := goqu.Ex{
		"workflow_id":  key.WorkflowId,
		"logical_date": runKey.LogicalDate.UnixMicro(),
		"task_id":      key.TaskId,
	}
	tx, err := s.goqu.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		var row sqlTaskInstanceRow
		found, err := tx.From(taskInstancesT).Where(where).ScanStructContext(ctx, &row)
		if err != nil {
			return errors.WithStack(err)
		}
		if !found {
			return &bencherrors.ErrNotFound{Type: "task instance", Value: key.String()}
		}
		ti := row.toTaskInstance()
		stampTaskInstance(ti, key, state, s.clock.Now())
		_, err = tx.Update(taskInstancesT).
			Set(goqu.Record{
				"state":      string(ti.State),
				"try_number": ti.TryNumber,
				"start_date": toMicros(ti.StartDate),
				"end_date":   toMicros(ti.EndDate),
			}).
			Where(where).
			Executor().ExecContext(ctx)
		return errors.WithStack(err)
	})
}

func (s *SqlStore) Close() error {
	return s.db.Close()
}

func newSqlRunRow(run *Run) sqlRunRow {
	return sqlRunRow{
		WorkflowId:        run.WorkflowId,
		LogicalDate:       NormaliseTime(run.LogicalDate).UnixMicro(),
		RunId:             run.RunId,
		DataIntervalStart: toMicros(run.DataInterval.Start),
		DataIntervalEnd:   toMicros(run.DataInterval.End),
		State:             string(run.State),
		RunType:           string(run.RunType),
		StartDate:         toMicros(run.StartDate),
		EndDate:           toMicros(run.EndDate),
	}
}

func (row sqlRunRow) toRun() *Run {
	return &Run{
		WorkflowId:  row.WorkflowId,
		RunId:       row.RunId,
		LogicalDate: time.UnixMicro(row.LogicalDate).UTC(),
		DataInterval: DataInterval{
			Start: fromMicros(row.DataIntervalStart),
			End:   fromMicros(row.DataIntervalEnd),
		},
		State:     RunState(row.State),
		RunType:   RunType(row.RunType),
		StartDate: fromMicros(row.StartDate),
		EndDate:   fromMicros(row.EndDate),
	}
}

func (row sqlTaskInstanceRow) toTaskInstance() *TaskInstance {
	return &TaskInstance{
		WorkflowId:  row.WorkflowId,
		TaskId:      row.TaskId,
		RunId:       row.RunId,
		LogicalDate: time.UnixMicro(row.LogicalDate).UTC(),
		State:       TaskState(row.State),
		TryNumber:   row.TryNumber,
		StartDate:   fromMicros(row.StartDate),
		EndDate:     fromMicros(row.EndDate),
	}
}

func requireAffected(result sql.Result, resourceType, value string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		return &bencherrors.ErrNotFound{Type: resourceType, Value: value}
	}
	return nil
}

// isUniqueViolation returns true if err is a primary key or unique constraint violation reported by either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
