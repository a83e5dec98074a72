package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	StoreTypeMemory   = "memory"
	StoreTypeSqlite   = "sqlite"
	StoreTypePostgres = "postgres"
)

type Configuration struct {
	// Controls what is measured and how often
	Benchmark BenchmarkConfig
	// Configuration of the scheduling loop under test
	Scheduler SchedulerConfig
	// Configuration shared by all executors
	Executor ExecutorConfig
	// Where workflow definitions are read from
	Workflows WorkflowsConfig
	// Persistence backend for runs and task instances
	Store StoreConfig
	Logging LoggingConfig
	Metrics MetricsConfig
	// If non-nil, net/http/pprof endpoints are exposed on localhost on this port.
	PprofPort *uint16
	// If non-empty, a CPU profile covering every trial is written to this file.
	CpuProfile string
}

type BenchmarkConfig struct {
	// Number of runs that must complete for each workflow before a trial ends
	NumRuns int `validate:"gte=1"`
	// Number of timed trials
	Repeat int `validate:"gte=1"`
	// If true the driver creates every run up front and the scheduling loop creates none.
	// The loop then does slightly less work per pass, so results are not comparable with the default mode.
	PreCreateRuns bool
	// Registry key of the executor to benchmark
	ExecutorClass string `validate:"required"`
	// If non-zero, a trial that hasn't completed by then is aborted.
	// Runs containing failed tasks never complete, so without a timeout such a trial runs forever.
	TrialTimeout time.Duration `validate:"gte=0"`
}

type SchedulerConfig struct {
	// If true the loop never sleeps between passes
	DisableIdleSleep bool
	// How long the loop sleeps after a pass in which nothing happened
	IdleSleep time.Duration
	// Maximum number of queued or running task instances per workflow
	MaxActiveTasksPerWorkflow int `validate:"gt=0"`
	// Used when a workflow doesn't set its own limit
	DefaultMaxActiveRunsPerWorkflow int `validate:"gt=0"`
	// If false the loop never creates runs and relies on runs created up front
	CreateRuns bool
}

type ExecutorConfig struct {
	// Maximum number of tasks an executor runs at once
	Parallelism int `validate:"gt=0"`
}

type WorkflowsConfig struct {
	// Directory holding workflow definition files
	Path string `validate:"required"`
	// Workflows with endDateFromMaxRuns set end after this many runs. Zero means Benchmark.NumRuns.
	MaxRuns int `validate:"gte=0"`
}

type StoreConfig struct {
	// One of memory, sqlite or postgres
	Type string `validate:"required,oneof=memory sqlite postgres"`
	// Path of the sqlite database. Only read when Type is sqlite.
	SqlitePath string
	// Only read when Type is postgres.
	Postgres PostgresConfig
}

type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// libpq style connection parameters, e.g. host, port, user, password, dbname
	Connection map[string]string
}

type LoggingConfig struct {
	// Log level, e.g. info, warn etc
	Level string `validate:"required,oneof=trace debug info warn warning error fatal panic"`
}

type MetricsConfig struct {
	// Port to expose prometheus metrics on. Disabled if 0.
	Port uint16
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(storeConfigValidation, StoreConfig{})
	return validate.Struct(c)
}

func storeConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(StoreConfig)
	switch c.Type {
	case StoreTypeSqlite:
		if c.SqlitePath == "" {
			sl.ReportError(c.SqlitePath, "SqlitePath", "SqlitePath", "required_with_sqlite", "")
		}
	case StoreTypePostgres:
		if len(c.Postgres.Connection) == 0 {
			sl.ReportError(c.Postgres.Connection, "Connection", "Connection", "required_with_postgres", "")
		}
	}
}
