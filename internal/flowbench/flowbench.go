package flowbench

import (
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowbench/internal/benchmark"
	"github.com/armadaproject/flowbench/internal/common"
	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/common/profiling"
	"github.com/armadaproject/flowbench/internal/common/serve"
	"github.com/armadaproject/flowbench/internal/common/util"
	"github.com/armadaproject/flowbench/internal/executor"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
	"github.com/armadaproject/flowbench/internal/scheduler"
	"github.com/armadaproject/flowbench/internal/store"
	"github.com/armadaproject/flowbench/internal/workflow"
)

// App wires the benchmark together. Everything it touches outside the process is injected so that a whole
// benchmark can be run in tests.
type App struct {
	fs        afero.Fs
	executors *executor.Registry
	clock     clock.Clock
	// Metrics are registered here.
	registry *prometheus.Registry
	// Trial times and the summary are printed here.
	out io.Writer
}

func NewApp(fs afero.Fs, executors *executor.Registry, clock clock.Clock, out io.Writer) *App {
	return &App{
		fs:        fs,
		executors: executors,
		clock:     clock,
		registry:  prometheus.NewRegistry(),
		out:       out,
	}
}

// Run benchmarks workflowIds using the real file system, clock and the built-in executors.
func Run(ctx *benchcontext.Context, config configuration.Configuration, workflowIds []string, out io.Writer) error {
	return NewApp(afero.NewOsFs(), executor.DefaultRegistry(), clock.RealClock{}, out).Run(ctx, config, workflowIds)
}

func (a *App) Run(ctx *benchcontext.Context, config configuration.Configuration, workflowIds []string) error {
	if err := common.SetLogLevel(config.Logging.Level); err != nil {
		return err
	}
	// Fail before touching the store if the executor doesn't exist.
	if err := a.executors.Validate(config.Benchmark.ExecutorClass); err != nil {
		return err
	}
	if len(workflowIds) == 0 {
		return errors.New("at least one workflow id is required")
	}

	benchmarkMetrics, err := benchmark.NewMetrics(a.registry)
	if err != nil {
		return err
	}
	loopMetrics, err := scheduler.NewLoopMetrics(a.registry)
	if err != nil {
		return err
	}
	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port, a.registry)
	defer shutdownMetricServer()

	pprofServer := profiling.SetupPprofHttpServer(config.PprofPort)
	pprofCtx, stopPprof := benchcontext.WithCancel(ctx)
	defer stopPprof()
	go func() {
		if err := serve.ListenAndServe(pprofCtx, pprofServer); err != nil {
			log.WithError(err).Error("pprof server failure")
		}
	}()

	workflows, err := a.loadWorkflows(ctx, config.Workflows, config.Benchmark.NumRuns, workflowIds)
	if err != nil {
		return err
	}

	s, err := store.Open(ctx, config.Store, a.clock)
	if err != nil {
		return err
	}
	defer util.CloseResource("store", s)

	base, err := a.executors.New(config.Benchmark.ExecutorClass, config.Executor, s, a.clock)
	if err != nil {
		return err
	}
	newLoop := func(e executor.Executor, schedulerConfig configuration.SchedulerConfig) benchmark.Loop {
		return scheduler.NewLoop(s, e, workflows, schedulerConfig, a.clock, loopMetrics)
	}
	driver := benchmark.NewDriver(
		s, workflows, config.Benchmark, config.Scheduler, base, newLoop, a.clock, benchmarkMetrics, a.out,
	)

	stopProfile, err := profiling.StartCpuProfile(config.CpuProfile)
	if err != nil {
		return errors.WithMessage(err, "error starting cpu profile")
	}
	_, runErr := driver.Run(ctx)
	if err := stopProfile(); err != nil {
		log.WithError(err).Warn("error writing cpu profile")
	}
	return runErr
}

// loadWorkflows loads every definition under config.Path and returns the ones named by workflowIds, deduplicated
// and in the order given. Unless config.MaxRuns is set, workflows ending after a fixed number of runs end after
// numRuns, the number each trial waits for.
func (a *App) loadWorkflows(
	ctx *benchcontext.Context,
	config configuration.WorkflowsConfig,
	numRuns int,
	workflowIds []string,
) ([]*workflow.Workflow, error) {
	maxRuns := config.MaxRuns
	if maxRuns == 0 {
		maxRuns = numRuns
	}
	bag, err := workflow.NewLoader(a.fs, maxRuns).Load(ctx, config.Path)
	if err != nil {
		return nil, errors.WithMessage(err, "error loading workflows")
	}
	var seen []string
	workflows := make([]*workflow.Workflow, 0, len(workflowIds))
	for _, id := range workflowIds {
		if slices.Contains(seen, id) {
			continue
		}
		seen = append(seen, id)
		w, err := bag.Get(id)
		if err != nil {
			return nil, errors.WithMessagef(err, "available workflows are %v", bag.Ids())
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}
