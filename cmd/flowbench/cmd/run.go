package cmd

import (
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/flowbench"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
)

const (
	numRunsFlag       = "num-runs"
	repeatFlag        = "repeat"
	preCreateRunsFlag = "pre-create-dag-runs"
	executorClassFlag = "executor-class"
	workflowsFlag     = "workflows"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow-id>...",
		Short: "Times how long the scheduling loop takes to complete a number of runs of each workflow",
		Long: `Times how long the scheduling loop takes to complete a number of runs of each workflow.

Every other workflow is paused while the benchmark runs. The end date of each workflow must be the logical date
of its last required run, otherwise the benchmark refuses to start.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runBenchmark,
	}
	cmd.Flags().Int(numRunsFlag, 1, "Number of runs of each workflow to complete in each trial")
	cmd.Flags().Int(repeatFlag, 3, "Number of timed trials, at least 3 are recommended to get a usable variance")
	cmd.Flags().Bool(preCreateRunsFlag, false, "Create every run up front instead of letting the scheduling loop create them")
	cmd.Flags().String(executorClassFlag, "", "Executor to benchmark, see the executors command")
	cmd.Flags().String(workflowsFlag, "", "Directory holding workflow definition files")
	return cmd
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd, flagOverrides(cmd.Flags()))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logrus.NewEntry(logrus.StandardLogger())
	return flowbench.Run(benchcontext.New(ctx, log), config, args, cmd.OutOrStdout())
}

// flagOverrides applies every flag set on the command line on top of the loaded configuration.
func flagOverrides(flags *pflag.FlagSet) func(*configuration.Configuration) error {
	return func(config *configuration.Configuration) error {
		var err error
		if flags.Changed(numRunsFlag) {
			if config.Benchmark.NumRuns, err = flags.GetInt(numRunsFlag); err != nil {
				return err
			}
		}
		if flags.Changed(repeatFlag) {
			if config.Benchmark.Repeat, err = flags.GetInt(repeatFlag); err != nil {
				return err
			}
		}
		if flags.Changed(preCreateRunsFlag) {
			if config.Benchmark.PreCreateRuns, err = flags.GetBool(preCreateRunsFlag); err != nil {
				return err
			}
		}
		if flags.Changed(executorClassFlag) {
			if config.Benchmark.ExecutorClass, err = flags.GetString(executorClassFlag); err != nil {
				return err
			}
		}
		if flags.Changed(workflowsFlag) {
			if config.Workflows.Path, err = flags.GetString(workflowsFlag); err != nil {
				return err
			}
		}
		return nil
	}
}
