package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/flowbench/internal/common"
	commonconfig "github.com/armadaproject/flowbench/internal/common/config"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "flowbench",
		SilenceUsage: true,
		Short:        "Benchmarks the scheduling loop of a workflow scheduler",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		executorsCmd(),
	)

	return cmd
}

// loadConfig reads the configuration, applies overrides to it and validates the result.
func loadConfig(cmd *cobra.Command, overrides ...func(*configuration.Configuration) error) (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, err
	}
	if err := common.LoadConfig(&config, configuration.DefaultConfig, userSpecifiedConfigs); err != nil {
		return config, err
	}
	for _, override := range overrides {
		if err := override(&config); err != nil {
			return config, err
		}
	}
	err = commonconfig.Validate(config)
	return config, err
}
