package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/armadaproject/flowbench/internal/executor"
)

func executorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executors",
		Short: "Lists the executors that can be benchmarked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range executor.DefaultRegistry().Names() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}
