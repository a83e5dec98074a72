package main

import (
	"os"

	"github.com/armadaproject/flowbench/cmd/flowbench/cmd"
	"github.com/armadaproject/flowbench/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
