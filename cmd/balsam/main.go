package main

import (
	"os"

	"github.com/argonne-lcf/balsam/cmd/balsam/cmd"
	"github.com/argonne-lcf/balsam/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
