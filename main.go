package main

import (
	"os"

	"github.com/firefly-engineering/nest-ctl/cmd"
	"github.com/firefly-engineering/nest-ctl/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(errors.GetExitCode(err))
	}
}
