package main

import (
	"fmt"
	"os"

	"github.com/msageha/taskvault/internal/cli"
)

var version = "dev"

func main() {
	cmd := cli.NewRootCommand(version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taskvault: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
