package main

import (
	"fmt"
	"os"

	"github.com/adrianco/consciousness-sub000/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "safla:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
