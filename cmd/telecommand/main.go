// Command telecommand validates command catalogs and executes commands,
// queues and sequences against a simulated spacecraft.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/telecommand/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "telecommand: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
