// Command eventcore runs and operates stream processors over a SQLite event
// log.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/eventcore/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
