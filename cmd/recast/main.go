// Command recast ranks previously published content and reposts the best of
// it through a rate-limited per-platform queue.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/recast/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil && !cli.Reported(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
