// Command transformd runs and inspects transformation workflows.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/transformflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
