// Command clawbridge runs the multi-channel chat bridge: it connects the
// configured channel adapters, serves the Router's poll loop and Group
// Queue, and drives the Task Scheduler, all against a single sqlite store.
package main

import (
	"fmt"
	"os"

	"github.com/clawbridge/clawbridge/cmd/clawbridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clawbridge:", err)
		os.Exit(1)
	}
}
