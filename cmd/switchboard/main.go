// Command switchboard routes chat and webhook messages to a coding agent
// through a durable on-disk job queue.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/msageha/switchboard/cmd/switchboard/commands"
)

// version is set at build time with -ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		os.Exit(1)
	}
}
