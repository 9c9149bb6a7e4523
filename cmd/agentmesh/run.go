package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aristath/agentmesh/internal/cli"
)

// Run executes the command line and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	root := cli.NewRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
