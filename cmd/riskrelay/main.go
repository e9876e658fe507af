// ABOUTME: Entry point for the RiskRelay vulnerability risk enrichment tool.
// ABOUTME: Builds the command tree and maps command errors to process exit codes.

package main

import (
	"errors"
	"os"

	"github.com/spf13/afero"
)

// Exit codes
const (
	exitOK        = 0
	exitThreshold = 1
	exitError     = 2
)

func main() {
	os.Exit(execute(newApp(afero.NewOsFs(), os.Stdout, os.Stderr, os.LookupEnv), os.Args[1:]))
}

func execute(a *app, args []string) int {
	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	if err := cmd.Execute(); err != nil {
		if errors.Is(err, errThresholdExceeded) {
			return exitThreshold
		}
		return exitError
	}
	return exitOK
}
