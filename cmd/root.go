// Package cmd wires the hdas binary's cobra command tree (spec.md §4.10).
package cmd

import (
	"context"
	"errors"
	"log"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

// exitError carries a process exit code alongside the underlying error, so
// Execute can translate it into spec.md §6's exit code table without every
// call site juggling os.Exit directly.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hdas",
		Short:         "Home Directory Attribution System",
		Long:          "hdas attributes writes under a user's home directory to the package that caused them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

// Execute runs the command tree and returns the process exit code, per
// spec.md §6: 0 on success, 1 on invalid usage or configuration, 2 on
// runtime failure, 130 on interrupt.
func Execute() int {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			log.Printf("[hdas] %v", ee.err)
			return ee.code
		}
		log.Printf("[hdas] %v", err)
		return 1
	}
	return 0
}
