// Package cli implements the schedulezero command tree. Exit codes:
// 0 ok, 1 generic error, 2 config error, 3 store unavailable.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	ExitOK               = 0
	ExitError            = 1
	ExitConfig           = 2
	ExitStoreUnavailable = 3
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return ExitError
	}
	return ExitOK
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "schedulezero",
		Short:         "Distributed task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServerCmd())
	return root
}
