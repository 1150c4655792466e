// Package cliutil carries the action wrappers and output rendering shared by
// every subcommand.
package cliutil

import (
	"github.com/urfave/cli/v2"
)

// Exit codes of the tuinnel binary.
const (
	ExitOK    = 0
	ExitError = 1
	// ExitUsage marks a non-interactive invocation missing required inputs,
	// so scripts can tell "called wrong" from "failed".
	ExitUsage = 2
)

// WithErrorHandler ensures an action's error surfaces as a non-zero exit
// code. Errors already carrying an exit code pass through unchanged.
func WithErrorHandler(action cli.ActionFunc) cli.ActionFunc {
	return func(c *cli.Context) error {
		err := action(c)
		if err != nil {
			if _, ok := err.(cli.ExitCoder); !ok {
				err = cli.Exit(err.Error(), ExitError)
			}
		}
		return err
	}
}

// UsageError aborts with exit code 2.
func UsageError(message string) error {
	return cli.Exit(message, ExitUsage)
}
