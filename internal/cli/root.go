// Package cli is the relay's thin Cobra entry point: serve, version, and
// wait-extension.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cdprelay/cdprelay/internal/config"
)

// Debug enables verbose debug logging across all subcommands.
var Debug bool

var rootCmd = &cobra.Command{
	Use:           "cdprelay",
	Short:         "CDP relay between automation clients and a browser extension",
	Long:          "cdprelay bridges CDP clients to a browser extension holding page-level debugger attachments, multiplexing many client sessions over one extension link.",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "Enable verbose debug logging")
	rootCmd.SetVersionTemplate(`cdprelay version {{.Version}}
`)
}

// printedError wraps an error already reported to stderr so main does not
// print it twice.
type printedError struct{ err error }

func (e printedError) Error() string { return e.err.Error() }
func (e printedError) Unwrap() error { return e.err }

func reportError(err error) error {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	return printedError{err: err}
}

// IsPrintedError reports whether err has already been written to stderr by
// a command handler, so main does not print it again.
func IsPrintedError(err error) bool {
	var pe printedError
	return errors.As(err, &pe)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
