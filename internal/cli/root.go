// Package cli implements the sparkd command line interface.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd is the base command; subcommands register themselves from
// their init functions.
var rootCmd = &cobra.Command{
	Use:   "sparkd",
	Short: "Document-to-ledger bookkeeping pipeline",
	Long: `sparkd turns scanned documents from a paperless-style DMS into
transactions in a Firefly III ledger. It extracts canonical records from
the originals, scores them for review, matches them against transactions
already in the ledger and links or imports the results.`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Exit codes beyond plain failure: a run that finished but left some
// items failed exits 1, a command blocked before doing any work
// (configuration, connectivity, overlapping run) exits 2.
const (
	exitPartial = 1
	exitBlocked = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// blocked marks an error that stopped the command before it touched
// anything.
func blocked(err error) error { return &exitError{code: exitBlocked, err: err} }

// partial marks a run that completed with some items failed.
func partial(err error) error { return &exitError{code: exitPartial, err: err} }

// Execute runs the root command and exits with the mapped code on
// error. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := exitPartial
		var xe *exitError
		if errors.As(err, &xe) {
			code = xe.code
		}
		os.Exit(code)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output to the console")
}
