package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/svcwrap"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "svcwrap",
		Short: "Run one process as a supervised service",
		Long: `svcwrap launches a single long-lived process, writes its output to
rotated log files, captures crash artifacts and restarts it according to a
bounded restart policy.

Examples:
  svcwrap run --config /etc/svcwrap/billing.toml
  svcwrap validate --config ./billing.toml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		createRunCommand(),
		createValidateCommand(),
	)
	return root
}

func loadSpec(path string) (*svcwrap.Spec, error) {
	if path == "" {
		return nil, errors.New("--config is required")
	}
	return svcwrap.Load(path)
}
