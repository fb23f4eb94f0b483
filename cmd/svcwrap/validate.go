package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loykin/svcwrap"
)

func createValidateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a service definition, then print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(configPath)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			printSummary(cmd.OutOrStdout(), spec)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the service TOML file")
	return cmd
}

func printSummary(w io.Writer, s *svcwrap.Spec) {
	p := s.LogPolicy
	_, _ = fmt.Fprintf(w, "service:    %s (%s)\n", s.Name, s.DisplayName)
	_, _ = fmt.Fprintf(w, "executable: %s %s\n", s.Executable, strings.Join(s.Arguments, " "))
	_, _ = fmt.Fprintf(w, "workdir:    %s\n", s.WorkingDir)
	_, _ = fmt.Fprintf(w, "logs:       %s mode=%s max_size=%s keep=%d archive=%t\n",
		s.LogDir, p.Mode, humanize.Bytes(uint64(p.MaxSize)), p.KeepFiles, p.Archive)
	_, _ = fmt.Fprintf(w, "restart:    policy=%s delay=%s max_attempts=%d window=%s\n",
		s.Restart.Policy, s.Restart.Delay, s.Restart.MaxAttempts, s.Restart.Window)
	if s.CrashDump.Enabled {
		_, _ = fmt.Fprintf(w, "crash_dump: %s type=%s max_count=%d\n", s.CrashDump.Dir, s.CrashDump.Type, s.CrashDump.MaxCount)
	} else {
		_, _ = fmt.Fprintln(w, "crash_dump: disabled")
	}
	if s.MetricsListen != "" {
		_, _ = fmt.Fprintf(w, "metrics:    %s\n", s.MetricsListen)
	}
	for _, dsn := range s.HistorySinks {
		_, _ = fmt.Fprintf(w, "history:    %s\n", dsn)
	}
}
