package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/svcwrap"
	"github.com/loykin/svcwrap/internal/crashdump"
	"github.com/loykin/svcwrap/internal/logger"
)

type RunFlags struct {
	ConfigPath string
	LogLevel   string
}

func createRunCommand() *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured service until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, flags)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to the service TOML file")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "override service_log.level")
	return cmd
}

func runService(ctx context.Context, flags *RunFlags) error {
	spec, err := loadSpec(flags.ConfigPath)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	logCfg := spec.Log
	if flags.LogLevel != "" {
		logCfg.Level = flags.LogLevel
	}
	log, closer, err := logger.New(logCfg, os.Stderr)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer func() { _ = closer.Close() }()

	if spec.CrashDump.Enabled {
		teardown, err := crashdump.Init(spec.CrashDump.Dir, spec.Name)
		if err != nil {
			log.Warn("wrapper crash output not registered", "error", err)
		} else {
			defer teardown()
		}
	}

	svc, err := svcwrap.New(spec, svcwrap.WithLogger(log))
	if err != nil {
		return err
	}
	log.Info("service starting", "service", spec.Name, "executable", spec.Executable, "config", spec.ConfigPath)
	err = svc.Run(ctx)
	switch {
	case err == nil:
		log.Info("service stopped", "service", spec.Name)
		return nil
	case errors.Is(err, svcwrap.ErrTerminalFailure):
		return &exitError{code: 3, err: err}
	default:
		return err
	}
}
