// nightwatch runs the autonomous observatory: mount control, safety
// monitoring, alerting, the status server, and the voice pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nightwatch-obs/nightwatch/internal/config"
	"github.com/nightwatch-obs/nightwatch/internal/logging"
	"github.com/nightwatch-obs/nightwatch/internal/orchestrator"
)

var version = "dev"

const (
	exitOK          = 0
	exitConfigErr   = 1
	exitRuntimeErr  = 2
	exitInterrupted = 130
	exitTerminated  = 143
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		cfgPath  string
		logLevel string
		dryRun   bool
		passive  bool
	)
	code := exitOK

	root := &cobra.Command{
		Use:           "nightwatch",
		Short:         "Autonomous observatory control system",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code = serve(cfgPath, logLevel, dryRun, passive)
			return nil
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML configuration file")
	root.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	root.Flags().BoolVar(&dryRun, "dry-run", false, "validate the configuration and exit without starting services")
	root.Flags().BoolVar(&passive, "passive", false, "run everything but never command hardware")
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigErr
	}
	return code
}

func serve(cfgPath, logLevel string, dryRun, passive bool) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigErr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if dryRun {
		logger.Info().Str("config", cfgPath).Msg("Configuration valid, dry run complete")
		return exitOK
	}

	logger.Info().Str("version", version).Bool("passive", passive).Msg("NIGHTWATCH starting")

	var opts []orchestrator.Option
	if passive {
		opts = append(opts, orchestrator.WithPassive())
	}
	orch, err := orchestrator.New(cfg, logger, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("Startup failed")
		return exitRuntimeErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	interrupted := make(chan os.Signal, 1)
	go func() {
		s := <-sig
		logger.Info().Str("signal", s.String()).Msg("Signal received, shutting down")
		interrupted <- s
		cancel()
	}()

	if cfgPath != "" {
		go watchConfig(ctx, cfgPath, logger, orch)
	}

	if err := orch.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Orchestrator failed")
		return exitRuntimeErr
	}

	select {
	case s := <-interrupted:
		return exitCodeFor(s)
	default:
	}
	return exitOK
}

// exitCodeFor maps a terminating signal to the conventional 128+signum code.
func exitCodeFor(s os.Signal) int {
	switch s {
	case os.Interrupt:
		return exitInterrupted
	case syscall.SIGTERM:
		return exitTerminated
	}
	return exitOK
}

// watchConfig applies safety and alerting changes on file edits and on
// SIGHUP without restarting the process.
func watchConfig(ctx context.Context, path string, logger zerolog.Logger, orch *orchestrator.Orchestrator) {
	go func() {
		if err := config.Watch(ctx, path, logger, orch.ApplyConfig); err != nil {
			logger.Warn().Err(err).Msg("Config watcher unavailable")
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(path)
			if err != nil {
				logger.Warn().Err(err).Msg("Reload failed, keeping previous configuration")
				continue
			}
			orch.ApplyConfig(cfg)
		}
	}
}
