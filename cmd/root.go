// Package cmd implements the pulsetap command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	configcmd "github.com/pulsetap/pulsetap/cmd/config"
	"github.com/pulsetap/pulsetap/cmd/discovery"
	"github.com/pulsetap/pulsetap/cmd/record"
	"github.com/pulsetap/pulsetap/cmd/run"
	"github.com/pulsetap/pulsetap/cmd/sources"
	"github.com/pulsetap/pulsetap/cmd/version"
	"github.com/pulsetap/pulsetap/internal/buildinfo"
	"github.com/pulsetap/pulsetap/internal/conf"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
)

// SkipSetup marks commands that run without loading configuration.
const SkipSetup = "skip-setup"

// Execute runs the command line with ctx and releases logging and telemetry
// afterwards, also when the command failed.
func Execute(ctx context.Context, args []string) error {
	rootCmd, release := RootCommand()
	defer release()

	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// RootCommand creates the root command. release undoes the setup done
// before the subcommand ran.
func RootCommand() (rootCmd *cobra.Command, release func()) {
	settings := &conf.Settings{}
	var configFile string
	var cleanup []func()

	rootCmd = &cobra.Command{
		Use:           "pulsetap",
		Short:         "Capture the audio of a single desktop application",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(
		run.Command(settings),
		sources.Command(settings),
		record.Command(settings),
		configcmd.Command(settings, &configFile),
		discovery.Command(settings),
		version.Command(),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[SkipSetup] != "" {
			return nil
		}

		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded

		done, err := initialize(settings)
		cleanup = done
		return err
	}

	release = func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		cleanup = nil
	}

	return rootCmd, release
}

// initialize sets up logging and telemetry. The returned functions release
// them in reverse order and are valid even when an error is returned.
func initialize(settings *conf.Settings) ([]func(), error) {
	var cleanup []func()

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return cleanup, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)
	cleanup = append(cleanup, func() { _ = central.Close() })

	if settings.Telemetry.Enabled {
		flush, err := errors.InitSentry(settings.Telemetry.DSN, buildinfo.Current().GetVersion())
		if err != nil {
			return cleanup, err
		}
		cleanup = append(cleanup, flush)
	}

	central.Module("main").Info("pulsetap starting",
		logger.String("version", buildinfo.Current().GetVersion()),
		logger.Bool("telemetry", settings.Telemetry.Enabled))

	return cleanup, nil
}
