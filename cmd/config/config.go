package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulsetap/pulsetap/internal/conf"
)

// Command creates the config command. configFile points at the root --config flag.
func Command(settings *conf.Settings, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return conf.Dump(cmd.OutOrStdout(), settings)
		},
	}

	cmd.AddCommand(initCommand(configFile))

	return cmd
}

func initCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration file",
		Annotations: map[string]string{"skip-setup": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFile
			if path == "" {
				path = conf.DefaultConfigPath()
			}
			if err := conf.WriteDefaultConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
}
