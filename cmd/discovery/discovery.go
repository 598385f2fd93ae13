package discovery

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulsetap/pulsetap/internal/conf"
	"github.com/pulsetap/pulsetap/internal/mqtt"
	"github.com/pulsetap/pulsetap/internal/realtime"
)

// Command creates the discovery command for Home Assistant MQTT discovery.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Manage Home Assistant MQTT discovery",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "remove",
		Short: "Remove the retained discovery configs from the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := realtime.MQTTConfig(settings)
			client := mqtt.NewClient(cfg, nil)
			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			defer client.Disconnect()

			if err := mqtt.NewDiscovery(client, cfg, realtime.DiscoveryConfig(settings)).Remove(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed discovery configs from %s\n", cfg.Broker)
			return nil
		},
	})

	return cmd
}
