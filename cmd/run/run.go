package run

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulsetap/pulsetap/internal/conf"
	"github.com/pulsetap/pulsetap/internal/realtime"
)

// Command creates the run command, the long-running capture service.
func Command(settings *conf.Settings) *cobra.Command {
	var opts realtime.Options
	var stdout bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture an application and serve its status",
		Long: "Track the desktop applications playing audio, capture the selected one and " +
			"serve the status API, the MQTT publisher and optionally the raw audio stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout {
				if f, ok := cmd.OutOrStdout().(*os.File); ok && isatty.IsTerminal(f.Fd()) {
					return fmt.Errorf("refusing to write raw audio to a terminal, redirect stdout")
				}
				opts.Output = cmd.OutOrStdout()
			}
			return realtime.Run(cmd.Context(), settings, opts)
		},
	}

	if err := setupFlags(cmd, &opts, &stdout); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, opts *realtime.Options, stdout *bool) error {
	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "Select the application with this name at startup")
	cmd.Flags().BoolVar(stdout, "stdout", false, "Write the captured f32le stereo stream to stdout")
	// Unchanged flags fall back to the config file and its defaults.
	cmd.Flags().Duration("latency", 50*time.Millisecond, "Audio buffer depth")
	cmd.Flags().Bool("normalize", true, "Compensate for the application volume")
	cmd.Flags().Bool("http", true, "Serve the status API")
	cmd.Flags().String("listen", "127.0.0.1:8765", "Listen address of the status API")
	cmd.Flags().Bool("mqtt", false, "Publish status to MQTT")

	bindings := map[string]string{
		"audio.latency":   "latency",
		"audio.normalize": "normalize",
		"http.enabled":    "http",
		"http.listen":     "listen",
		"mqtt.enabled":    "mqtt",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}

	return nil
}
