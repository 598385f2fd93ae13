package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pulsetap/pulsetap/internal/buildinfo"
)

// Command creates the version command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{"skip-setup": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			info := buildinfo.Current()
			fmt.Fprintf(cmd.OutOrStdout(), "pulsetap %s (built %s, %s %s/%s)\n",
				info.GetVersion(), info.GetBuildDate(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
