package sources

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pulsetap/pulsetap/internal/conf"
	"github.com/pulsetap/pulsetap/internal/realtime"
	"github.com/pulsetap/pulsetap/internal/source"
)

// Command creates the sources command, which lists capturable applications.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the applications currently playing audio",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := realtime.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			list := p.System.Sources()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return Print(cmd.OutOrStdout(), list, time.Now())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the catalog as JSON")

	return cmd
}

// Print writes the catalog as an aligned table.
func Print(w io.Writer, list []source.Source, now time.Time) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No applications are playing audio.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINDEX\tNAME\tAPPLICATION\tKIND\tVOLUME\tSEEN")
	for _, src := range list {
		seen := humanize.RelTime(src.Age, now, "ago", "from now")
		if src.Available {
			seen = "now"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%.0f%%\t%s\n",
			src.ID, src.Index, src.Name, src.Application, src.Kind, src.Volume*100, seen)
	}
	return tw.Flush()
}
