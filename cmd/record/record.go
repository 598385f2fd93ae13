package record

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/audiocore/export"
	"github.com/pulsetap/pulsetap/internal/audiosystem"
	"github.com/pulsetap/pulsetap/internal/conf"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/realtime"
)

const pollInterval = 10 * time.Millisecond

// Options for a single recording.
type Options struct {
	Source   string
	Duration time.Duration
	// Grace is how long past Duration to wait for audio that is late or
	// paused before saving what was captured.
	Grace time.Duration
}

// Command creates the record command, which saves an application's audio to a WAV file.
func Command(settings *conf.Settings) *cobra.Command {
	opts := Options{Grace: 5 * time.Second}

	cmd := &cobra.Command{
		Use:   "record [output.wav]",
		Short: "Record an application to a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Source == "" {
				opts.Source = settings.Source.AutoSelect
			}
			if opts.Source == "" {
				return errors.Newf("no source given, use --source").
					Component("record").
					Category(errors.CategoryValidation).
					Build()
			}

			p, err := realtime.Open(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			res, err := Record(cmd.Context(), p.System, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s of %s to %s (%s)\n",
				res.Duration.Round(time.Millisecond), res.Source, args[0], humanize.Bytes(uint64(res.Bytes)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "Name of the application to record")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "t", 10*time.Second, "Length of audio to record")

	return cmd
}

// Result describes a finished recording.
type Result struct {
	Source   string
	Duration time.Duration
	Bytes    int64 // captured f32le bytes
}

// Record selects opts.Source on sys and writes opts.Duration of its audio to
// path. Cancelling ctx stops early and keeps what was recorded.
func Record(ctx context.Context, sys *audiosystem.System, path string, opts Options) (Result, error) {
	log := realtime.GetLogger().With(logger.String("output", path))

	// audio buffered before the source is selected is not part of the recording
	sys.Stream().Clear()
	src, err := sys.SelectByName(ctx, opts.Source)
	if err != nil {
		return Result{}, err
	}
	log.Info("recording", logger.String("source", src.Name), logger.Duration("duration", opts.Duration))

	f, err := os.Create(path)
	if err != nil {
		return Result{}, errors.New(err).
			Component("record").
			Category(errors.CategoryFileIO).
			Context("operation", "create_output").
			Build()
	}
	defer f.Close()

	w := export.NewWAVWriter(f)
	limit := int64(opts.Duration.Seconds() * audiocore.SampleRate * audiocore.FrameSize)

	recordCtx, cancel := context.WithTimeout(ctx, opts.Duration+opts.Grace)
	defer cancel()

	n, err := sys.Stream().Pump(recordCtx, w, pollInterval, limit)
	switch {
	case err == nil:
	case recordCtx.Err() != nil:
		log.Warn("recording ended early", logger.Duration("recorded", w.Duration()), logger.Error(err))
	default:
		_ = w.Close()
		return Result{}, err
	}

	if err := w.Close(); err != nil {
		return Result{}, err
	}

	res := Result{Source: src.Name, Duration: w.Duration(), Bytes: n}
	return res, f.Close()
}
