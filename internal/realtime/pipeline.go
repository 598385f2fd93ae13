// Package realtime wires the capture pipeline to its outer surfaces: the
// HTTP status API, the MQTT publisher and raw audio output.
package realtime

import (
	"context"

	"github.com/pulsetap/pulsetap/internal/audiosystem"
	"github.com/pulsetap/pulsetap/internal/conf"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/observability"
	"github.com/pulsetap/pulsetap/internal/pulse"
	"github.com/pulsetap/pulsetap/internal/source"
)

// GetLogger returns the realtime module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("realtime")
}

// Pipeline is a running capture stack.
type Pipeline struct {
	Client  *pulse.Client
	System  *audiosystem.System
	Metrics *observability.Metrics
}

// Open connects to the host audio service named in settings and starts the
// pipeline on it.
func Open(ctx context.Context, settings *conf.Settings) (*Pipeline, error) {
	backend, err := pulse.NewPulseBackend(settings.Pulse.AppName, settings.Pulse.Server)
	if err != nil {
		return nil, err
	}
	return OpenWithBackend(ctx, settings, backend)
}

// OpenWithBackend starts the pipeline on an existing backend. The backend
// is closed when opening fails or the pipeline is closed.
func OpenWithBackend(ctx context.Context, settings *conf.Settings, backend pulse.Backend) (*Pipeline, error) {
	m, err := observability.NewMetrics()
	if err != nil {
		_ = backend.Close()
		return nil, errors.New(err).
			Component("realtime").
			Category(errors.CategoryConfiguration).
			Context("operation", "metrics_init").
			Build()
	}

	client, err := pulse.NewClient(ctx, backend, ClientOptions(settings))
	if err != nil {
		return nil, err
	}

	sys, err := audiosystem.New(ctx, client, SystemConfig(settings), m.Audio)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Pipeline{Client: client, System: sys, Metrics: m}, nil
}

// Close stops the pipeline and disconnects from the host audio service.
func (p *Pipeline) Close() error {
	return errors.Join(p.System.Close(), p.Client.Close())
}

// ClientOptions maps settings onto the host adapter options.
func ClientOptions(settings *conf.Settings) pulse.Options {
	return pulse.Options{
		ConnectTimeout: settings.Pulse.ConnectTimeout,
		PollInterval:   settings.Pulse.PollInterval,
		SuspendAfter:   settings.Pulse.SuspendAfter,
	}
}

// SystemConfig maps settings onto the pipeline configuration.
func SystemConfig(settings *conf.Settings) audiosystem.Config {
	return audiosystem.Config{
		Latency:         settings.Audio.Latency,
		Normalize:       settings.Audio.Normalize,
		SilenceInterval: settings.Audio.SilenceInterval,
		OpenTimeout:     settings.Pulse.ConnectTimeout,
		RetryLimit:      settings.Pulse.RetryLimit,
		RetryBackoff:    settings.Pulse.RetryBackoff,
		Source: source.Config{
			SimilarityThreshold: settings.Source.SimilarityThreshold,
			MaxLifespan:         settings.Source.MaxLifespan,
			AllowSpotify:        settings.Source.AllowSpotify,
		},
	}
}
