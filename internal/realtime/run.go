package realtime

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsetap/pulsetap/internal/audiosystem"
	"github.com/pulsetap/pulsetap/internal/buildinfo"
	"github.com/pulsetap/pulsetap/internal/conf"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/httpserver"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/mqtt"
)

// DefaultOutputInterval is how often raw output drains the AudioStream.
const DefaultOutputInterval = 10 * time.Millisecond

// Options are the run flags that are not part of the configuration file.
type Options struct {
	// Source is selected by name at startup, overriding source.autoselect.
	Source string
	// Output receives the normalized f32le stream when set.
	Output         io.Writer
	OutputInterval time.Duration
}

// Run opens the pipeline and serves it until ctx is cancelled.
func Run(ctx context.Context, settings *conf.Settings, opts Options) error {
	p, err := Open(ctx, settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			GetLogger().Warn("error closing pipeline", logger.Error(err))
		}
	}()

	return Serve(ctx, settings, p, opts)
}

// Serve runs the enabled surfaces on an open pipeline and returns when ctx
// is cancelled or one of them fails.
func Serve(ctx context.Context, settings *conf.Settings, p *Pipeline, opts Options) error {
	log := GetLogger()
	if opts.Output != nil {
		// delivery starts with an empty buffer
		p.System.Stream().Clear()
	}
	g, gctx := errgroup.WithContext(ctx)

	name := opts.Source
	if name == "" {
		name = settings.Source.AutoSelect
	}
	if name != "" {
		g.Go(func() error {
			autoSelect(gctx, p.System, name)
			return nil
		})
	}

	if settings.HTTP.Enabled {
		srv := httpserver.New(p.System, p.Metrics.Handler(), settings.HTTP.Listen)
		g.Go(func() error { return srv.Start(gctx) })
	}

	if settings.MQTT.Enabled {
		g.Go(func() error {
			if err := runMQTT(gctx, settings, p); err != nil {
				// the pipeline is still useful without a broker
				log.Error("mqtt publisher stopped", logger.Error(err))
			}
			return nil
		})
	}

	if opts.Output != nil {
		interval := opts.OutputInterval
		if interval <= 0 {
			interval = DefaultOutputInterval
		}
		g.Go(func() error {
			n, err := p.System.Stream().Pump(gctx, opts.Output, interval, 0)
			log.Info("raw output stopped", logger.Int64("bytes", n))
			if gctx.Err() != nil {
				return nil
			}
			return errors.New(err).
				Component("realtime").
				Category(errors.CategoryFileIO).
				Context("operation", "raw_output").
				Build()
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-p.System.Done():
			if ctx.Err() != nil {
				return nil
			}
			return audiosystem.ErrSystemClosed
		}
	})

	log.Info("pipeline running",
		logger.Bool("http", settings.HTTP.Enabled),
		logger.Bool("mqtt", settings.MQTT.Enabled),
		logger.Bool("raw_output", opts.Output != nil))

	return g.Wait()
}

// autoSelect selects the first source matching name, waiting for it to
// appear if it is not in the catalog yet.
func autoSelect(ctx context.Context, sys *audiosystem.System, name string) {
	log := GetLogger().With(logger.String("source", name))

	changes, cancel := sys.Subscribe()
	defer cancel()

	waiting := false
	for {
		src, err := sys.SelectByName(ctx, name)
		switch {
		case err == nil:
			log.Info("selected source", logger.String("id", src.ID.String()), logger.String("name", src.Name))
			return
		case !errors.IsNotFound(err):
			if ctx.Err() == nil {
				log.Warn("automatic selection failed", logger.Error(err))
			}
			return
		case !waiting:
			log.Info("waiting for source to appear")
			waiting = true
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
		}
	}
}

// MQTTConfig maps settings onto the broker configuration.
func MQTTConfig(settings *conf.Settings) mqtt.Config {
	return mqtt.Config{
		Broker:   settings.MQTT.Broker,
		ClientID: settings.MQTT.ClientID,
		Username: settings.MQTT.Username,
		Password: settings.MQTT.Password,
		Topic:    settings.MQTT.Topic,
	}
}

// DiscoveryConfig maps settings onto the Home Assistant discovery configuration.
func DiscoveryConfig(settings *conf.Settings) mqtt.DiscoveryConfig {
	return mqtt.DiscoveryConfig{
		Prefix:  settings.MQTT.HomeAssistant.Prefix,
		Version: buildinfo.Current().GetVersion(),
	}
}

func runMQTT(ctx context.Context, settings *conf.Settings, p *Pipeline) error {
	cfg := MQTTConfig(settings)
	client := mqtt.NewClient(cfg, p.Metrics.MQTT)
	pub := mqtt.NewPublisher(client, p.System, cfg, settings.MQTT.Interval)
	if settings.MQTT.HomeAssistant.Enabled {
		pub = pub.WithDiscovery(mqtt.NewDiscovery(client, cfg, DiscoveryConfig(settings)))
	}
	return pub.Run(ctx)
}
