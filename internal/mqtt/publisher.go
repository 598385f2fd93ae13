package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulsetap/pulsetap/internal/audiosystem"
	"github.com/pulsetap/pulsetap/internal/logger"
)

// StatusSource provides the state to publish. *audiosystem.System implements it.
type StatusSource interface {
	Snapshot() audiosystem.Snapshot
	Subscribe() (<-chan struct{}, func())
}

// Publisher sends the status on an interval and whenever it changes.
type Publisher struct {
	client   Client
	source   StatusSource
	topic    string
	interval time.Duration
	log      logger.Logger
	warn     *rate.Limiter

	discovery *Discovery
}

// NewPublisher returns a publisher for cfg.StatusTopic().
func NewPublisher(client Client, src StatusSource, cfg Config, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Publisher{
		client:   client,
		source:   src,
		topic:    cfg.StatusTopic(),
		interval: interval,
		log:      GetLogger(),
		warn:     rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// WithDiscovery announces the status sensors to Home Assistant after connecting.
func (p *Publisher) WithDiscovery(d *Discovery) *Publisher {
	p.discovery = d
	return p
}

// Run connects and publishes until ctx is cancelled or the source stops.
// A failed initial connection is returned; later publish errors are logged.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.client.Connect(ctx); err != nil {
		return err
	}
	defer p.client.Disconnect()

	if p.discovery != nil {
		if err := p.discovery.Publish(ctx); err != nil {
			p.log.Warn("home assistant discovery failed", logger.Error(err))
		}
	}

	changes, cancel := p.source.Subscribe()
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			p.publish(ctx)
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	payload, err := json.Marshal(NewStatusMessage(p.source.Snapshot(), time.Now()))
	if err != nil {
		p.log.Error("failed to encode status", logger.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.topic, payload, true); err != nil && p.warn.Allow() {
		p.log.Warn("status publish failed", logger.String("topic", p.topic), logger.Error(err))
	}
}
