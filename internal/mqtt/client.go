package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/observability/metrics"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// client implements Client on paho.
type client struct {
	config         Config
	mu             sync.Mutex
	internalClient paho.Client
	metrics        *metrics.MQTTMetrics
	log            logger.Logger
}

// NewClient returns a paho-backed client. m may be nil.
func NewClient(cfg Config, m *metrics.MQTTMetrics) Client {
	return &client{
		config:  cfg.withDefaults(),
		metrics: m,
		log:     GetLogger(),
	}
}

// clientOptions builds the paho options, including the offline will.
func (c *client) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetWill(c.config.AvailabilityTopic(), availabilityOffline, 1, true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	return opts
}

// Connect resolves the broker host, then connects.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return c.connectError(err, "invalid broker URL")
	}
	if host := u.Hostname(); host != "" && net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return c.connectError(err, "failed to resolve broker host")
		}
	}

	c.internalClient = paho.NewClient(c.clientOptions())
	token := c.internalClient.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return c.connectError(ctx.Err(), "connect cancelled")
	case <-time.After(c.config.ConnectTimeout):
		return c.connectError(errors.NewStd("connection timeout"), "connect timed out")
	}
	if err := token.Error(); err != nil {
		return c.connectError(err, "connection error")
	}
	return nil
}

func (c *client) connectError(err error, msg string) error {
	if c.metrics != nil {
		c.metrics.Errors.Inc()
	}
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTConnect).
		Context("broker", c.config.Broker).
		Context("reason", msg).
		Build()
}

// Publish sends payload at QoS 0.
func (c *client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient == nil || !c.internalClient.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	start := time.Now()
	token := c.internalClient.Publish(topic, 0, retain, payload)

	var err error
	select {
	case <-token.Done():
		err = token.Error()
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(c.config.PublishTimeout):
		err = errors.NewStd("publish timeout")
	}
	if c.metrics != nil {
		c.metrics.ObservePublish(start, err)
	}
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect publishes the offline availability and closes the connection.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient == nil {
		return
	}
	if c.internalClient.IsConnected() {
		token := c.internalClient.Publish(c.config.AvailabilityTopic(), 1, true, availabilityOffline)
		token.WaitTimeout(c.config.DisconnectTimeout)
	}
	c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
	}
}

func (c *client) onConnect(pc paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(true)
	}
	pc.Publish(c.config.AvailabilityTopic(), 1, true, availabilityOnline)
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost, reconnecting",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
		c.metrics.Errors.Inc()
	}
}
