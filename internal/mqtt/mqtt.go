// Package mqtt publishes the pipeline status to an MQTT broker.
package mqtt

import (
	"context"
	"time"

	"github.com/pulsetap/pulsetap/internal/logger"
)

// Client defines the broker operations the publisher needs.
type Client interface {
	// Connect establishes the broker connection.
	Connect(ctx context.Context) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error

	// IsConnected reports whether the broker connection is up.
	IsConnected() bool

	// Disconnect closes the connection, announcing the client offline.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // topic prefix; status goes to <Topic>/status

	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "pulsetap"
	}
	if c.Topic == "" {
		c.Topic = "pulsetap"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 250 * time.Millisecond
	}
	return c
}

// StatusTopic is where status messages are published.
func (c Config) StatusTopic() string {
	return c.withDefaults().Topic + "/status"
}

// AvailabilityTopic carries "online" while connected and the "offline" will.
func (c Config) AvailabilityTopic() string {
	return c.withDefaults().Topic + "/availability"
}

// GetLogger returns the mqtt module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("mqtt")
}
