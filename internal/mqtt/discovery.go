// Home Assistant MQTT auto-discovery.
// See: https://www.home-assistant.io/integrations/mqtt/#mqtt-discovery

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pulsetap/pulsetap/internal/logger"
)

// Sensor types announced by Discovery.
const (
	SensorSource     = "source"
	SensorStatus     = "stream_status"
	SensorLevelLeft  = "level_left"
	SensorLevelRight = "level_right"
)

// AllSensorTypes lists every announced sensor, used for removal.
var AllSensorTypes = []string{SensorSource, SensorStatus, SensorLevelLeft, SensorLevelRight}

const deviceIDPrefix = "pulsetap"

// idSanitizer replaces characters Home Assistant does not allow in IDs.
var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeID makes id safe for topics and entity IDs.
func SanitizeID(id string) string {
	sanitized := idSanitizer.ReplaceAllString(id, "_")
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "unknown"
	}
	return sanitized
}

// DiscoveryPayload represents a Home Assistant MQTT discovery message.
type DiscoveryPayload struct {
	Name                string           `json:"name"`
	UniqueID            string           `json:"unique_id"`
	StateTopic          string           `json:"state_topic"`
	ValueTemplate       string           `json:"value_template,omitempty"`
	UnitOfMeasurement   string           `json:"unit_of_measurement,omitempty"`
	StateClass          string           `json:"state_class,omitempty"`
	Icon                string           `json:"icon,omitempty"`
	PayloadAvailable    string           `json:"payload_available,omitempty"`
	PayloadNotAvailable string           `json:"payload_not_available,omitempty"`
	AvailabilityTopic   string           `json:"availability_topic,omitempty"`
	Device              DiscoveryDevice  `json:"device"`
	Origin              *DiscoveryOrigin `json:"origin,omitempty"`
}

// DiscoveryDevice represents the device information in a discovery payload.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DiscoveryOrigin identifies the software sending the discovery message.
type DiscoveryOrigin struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw_version,omitempty"`
}

// DiscoveryConfig holds configuration for generating discovery payloads.
type DiscoveryConfig struct {
	Prefix  string // discovery topic prefix, usually "homeassistant"
	NodeID  string // typically the MQTT client ID
	Version string
}

// Discovery announces the pulsetap sensors to Home Assistant.
type Discovery struct {
	client Client
	config DiscoveryConfig
	mqtt   Config
}

// NewDiscovery returns a discovery publisher for the topics in cfg.
func NewDiscovery(client Client, cfg Config, dc DiscoveryConfig) *Discovery {
	if dc.Prefix == "" {
		dc.Prefix = "homeassistant"
	}
	cfg = cfg.withDefaults()
	if dc.NodeID == "" {
		dc.NodeID = cfg.ClientID
	}
	return &Discovery{client: client, config: dc, mqtt: cfg}
}

func (d *Discovery) payloads() map[string]*DiscoveryPayload {
	nodeID := SanitizeID(d.config.NodeID)
	deviceID := fmt.Sprintf("%s_%s", deviceIDPrefix, nodeID)
	device := DiscoveryDevice{
		Identifiers:  []string{deviceID},
		Name:         "pulsetap " + d.config.NodeID,
		Manufacturer: "pulsetap",
		Model:        "Application audio capture",
		SWVersion:    d.config.Version,
	}
	origin := &DiscoveryOrigin{Name: "pulsetap", SWVersion: d.config.Version}

	sensor := func(name, key, template, icon string) *DiscoveryPayload {
		return &DiscoveryPayload{
			Name:                name,
			UniqueID:            deviceID + "_" + key,
			StateTopic:          d.mqtt.StatusTopic(),
			ValueTemplate:       template,
			Icon:                icon,
			AvailabilityTopic:   d.mqtt.AvailabilityTopic(),
			PayloadAvailable:    availabilityOnline,
			PayloadNotAvailable: availabilityOffline,
			Device:              device,
			Origin:              origin,
		}
	}

	left := sensor("Level Left", SensorLevelLeft, "{{ (value_json.level_left * 100) | round(0) }}", "mdi:volume-high")
	left.UnitOfMeasurement, left.StateClass = "%", "measurement"
	right := sensor("Level Right", SensorLevelRight, "{{ (value_json.level_right * 100) | round(0) }}", "mdi:volume-high")
	right.UnitOfMeasurement, right.StateClass = "%", "measurement"

	return map[string]*DiscoveryPayload{
		SensorSource:     sensor("Source", SensorSource, "{{ value_json.source | default('none') }}", "mdi:application"),
		SensorStatus:     sensor("Stream Status", SensorStatus, "{{ value_json.status }}", "mdi:access-point"),
		SensorLevelLeft:  left,
		SensorLevelRight: right,
	}
}

// Publish sends a retained discovery config for every sensor.
func (d *Discovery) Publish(ctx context.Context) error {
	log := GetLogger()
	var firstErr error
	for _, sensorType := range AllSensorTypes {
		payload := d.payloads()[sensorType]
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery payload: %w", err)
		}
		topic := d.sensorTopic(sensorType)
		log.Debug("publishing discovery message", logger.String("topic", topic), logger.Int("payload_size", len(data)))
		if err := d.client.Publish(ctx, topic, data, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("failed to publish discovery for one or more sensors: %w", firstErr)
	}
	return nil
}

// Remove clears every retained discovery config.
func (d *Discovery) Remove(ctx context.Context) error {
	var errs []error
	for _, sensorType := range AllSensorTypes {
		if err := d.client.Publish(ctx, d.sensorTopic(sensorType), nil, true); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to remove discovery: %w", errs[0])
	}
	return nil
}

func (d *Discovery) sensorTopic(sensorType string) string {
	nodeID := SanitizeID(d.config.NodeID)
	return fmt.Sprintf("%s/sensor/%s/%s_%s/config", d.config.Prefix, nodeID, nodeID, sensorType)
}
