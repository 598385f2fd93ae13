// Package conf loads pulsetap settings with viper.
package conf

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
)

//go:embed config.yaml
var defaultConfig []byte

// AudioSettings controls normalization and buffering of captured audio.
type AudioSettings struct {
	Latency         time.Duration `yaml:"latency"`         // ring buffer depth
	Normalize       bool          `yaml:"normalize"`       // apply volume compensation
	SilenceInterval time.Duration `yaml:"silenceinterval"` // meter silence feed period while idle
}

// SourceSettings holds the source tracking heuristics.
type SourceSettings struct {
	SimilarityThreshold float64       `yaml:"similaritythreshold"`
	MaxLifespan         time.Duration `yaml:"maxlifespan"`
	AllowSpotify        bool          `yaml:"allowspotify"`
	AutoSelect          string        `yaml:"autoselect"`
}

// PulseSettings configures the host audio service connection.
type PulseSettings struct {
	AppName        string        `yaml:"appname"`
	Server         string        `yaml:"server"`
	ConnectTimeout time.Duration `yaml:"connecttimeout"`
	PollInterval   time.Duration `yaml:"pollinterval"`
	SuspendAfter   time.Duration `yaml:"suspendafter"`
	RetryLimit     int           `yaml:"retrylimit"`   // reopens of a failed capture on the same sink input
	RetryBackoff   time.Duration `yaml:"retrybackoff"` // delay before the first reopen, doubled each time
}

// HTTPSettings configures the status API.
type HTTPSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTSettings configures the optional status publisher.
type MQTTSettings struct {
	Enabled  bool          `yaml:"enabled"`
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"clientid"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Topic    string        `yaml:"topic"`
	Interval time.Duration `yaml:"interval"`

	HomeAssistant HomeAssistantSettings `yaml:"homeassistant"`
}

// HomeAssistantSettings configures MQTT auto-discovery.
type HomeAssistantSettings struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// TelemetrySettings configures Sentry error reporting.
type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Settings is the root configuration
type Settings struct {
	Debug     bool                 `yaml:"debug"`
	Audio     AudioSettings        `yaml:"audio"`
	Source    SourceSettings       `yaml:"source"`
	Pulse     PulseSettings        `yaml:"pulse"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	HTTP      HTTPSettings         `yaml:"http"`
	MQTT      MQTTSettings         `yaml:"mqtt"`
	Telemetry TelemetrySettings    `yaml:"telemetry"`
}

// Load reads the configuration into the global viper instance, applies
// defaults and validates the result. An empty configFile searches the
// default locations; a missing file there is not an error.
func Load(configFile string) (*Settings, error) {
	return load(viper.GetViper(), configFile)
}

func load(v *viper.Viper, configFile string) (*Settings, error) {
	setDefaultConfig(v)

	v.SetEnvPrefix("PULSETAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range defaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component("configuration").
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// defaultConfigPaths lists the directories searched for config.yaml, most specific first.
func defaultConfigPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "pulsetap"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pulsetap"))
	}
	return append(paths, ".")
}

// DefaultConfigPath is where a new config file is written when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigPaths()[0], "config.yaml")
}

// DefaultConfig returns the embedded default config.yaml.
func DefaultConfig() []byte {
	return defaultConfig
}

// WriteDefaultConfig writes the embedded default config to path. It refuses to overwrite.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	return os.WriteFile(path, defaultConfig, 0o644)
}

// Dump writes the effective settings as YAML.
func Dump(w io.Writer, s *Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}
