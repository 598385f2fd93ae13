package conf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pulsetap/pulsetap/internal/errors"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	s, err := load(viper.New(), "")
	require.NoError(t, err)

	assert.InDelta(t, 0.5, s.Source.SimilarityThreshold, 1e-9)
	assert.Equal(t, 60*time.Second, s.Source.MaxLifespan)
	assert.False(t, s.Source.AllowSpotify)
	assert.Equal(t, 50*time.Millisecond, s.Audio.Latency)
	assert.Equal(t, 5*time.Second, s.Pulse.ConnectTimeout)
	assert.Equal(t, 3, s.Pulse.RetryLimit)
	assert.Equal(t, 500*time.Millisecond, s.Pulse.RetryBackoff)
	assert.Equal(t, "info", s.Logging.DefaultLevel)
	require.NotNil(t, s.Logging.Console)
	assert.True(t, s.Logging.Console.Enabled)
}

func TestLoadExplicitFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  similaritythreshold: 0.35
  maxlifespan: 2m
  allowspotify: true
pulse:
  pollinterval: 100ms
`), 0o644))

	s, err := load(viper.New(), path)
	require.NoError(t, err)

	assert.InDelta(t, 0.35, s.Source.SimilarityThreshold, 1e-9)
	assert.Equal(t, 2*time.Minute, s.Source.MaxLifespan)
	assert.True(t, s.Source.AllowSpotify)
	assert.Equal(t, 100*time.Millisecond, s.Pulse.PollInterval)
	assert.Equal(t, time.Second, s.Pulse.SuspendAfter, "unset keys keep their defaults")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("PULSETAP_SOURCE_SIMILARITYTHRESHOLD", "0.8")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfig(), 0o644))

	s, err := load(viper.New(), path)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, s.Source.SimilarityThreshold, 1e-9)
}

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	valid := func() *Settings {
		return &Settings{
			Audio:  AudioSettings{Latency: 50 * time.Millisecond, SilenceInterval: 50 * time.Millisecond},
			Source: SourceSettings{SimilarityThreshold: 0.5, MaxLifespan: time.Minute},
			Pulse: PulseSettings{
				ConnectTimeout: time.Second,
				PollInterval:   time.Second,
				SuspendAfter:   time.Second,
				RetryLimit:     3,
				RetryBackoff:   time.Second,
			},
		}
	}

	require.NoError(t, ValidateSettings(valid()))

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero threshold", func(s *Settings) { s.Source.SimilarityThreshold = 0 }},
		{"threshold above one", func(s *Settings) { s.Source.SimilarityThreshold = 1.5 }},
		{"negative lifespan", func(s *Settings) { s.Source.MaxLifespan = -time.Second }},
		{"zero latency", func(s *Settings) { s.Audio.Latency = 0 }},
		{"zero poll interval", func(s *Settings) { s.Pulse.PollInterval = 0 }},
		{"negative retry limit", func(s *Settings) { s.Pulse.RetryLimit = -1 }},
		{"zero retry backoff", func(s *Settings) { s.Pulse.RetryBackoff = 0 }},
		{"mqtt without broker", func(s *Settings) { s.MQTT.Enabled = true }},
		{"telemetry without dsn", func(s *Settings) { s.Telemetry.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := valid()
			tt.mutate(s)
			err := ValidateSettings(s)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}

func TestDumpProducesYAML(t *testing.T) {
	t.Parallel()

	s := &Settings{Source: SourceSettings{SimilarityThreshold: 0.5, AutoSelect: "VLC"}}
	buf := &bytes.Buffer{}
	require.NoError(t, Dump(buf, s))

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	src, ok := out["source"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "VLC", src["autoselect"])
}

func TestWriteDefaultConfigRefusesOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))
	require.Error(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), data)
}

func TestDefaultConfigPathPrefersXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	assert.Equal(t, filepath.Join(dir, "pulsetap", "config.yaml"), DefaultConfigPath())
}
