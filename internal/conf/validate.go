package conf

import (
	"github.com/pulsetap/pulsetap/internal/errors"
)

// ValidateSettings rejects values the audio pipeline cannot run with.
func ValidateSettings(s *Settings) error {
	var errs []error

	invalid := func(field string, value any, reason string) {
		errs = append(errs, errors.Newf("invalid %s: %s", field, reason).
			Component("configuration").
			Category(errors.CategoryValidation).
			Context("field", field).
			Context("value", value).
			Build())
	}

	if t := s.Source.SimilarityThreshold; t <= 0 || t > 1 {
		invalid("source.similaritythreshold", t, "must be in (0, 1]")
	}
	if s.Source.MaxLifespan <= 0 {
		invalid("source.maxlifespan", s.Source.MaxLifespan, "must be positive")
	}
	if s.Audio.Latency <= 0 {
		invalid("audio.latency", s.Audio.Latency, "must be positive")
	}
	if s.Audio.SilenceInterval <= 0 {
		invalid("audio.silenceinterval", s.Audio.SilenceInterval, "must be positive")
	}
	if s.Pulse.ConnectTimeout <= 0 {
		invalid("pulse.connecttimeout", s.Pulse.ConnectTimeout, "must be positive")
	}
	if s.Pulse.PollInterval <= 0 {
		invalid("pulse.pollinterval", s.Pulse.PollInterval, "must be positive")
	}
	if s.Pulse.SuspendAfter <= 0 {
		invalid("pulse.suspendafter", s.Pulse.SuspendAfter, "must be positive")
	}
	if s.Pulse.RetryLimit < 0 {
		invalid("pulse.retrylimit", s.Pulse.RetryLimit, "must not be negative")
	}
	if s.Pulse.RetryBackoff <= 0 {
		invalid("pulse.retrybackoff", s.Pulse.RetryBackoff, "must be positive")
	}
	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		invalid("mqtt.broker", s.MQTT.Broker, "required when mqtt is enabled")
	}
	if s.Telemetry.Enabled && s.Telemetry.DSN == "" {
		invalid("telemetry.dsn", s.Telemetry.DSN, "required when telemetry is enabled")
	}

	return errors.Join(errs...)
}
