// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("audio.latency", 50*time.Millisecond)
	v.SetDefault("audio.normalize", true)
	v.SetDefault("audio.silenceinterval", 50*time.Millisecond)

	v.SetDefault("source.similaritythreshold", 0.5)
	v.SetDefault("source.maxlifespan", 60*time.Second)
	v.SetDefault("source.allowspotify", false)
	v.SetDefault("source.autoselect", "")

	v.SetDefault("pulse.appname", "pulsetap")
	v.SetDefault("pulse.server", "")
	v.SetDefault("pulse.connecttimeout", 5*time.Second)
	v.SetDefault("pulse.pollinterval", 250*time.Millisecond)
	v.SetDefault("pulse.suspendafter", time.Second)
	v.SetDefault("pulse.retrylimit", 3)
	v.SetDefault("pulse.retrybackoff", 500*time.Millisecond)

	v.SetDefault("logging.defaultlevel", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.fileoutput.enabled", false)
	v.SetDefault("logging.fileoutput.path", "logs/pulsetap.log")
	v.SetDefault("logging.fileoutput.level", "debug")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", "127.0.0.1:8765")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "pulsetap")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "pulsetap")
	v.SetDefault("mqtt.interval", 5*time.Second)
	v.SetDefault("mqtt.homeassistant.enabled", false)
	v.SetDefault("mqtt.homeassistant.prefix", "homeassistant")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
}
