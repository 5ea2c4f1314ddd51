// Separate package is workaround to import cycles.
package tele_config

type Config struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	DeviceID          string `hcl:"device_id"`
	LogDebug          bool   `hcl:"log_debug"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	TopicPrefix       string `hcl:"topic_prefix"`
	Ota               bool   `hcl:"ota"`

	Module       string `hcl:"-"`
	BuildVersion string `hcl:"-"`
}
