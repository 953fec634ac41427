package config

import (
	"strings"
	"time"

	"huehub/logger"

	"github.com/spf13/viper"
)

// Defaults and bounds for the bridge polling settings.
const (
	DefaultHeartrate        = 5
	DefaultTimeout          = 5
	DefaultParallelRequests = 10
	DefaultWaitTimeResend   = 300
	DefaultWaitTimeUpdate   = 20
)

type Config struct {
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBName     string `mapstructure:"DB_NAME"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`

	MqttBroker   string `mapstructure:"MQTT_BROKER"`
	MqttUser     string `mapstructure:"MQTT_USER"`
	MqttPassword string `mapstructure:"MQTT_PASSWORD"`

	NatsUrl string `mapstructure:"NATS_URL"`

	// MetricsAddr is the listen address of the Prometheus endpoint; empty
	// disables it.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	Log logger.Config `mapstructure:",squash"`
	Hue HueConfig     `mapstructure:",squash"`
}

// HueConfig holds everything the bridge connection manager consumes.
type HueConfig struct {
	Heartrate        int      `mapstructure:"HUE_HEARTRATE"`
	Timeout          int      `mapstructure:"HUE_TIMEOUT"`
	ParallelRequests int      `mapstructure:"HUE_PARALLEL_REQUESTS"`
	WaitTimeResend   int      `mapstructure:"HUE_WAIT_TIME_RESEND"`
	WaitTimeUpdate   int      `mapstructure:"HUE_WAIT_TIME_UPDATE"`
	Hosts            []string `mapstructure:"HUE_HOSTS"`

	Lights    bool `mapstructure:"HUE_LIGHTS"`
	Groups    bool `mapstructure:"HUE_GROUPS"`
	Group0    bool `mapstructure:"HUE_GROUP0"`
	Sensors   bool `mapstructure:"HUE_SENSORS"`
	Schedules bool `mapstructure:"HUE_SCHEDULES"`
	Rules     bool `mapstructure:"HUE_RULES"`

	AutoEnable bool `mapstructure:"HUE_AUTO_ENABLE"`
	MDNS       bool `mapstructure:"HUE_MDNS"`
	SSDP       bool `mapstructure:"HUE_SSDP"`

	StateDir string `mapstructure:"HUE_STATE_DIR"`
}

func setDefaults(v *viper.Viper) {
	for _, key := range []string{
		"DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD",
		"MQTT_BROKER", "MQTT_USER", "MQTT_PASSWORD", "NATS_URL",
		"LOG_LEVEL", "LOG_OUTPUT", "LOG_TIME_FORMAT", "HUE_HOSTS", "HUE_STATE_DIR",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("LOG_DEBUG", false)
	v.SetDefault("METRICS_ADDR", ":9102")

	v.SetDefault("HUE_HEARTRATE", DefaultHeartrate)
	v.SetDefault("HUE_TIMEOUT", DefaultTimeout)
	v.SetDefault("HUE_PARALLEL_REQUESTS", DefaultParallelRequests)
	v.SetDefault("HUE_WAIT_TIME_RESEND", DefaultWaitTimeResend)
	v.SetDefault("HUE_WAIT_TIME_UPDATE", DefaultWaitTimeUpdate)

	for _, key := range []string{"HUE_LIGHTS", "HUE_GROUPS", "HUE_GROUP0", "HUE_SENSORS", "HUE_SCHEDULES", "HUE_RULES"} {
		v.SetDefault(key, false)
	}
	v.SetDefault("HUE_AUTO_ENABLE", true)
	v.SetDefault("HUE_MDNS", true)
	v.SetDefault("HUE_SSDP", true)
}

// LoadConfig reads .env from the working directory, falling back to plain
// environment variables when the file is absent.
func LoadConfig() (Config, error) {
	return load(viper.New(), ".env")
}

func load(v *viper.Viper, file string) (Config, error) {
	v.SetConfigFile(file)
	v.SetConfigType("env")
	setDefaults(v)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log := logger.GetLogger()
		log.Info().Err(err).Msg("Error reading config file, using environment variables")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, err
	}
	config.Hue.Normalize()

	return config, nil
}

// Normalize clamps out-of-range values back to their defaults and drops
// empty host entries.
func (c *HueConfig) Normalize() {
	c.Heartrate = intBetween(c.Heartrate, 1, 30, DefaultHeartrate)
	c.Timeout = intBetween(c.Timeout, 5, 30, DefaultTimeout)
	c.ParallelRequests = intBetween(c.ParallelRequests, 1, 30, DefaultParallelRequests)
	c.WaitTimeResend = intBetween(c.WaitTimeResend, 100, 1000, DefaultWaitTimeResend)
	c.WaitTimeUpdate = intBetween(c.WaitTimeUpdate, 0, 500, DefaultWaitTimeUpdate)

	hosts := make([]string, 0, len(c.Hosts))
	for _, host := range c.Hosts {
		if host = strings.TrimSpace(host); host != "" {
			hosts = append(hosts, host)
		}
	}
	c.Hosts = hosts

	// group 0 is only polled together with the other groups
	if !c.Groups {
		c.Group0 = false
	}
}

func (c HueConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func intBetween(value, min, max, def int) int {
	if value < min || value > max {
		return def
	}
	return value
}
