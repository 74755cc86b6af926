package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SPA"

// Config is the whole process configuration.
type Config struct {
	Port       string           `mapstructure:"port"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Device     DeviceConfig     `mapstructure:"device"`
	Control    ControlConfig    `mapstructure:"control"`
	Refresh    RefreshConfig    `mapstructure:"refresh"`
	Automation AutomationConfig `mapstructure:"automation"`
	Events     EventsConfig     `mapstructure:"events"`
	History    HistoryConfig    `mapstructure:"history"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Simulator  SimulatorConfig  `mapstructure:"simulator"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

// DeviceConfig locates the controller and tunes the session lifecycle.
type DeviceConfig struct {
	Transport      string        `mapstructure:"transport"`
	Address        string        `mapstructure:"address"`
	HardwareID     string        `mapstructure:"hardware_id"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	IdleRelease    time.Duration `mapstructure:"idle_release"` // 0 keeps the session open
}

type ControlConfig struct {
	MaxSetpointF float64       `mapstructure:"max_setpoint_f"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
	QueueSize    int           `mapstructure:"queue_size"`
}

type RefreshConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	DecodeFailureThreshold int           `mapstructure:"decode_failure_threshold"`
	StateLogInterval       time.Duration `mapstructure:"state_log_interval"`
}

type AutomationConfig struct {
	Tick     time.Duration `mapstructure:"tick"`
	Warmup   time.Duration `mapstructure:"warmup"`
	Grace    time.Duration `mapstructure:"grace"`
	Timezone string        `mapstructure:"timezone"` // IANA name; empty means the host zone
}

type EventsConfig struct {
	Buffer   int    `mapstructure:"buffer"`
	Overflow string `mapstructure:"overflow"` // drop_oldest | disconnect
}

type HistoryConfig struct {
	Dir           string        `mapstructure:"dir"`
	RetentionDays int           `mapstructure:"retention_days"`
	TailMax       int           `mapstructure:"tail_max"`
	PruneEvery    time.Duration `mapstructure:"prune_every"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

// SimulatorConfig seeds the built-in simulated controller.
type SimulatorConfig struct {
	SetpointF float64 `mapstructure:"setpoint_f"`
	WaterF    float64 `mapstructure:"water_f"`
	Units     string  `mapstructure:"units"`
	Pumps     int     `mapstructure:"pumps"`
	Lights    bool    `mapstructure:"lights"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("db.path", "spa.db")

	v.SetDefault("device.transport", "simulator")
	v.SetDefault("device.address", "")
	v.SetDefault("device.hardware_id", "")
	v.SetDefault("device.connect_timeout", 10*time.Second)
	v.SetDefault("device.read_timeout", 5*time.Second)
	v.SetDefault("device.write_timeout", 5*time.Second)
	v.SetDefault("device.backoff_base", 2*time.Second)
	v.SetDefault("device.backoff_max", 30*time.Second)
	v.SetDefault("device.idle_release", 10*time.Minute)

	v.SetDefault("control.max_setpoint_f", 104.0)
	v.SetDefault("control.min_interval", time.Second)
	v.SetDefault("control.queue_size", 64)

	v.SetDefault("refresh.interval", 1500*time.Millisecond)
	v.SetDefault("refresh.decode_failure_threshold", 3)
	v.SetDefault("refresh.state_log_interval", 60*time.Second)

	v.SetDefault("automation.tick", 30*time.Second)
	v.SetDefault("automation.warmup", 2*time.Minute)
	v.SetDefault("automation.grace", 2*time.Minute)
	v.SetDefault("automation.timezone", "")

	v.SetDefault("events.buffer", 32)
	v.SetDefault("events.overflow", "drop_oldest")

	v.SetDefault("history.dir", "./logs")
	v.SetDefault("history.retention_days", 7)
	v.SetDefault("history.tail_max", 500)
	v.SetDefault("history.prune_every", time.Hour)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "spa-engine")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "spa")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("simulator.setpoint_f", 100.0)
	v.SetDefault("simulator.water_f", 96.0)
	v.SetDefault("simulator.units", "F")
	v.SetDefault("simulator.pumps", 2)
	v.SetDefault("simulator.lights", true)
}

// legacyVar maps an older flat environment variable onto a config key. Numeric values
// without a unit are scaled by unit.
type legacyVar struct {
	env  string
	key  string
	unit time.Duration // 0 for non-duration values
	num  bool
}

var legacyVars = []legacyVar{
	{env: "INTOUCH2_HOST", key: "device.address"},
	{env: "INTOUCH2_MAC", key: "device.hardware_id"},
	{env: "MAX_SETPOINT_F", key: "control.max_setpoint_f", num: true},
	{env: "COMMAND_RATE_LIMIT_MS", key: "control.min_interval", unit: time.Millisecond},
	{env: "STATE_POLL_INTERVAL_MS", key: "refresh.interval", unit: time.Millisecond},
	{env: "STATE_LOG_INTERVAL_S", key: "refresh.state_log_interval", unit: time.Second},
	{env: "LOG_DIR", key: "history.dir"},
	{env: "PORT", key: "port"},
}

// Load builds the configuration from defaults, the config file, SPA_* environment
// variables and the legacy variable names, in increasing priority. With an empty path
// configs/config.yml is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := applyLegacyEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// applyLegacyEnv honours the legacy names unless the SPA_* spelling is also set.
func applyLegacyEnv(v *viper.Viper) error {
	for _, lv := range legacyVars {
		raw, ok := os.LookupEnv(lv.env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if _, ok := os.LookupEnv(envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(lv.key, ".", "_"))); ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		switch {
		case lv.unit > 0:
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", lv.env, err)
			}
			v.Set(lv.key, time.Duration(n*float64(lv.unit)))
		case lv.num:
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", lv.env, err)
			}
			v.Set(lv.key, n)
		default:
			v.Set(lv.key, raw)
		}
	}
	return nil
}

// Location resolves the automation time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Automation.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Automation.Timezone)
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if c.Port == "" {
		errs = append(errs, "port is required")
	}
	if strings.TrimSpace(c.Device.Address) == "" && strings.TrimSpace(c.Device.HardwareID) == "" {
		errs = append(errs, "device.address or device.hardware_id is required")
	}
	if c.Device.Transport != "simulator" {
		errs = append(errs, fmt.Sprintf("device.transport %q is not supported", c.Device.Transport))
	}
	for key, d := range map[string]time.Duration{
		"device.connect_timeout": c.Device.ConnectTimeout,
		"device.read_timeout":    c.Device.ReadTimeout,
		"device.write_timeout":   c.Device.WriteTimeout,
		"device.backoff_base":    c.Device.BackoffBase,
		"device.backoff_max":     c.Device.BackoffMax,
		"refresh.interval":       c.Refresh.Interval,
		"automation.tick":        c.Automation.Tick,
	} {
		if d <= 0 {
			errs = append(errs, key+" must be positive")
		}
	}
	if c.Device.BackoffMax < c.Device.BackoffBase {
		errs = append(errs, "device.backoff_max must be >= device.backoff_base")
	}
	if c.Device.IdleRelease < 0 {
		errs = append(errs, "device.idle_release must not be negative")
	}
	if c.Control.MaxSetpointF <= 0 {
		errs = append(errs, "control.max_setpoint_f must be positive")
	}
	if c.Control.MinInterval < 0 {
		errs = append(errs, "control.min_interval must not be negative")
	}
	if c.Control.QueueSize < 1 {
		errs = append(errs, "control.queue_size must be at least 1")
	}
	if c.Refresh.DecodeFailureThreshold < 1 {
		errs = append(errs, "refresh.decode_failure_threshold must be at least 1")
	}
	switch strings.ToLower(c.Events.Overflow) {
	case "drop_oldest", "disconnect", "":
	default:
		errs = append(errs, fmt.Sprintf("events.overflow %q must be drop_oldest or disconnect", c.Events.Overflow))
	}
	if c.History.Dir == "" {
		errs = append(errs, "history.dir is required")
	}
	if c.History.RetentionDays < 0 {
		errs = append(errs, "history.retention_days must not be negative")
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("automation.timezone: %v", err))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
