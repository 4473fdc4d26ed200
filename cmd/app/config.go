package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Agrid-Dev/picorelay/internal/logging"
)

const EnvPrefix = "PICORELAY_"

type Config struct {
	DeviceID string `koanf:"device_id" yaml:"device_id"`
	// Source is the "source" field of published status events.
	Source string `koanf:"source" yaml:"source"`

	Logging    logging.Config   `koanf:"logging" yaml:"logging"`
	Network    NetworkConfig    `koanf:"network" yaml:"network"`
	TimeSync   TimeSyncConfig   `koanf:"time_sync" yaml:"time_sync"`
	Relay      RelayConfig      `koanf:"relay" yaml:"relay"`
	HTTP       HTTPConfig       `koanf:"http" yaml:"http"`
	MQTT       MQTTConfig       `koanf:"mqtt" yaml:"mqtt"`
	Modbus     ModbusConfig     `koanf:"modbus" yaml:"modbus"`
	Supervisor SupervisorConfig `koanf:"supervisor" yaml:"supervisor"`
}

type NetworkConfig struct {
	Enabled      bool          `koanf:"enabled" yaml:"enabled"`
	Interface    string        `koanf:"interface" yaml:"interface"`
	Attempts     int           `koanf:"attempts" yaml:"attempts"`
	InitialDelay time.Duration `koanf:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay" yaml:"max_delay"`
}

type TimeSyncConfig struct {
	Enabled        bool          `koanf:"enabled" yaml:"enabled"`
	Host           string        `koanf:"host" yaml:"host"`
	Port           int           `koanf:"port" yaml:"port"`
	Timeout        time.Duration `koanf:"timeout" yaml:"timeout"`
	TimezoneOffset time.Duration `koanf:"timezone_offset" yaml:"timezone_offset"`
	SetClock       bool          `koanf:"set_clock" yaml:"set_clock"`
}

type RelayConfig struct {
	Driver    string `koanf:"driver" yaml:"driver"` // "gpio" | "memory"
	Chip      string `koanf:"chip" yaml:"chip"`
	Line      int    `koanf:"line" yaml:"line"`
	ActiveLow bool   `koanf:"active_low" yaml:"active_low"`
}

type HTTPConfig struct {
	Addr           string        `koanf:"addr" yaml:"addr"`
	Path           string        `koanf:"path" yaml:"path"`
	PollWait       time.Duration `koanf:"poll_wait" yaml:"poll_wait"`
	RequestTimeout time.Duration `koanf:"request_timeout" yaml:"request_timeout"`
}

type MQTTConfig struct {
	Enabled          bool          `koanf:"enabled" yaml:"enabled"`
	Host             string        `koanf:"host" yaml:"host"`
	Port             int           `koanf:"port" yaml:"port"`
	Username         string        `koanf:"username" yaml:"username"`
	Password         string        `koanf:"password" yaml:"password"`
	ClientID         string        `koanf:"client_id" yaml:"client_id"`
	QoS              byte          `koanf:"qos" yaml:"qos"`
	ControlTopic     string        `koanf:"control_topic" yaml:"control_topic"`
	StatusTopic      string        `koanf:"status_topic" yaml:"status_topic"`
	DeviceTopic      string        `koanf:"device_topic" yaml:"device_topic"`
	QueueSize        int           `koanf:"queue_size" yaml:"queue_size"`
	PollInterval     time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout" yaml:"connect_timeout"`
	ReconnectInitial time.Duration `koanf:"reconnect_initial" yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `koanf:"reconnect_max" yaml:"reconnect_max"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
	UnitID  byte   `koanf:"unit_id" yaml:"unit_id"`
}

type SupervisorConfig struct {
	BindGrace time.Duration `koanf:"bind_grace" yaml:"bind_grace"`
	Reset     string        `koanf:"reset" yaml:"reset"` // "exit" | "reboot"
}

// Defaults mirror the device firmware: public broker, MQTT off, relay API on port 80.
func Defaults() Config {
	return Config{
		DeviceID: "picorelay",
		Source:   "picorelay",
		Logging:  logging.Config{Level: "info", Format: "text", Output: "stdout"},
		Network: NetworkConfig{
			Attempts:     10,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
		TimeSync: TimeSyncConfig{
			Enabled: true,
			Host:    "pool.ntp.org",
			Port:    123,
			Timeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			Driver: "gpio",
			Chip:   "gpiochip0",
			Line:   14,
		},
		HTTP: HTTPConfig{
			Addr:           ":80",
			Path:           "/api/relay",
			PollWait:       50 * time.Millisecond,
			RequestTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Host:             "broker.hivemq.com",
			Port:             1883,
			ControlTopic:     "home-iot/relay/control",
			StatusTopic:      "home-iot/relay/status",
			DeviceTopic:      "home-iot/device/status",
			QueueSize:        16,
			PollInterval:     time.Second,
			ConnectTimeout:   5 * time.Second,
			ReconnectInitial: time.Second,
			ReconnectMax:     60 * time.Second,
		},
		Modbus: ModbusConfig{
			Addr:   ":502",
			UnitID: 1,
		},
		Supervisor: SupervisorConfig{
			BindGrace: 5 * time.Second,
			Reset:     "exit",
		},
	}
}

// LoadConfig layers defaults, the config file (if present) and the environment.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.Environ)
}

func loadConfig(path string, environ func() []string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	// Legacy names first so that prefixed variables win.
	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: legacyEnv,
		EnvironFunc:   environ,
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load legacy env: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, EnvPrefix)), value
		},
		EnvironFunc: environ,
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Config file missing → use defaults
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var parser koanf.Parser
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Relay.Driver {
	case "gpio", "memory":
	default:
		return fmt.Errorf("relay.driver must be gpio or memory, got %q", c.Relay.Driver)
	}
	switch c.Supervisor.Reset {
	case "exit", "reboot":
	default:
		return fmt.Errorf("supervisor.reset must be exit or reboot, got %q", c.Supervisor.Reset)
	}
	if c.MQTT.QoS > 1 {
		return fmt.Errorf("mqtt.qos must be 0 or 1, got %d", c.MQTT.QoS)
	}
	if c.Modbus.Enabled && c.Modbus.UnitID == 0 {
		return fmt.Errorf("modbus.unit_id must be non-zero")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "********"
	}
	return c
}

// sections are the top-level keys that hold nested fields. Longer names first so
// TIME_SYNC_HOST does not match a shorter prefix.
var sections = []string{
	"supervisor",
	"time_sync",
	"logging",
	"network",
	"modbus",
	"relay",
	"http",
	"mqtt",
}

// envKeyTransform maps an environment key (prefix already stripped) to a koanf path:
// MQTT_CONTROL_TOPIC → mqtt.control_topic, DEVICE_ID → device_id.
func envKeyTransform(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	for _, s := range sections {
		if strings.HasPrefix(k, s+"_") && len(k) > len(s)+1 {
			return s + "." + k[len(s)+1:]
		}
	}
	return k
}

// legacyEnv accepts the variable names used by the device firmware settings file.
func legacyEnv(key, value string) (string, any) {
	switch key {
	case "MQTT_BROKER":
		return "mqtt.host", value
	case "MQTT_PORT":
		return "mqtt.port", value
	case "MQTT_USERNAME":
		return "mqtt.username", value
	case "MQTT_PASSWORD":
		return "mqtt.password", value
	case "MQTT_ENABLED":
		return "mqtt.enabled", strings.EqualFold(value, "true")
	case "PORT":
		// listen on all interfaces on that port
		return "http.addr", ":" + value
	default:
		return "", nil
	}
}
