// Package config decodes and validates the bridge settings.
//
// Values come from flags, MESHBRIDGE_* environment variables (plus the
// legacy SERIAL_DEVICE, TCP_PORT, BAUD_RATE and SERVICE_NAME), an optional
// meshbridge.yaml and the defaults below, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/allbin/meshbridge/internal/logging"
	"github.com/allbin/meshbridge/serial"
)

const (
	EnvPrefix  = "MESHBRIDGE"
	ConfigName = "meshbridge"
)

var ErrInvalid = errors.New("invalid configuration")

// MQTT configures the optional frame mirror
type MQTT struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Enabled reports whether a broker is configured
func (m MQTT) Enabled() bool {
	return m.Broker != ""
}

type Config struct {
	Device                  string        `mapstructure:"device"`
	Baud                    int           `mapstructure:"baud"`
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port"`
	ReconnectDelay          time.Duration `mapstructure:"reconnect_delay"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	MinRuntime              time.Duration `mapstructure:"min_runtime"`
	MaxRapidFails           int           `mapstructure:"max_rapid_fails"`
	WaitForDevice           bool          `mapstructure:"wait_for_device"`
	MaxPayload              int           `mapstructure:"max_payload"`
	ServiceName             string        `mapstructure:"service_name"`
	Discovery               string        `mapstructure:"discovery"`
	AvahiDir                string        `mapstructure:"avahi_dir"`
	ReplayWindow            time.Duration `mapstructure:"replay_window"`
	DropClientsOnDisconnect bool          `mapstructure:"drop_clients_on_disconnect"`
	ClientQueue             int           `mapstructure:"client_queue"`
	LogLevel                string        `mapstructure:"log_level"`
	LogFormat               string        `mapstructure:"log_format"`
	MQTT                    MQTT          `mapstructure:"mqtt"`
}

var defaults = map[string]any{
	"device":                     "/dev/ttyUSB0",
	"baud":                       115200,
	"host":                       "0.0.0.0",
	"port":                       4403,
	"reconnect_delay":            5 * time.Second,
	"poll_interval":              time.Second,
	"min_runtime":                3 * time.Second,
	"max_rapid_fails":            5,
	"wait_for_device":            true,
	"max_payload":                512,
	"service_name":               "",
	"discovery":                  "avahi",
	"avahi_dir":                  "/etc/avahi/services",
	"replay_window":              10 * time.Second,
	"drop_clients_on_disconnect": false,
	"client_queue":               256,
	"log_level":                  "info",
	"log_format":                 "console",
	"mqtt.broker":                "",
	"mqtt.topic":                 "meshbridge",
	"mqtt.client_id":             "",
	"mqtt.username":              "",
	"mqtt.password":              "",
}

// legacyEnv maps keys to the variable names used by earlier deployments
var legacyEnv = map[string]string{
	"device":       "SERIAL_DEVICE",
	"port":         "TCP_PORT",
	"baud":         "BAUD_RATE",
	"service_name": "SERVICE_NAME",
}

// SetDefaults registers every key so environment overrides are seen by Unmarshal
func SetDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// BindEnv enables MESHBRIDGE_<KEY> variables (dots become underscores) and
// the legacy names, with the prefixed name taking precedence
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(key)
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// ReadFile loads path, or searches the standard locations when path is
// empty. A missing file in the standard locations is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(ConfigName)
	v.AddConfigPath("/etc/meshbridge")
	v.AddConfigPath("$HOME/.config/meshbridge")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Default returns the settings used when nothing overrides them
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

// Load decodes and validates the settings held by v
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.Discovery = strings.ToLower(strings.TrimSpace(c.Discovery))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Device == "" {
		add("device must not be empty")
	}
	if !serial.ValidBaudRate(c.Baud) {
		add("unsupported baud rate %d", c.Baud)
	}
	if c.Port < 0 || c.Port > 65535 {
		add("port %d out of range 0-65535", c.Port)
	}
	if c.ReconnectDelay <= 0 {
		add("reconnect_delay must be positive")
	}
	if c.PollInterval <= 0 {
		add("poll_interval must be positive")
	}
	if c.MinRuntime <= 0 {
		add("min_runtime must be positive")
	}
	if c.MaxRapidFails < 1 {
		add("max_rapid_fails must be at least 1")
	}
	if c.MaxPayload < 1 || c.MaxPayload > 65535 {
		add("max_payload %d out of range 1-65535", c.MaxPayload)
	}
	if c.ReplayWindow < 0 {
		add("replay_window must not be negative")
	}
	if c.ClientQueue < 1 {
		add("client_queue must be at least 1")
	}
	switch c.Discovery {
	case "avahi", "mdns", "both", "none":
	default:
		add("discovery %q must be avahi, mdns, both or none", c.Discovery)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("%v", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		add("log_format %q must be console or json", c.LogFormat)
	}
	if c.MQTT.Enabled() && c.MQTT.Topic == "" {
		add("mqtt.topic is required when mqtt.broker is set")
	}

	return errors.Join(errs...)
}

// Addr returns the TCP listen address
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
