// Package config loads the daemon configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/dvl.link/internal/dvl"
	"github.com/banshee-data/dvl.link/internal/serialmux"
)

// Defaults match the Water Linked DVL A50 factory network setup.
const (
	DefaultIPAddress      = "192.168.194.95"
	DefaultFrame          = "dvl_a50_link"
	DefaultSpeedOfSound   = 1500.0
	DefaultRangeMode      = "auto"
	DefaultCommandTimeout = "5s"
	DefaultDBPath         = "dvl_data.db"
	DefaultListen         = ":8080"
)

const (
	UnitsRadians = "rad"
	UnitsDegrees = "deg"
)

// Config is the root of the TOML file. Keys omitted from the file keep the
// values from Default.
type Config struct {
	Transport              string                `toml:"transport"`
	IPAddress              string                `toml:"ip_address"`
	TCPPort                int                   `toml:"tcp_port"`
	SerialPort             string                `toml:"serial_port"`
	Serial                 serialmux.PortOptions `toml:"serial"`
	Frame                  string                `toml:"frame"`
	SpeedOfSound           float64               `toml:"speed_of_sound"`
	EnableOnActivate       bool                  `toml:"enable_on_activate"`
	LEDEnabled             bool                  `toml:"led_enabled"`
	MountingRotationOffset float64               `toml:"mounting_rotation_offset"`
	RangeMode              string                `toml:"range_mode"`
	OrientationUnits       string                `toml:"orientation_units"`
	CommandTimeout         string                `toml:"command_timeout"` // duration string like "5s"
	DBPath                 string                `toml:"db_path"`
	Listen                 string                `toml:"listen"`
	Redis                  RedisConfig           `toml:"redis"`
}

// RedisConfig enables the Redis sink when Addr or URL is set.
type RedisConfig struct {
	Addr   string `toml:"addr"`
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != "" || r.URL != ""
}

// Default returns a Config populated with the device defaults.
func Default() *Config {
	return &Config{
		Transport:        string(dvl.TransportNetwork),
		IPAddress:        DefaultIPAddress,
		TCPPort:          serialmux.DefaultTCPPort,
		SerialPort:       "/dev/ttyUSB0",
		Serial:           serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate},
		Frame:            DefaultFrame,
		SpeedOfSound:     DefaultSpeedOfSound,
		EnableOnActivate: true,
		LEDEnabled:       true,
		RangeMode:        DefaultRangeMode,
		OrientationUnits: UnitsRadians,
		CommandTimeout:   DefaultCommandTimeout,
		DBPath:           DefaultDBPath,
		Listen:           DefaultListen,
	}
}

// Load reads a TOML config file over the defaults.
// The file must have a .toml extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return nil, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(cleanPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	cfg.OrientationUnits = strings.ToLower(strings.TrimSpace(cfg.OrientationUnits))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	switch dvl.Transport(c.Transport) {
	case dvl.TransportNetwork:
		if c.IPAddress == "" {
			return fmt.Errorf("ip_address is required for the network transport")
		}
		if c.TCPPort <= 0 || c.TCPPort > 65535 {
			return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", c.TCPPort)
		}
	case dvl.TransportSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("serial_port is required for the serial transport")
		}
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", dvl.TransportNetwork, dvl.TransportSerial, c.Transport)
	}

	if c.SpeedOfSound <= 0 {
		return fmt.Errorf("speed_of_sound must be positive, got %f", c.SpeedOfSound)
	}

	switch c.OrientationUnits {
	case UnitsRadians, UnitsDegrees:
	default:
		return fmt.Errorf("orientation_units must be %q or %q, got %q", UnitsRadians, UnitsDegrees, c.OrientationUnits)
	}

	if c.RangeMode == "" {
		return fmt.Errorf("range_mode must not be empty")
	}

	if c.CommandTimeout != "" {
		d, err := time.ParseDuration(c.CommandTimeout)
		if err != nil {
			return fmt.Errorf("invalid command_timeout '%s': %w", c.CommandTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout)
		}
	}

	return nil
}

// GetCommandTimeout parses and returns CommandTimeout as a time.Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Degrees reports whether pose orientation is published in degrees.
func (c *Config) Degrees() bool {
	return c.OrientationUnits == UnitsDegrees
}

// SessionOptions maps the file onto dvl.Options.
func (c *Config) SessionOptions() dvl.Options {
	return dvl.Options{
		Transport:      dvl.Transport(c.Transport),
		FrameID:        c.Frame,
		SoundSpeed:     c.SpeedOfSound,
		Degrees:        c.Degrees(),
		CommandTimeout: c.GetCommandTimeout(),
	}
}

// Settings returns the values written to the device on connect.
func (c *Config) Settings() dvl.Settings {
	return dvl.Settings{
		SpeedOfSound:           c.SpeedOfSound,
		MountingRotationOffset: c.MountingRotationOffset,
		RangeMode:              c.RangeMode,
		LEDEnabled:             c.LEDEnabled,
	}
}
