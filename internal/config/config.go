// Package config provides YAML-based configuration loading for the pendant
// daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// DataDir holds the settings database.
	DataDir string `mapstructure:"data_dir"`

	// TickMS is the run loop period.
	TickMS int `mapstructure:"tick_ms"`

	Log      LogConfig      `mapstructure:"log"`
	Serial   SerialConfig   `mapstructure:"serial"`
	WiFi     WiFiConfig     `mapstructure:"wifi"`
	Net      NetConfig      `mapstructure:"net"`
	Selector SelectorConfig `mapstructure:"selector"`
	API      APIConfig      `mapstructure:"api"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SerialConfig selects the wired UART to the controller.
type SerialConfig struct {
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
}

// WiFiConfig selects the radio backend and its pacing.
type WiFiConfig struct {
	// Backend: nmcli, host or none
	Backend          string `mapstructure:"backend"`
	Interface        string `mapstructure:"interface"`
	BackoffInitialMS int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMS     int    `mapstructure:"backoff_max_ms"`
	JoinTimeoutMS    int    `mapstructure:"join_timeout_ms"`
}

// NetConfig tunes the network transports.
type NetConfig struct {
	TCPBackoffInitialMS int  `mapstructure:"tcp_backoff_initial_ms"`
	TCPBackoffMaxMS     int  `mapstructure:"tcp_backoff_max_ms"`
	WSBackoffInitialMS  int  `mapstructure:"ws_backoff_initial_ms"`
	WSBackoffMaxMS      int  `mapstructure:"ws_backoff_max_ms"`
	DialTimeoutMS       int  `mapstructure:"dial_timeout_ms"`
	MDNS                bool `mapstructure:"mdns"`
}

// SelectorConfig tunes forced reconnects.
type SelectorConfig struct {
	ConnectWaitMS int `mapstructure:"connect_wait_ms"`
	PollMS        int `mapstructure:"poll_ms"`
}

type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		TickMS:  10,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/pendant.log",
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 14,
				Compress:   true,
			},
		},
		Serial: SerialConfig{Device: "/dev/ttyUSB0", Baud: 115200},
		WiFi: WiFiConfig{
			Backend:          "nmcli",
			BackoffInitialMS: 2000,
			BackoffMaxMS:     60000,
			JoinTimeoutMS:    20000,
		},
		Net: NetConfig{
			TCPBackoffInitialMS: 1500,
			TCPBackoffMaxMS:     5000,
			WSBackoffInitialMS:  1500,
			WSBackoffMaxMS:      5000,
			DialTimeoutMS:       3000,
			MDNS:                true,
		},
		Selector: SelectorConfig{ConnectWaitMS: 10000, PollMS: 100},
		API:      APIConfig{ListenAddr: ":8080"},
	}
}

// Load reads configuration from path, or searches the usual locations when
// path is empty. Environment variables use the prefix PENDANT with `.` and
// `-` replaced by `_`, e.g. PENDANT_SERIAL_DEVICE=/dev/ttyACM0.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PENDANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("tick_ms", cfg.TickMS)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("serial.device", cfg.Serial.Device)
	v.SetDefault("serial.baud", cfg.Serial.Baud)
	v.SetDefault("wifi.backend", cfg.WiFi.Backend)
	v.SetDefault("wifi.interface", cfg.WiFi.Interface)
	v.SetDefault("wifi.backoff_initial_ms", cfg.WiFi.BackoffInitialMS)
	v.SetDefault("wifi.backoff_max_ms", cfg.WiFi.BackoffMaxMS)
	v.SetDefault("wifi.join_timeout_ms", cfg.WiFi.JoinTimeoutMS)
	v.SetDefault("net.tcp_backoff_initial_ms", cfg.Net.TCPBackoffInitialMS)
	v.SetDefault("net.tcp_backoff_max_ms", cfg.Net.TCPBackoffMaxMS)
	v.SetDefault("net.ws_backoff_initial_ms", cfg.Net.WSBackoffInitialMS)
	v.SetDefault("net.ws_backoff_max_ms", cfg.Net.WSBackoffMaxMS)
	v.SetDefault("net.dial_timeout_ms", cfg.Net.DialTimeoutMS)
	v.SetDefault("net.mdns", cfg.Net.MDNS)
	v.SetDefault("selector.connect_wait_ms", cfg.Selector.ConnectWaitMS)
	v.SetDefault("selector.poll_ms", cfg.Selector.PollMS)
	v.SetDefault("api.listen_addr", cfg.API.ListenAddr)

	if path == "" {
		if envPath := os.Getenv("PENDANT_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pendant")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pendant"))
		}
	}

	// A missing file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.WiFi.Backend = strings.ToLower(strings.TrimSpace(c.WiFi.Backend))
	switch c.WiFi.Backend {
	case "nmcli", "host", "none":
	case "":
		c.WiFi.Backend = "nmcli"
	default:
		return fmt.Errorf("invalid wifi.backend: %q", c.WiFi.Backend)
	}

	if c.Serial.Baud <= 0 {
		return fmt.Errorf("invalid serial.baud: %d", c.Serial.Baud)
	}
	if c.WiFi.BackoffMaxMS < c.WiFi.BackoffInitialMS {
		return fmt.Errorf("wifi.backoff_max_ms %d below backoff_initial_ms %d",
			c.WiFi.BackoffMaxMS, c.WiFi.BackoffInitialMS)
	}
	if c.Net.TCPBackoffMaxMS < c.Net.TCPBackoffInitialMS {
		return fmt.Errorf("net.tcp_backoff_max_ms %d below tcp_backoff_initial_ms %d",
			c.Net.TCPBackoffMaxMS, c.Net.TCPBackoffInitialMS)
	}
	if c.Net.WSBackoffMaxMS < c.Net.WSBackoffInitialMS {
		return fmt.Errorf("net.ws_backoff_max_ms %d below ws_backoff_initial_ms %d",
			c.Net.WSBackoffMaxMS, c.Net.WSBackoffInitialMS)
	}
	if strings.TrimSpace(c.API.ListenAddr) == "" {
		c.API.ListenAddr = ":8080"
	}
	return nil
}

// Ms converts a millisecond setting; zero and negative values mean "use the
// component default".
func Ms(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
