package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Reconnect strategies.
const (
	ReconnectFixed       = "fixed"
	ReconnectExponential = "exponential"
)

// Environment overrides, read after the config file and any .env file.
const (
	EnvServerURL = "CHATSYNC_SERVER_URL"
	EnvWSURL     = "CHATSYNC_WS_URL"
	EnvStore     = "CHATSYNC_STORE"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	ServerURL      string   `toml:"server_url"`
	WSURL          string   `toml:"ws_url"`
	Store          string   `toml:"store"`
	AddressBook    string   `toml:"address_book"`
	LogLevel       string   `toml:"log_level"`
	Realtime       Realtime `toml:"realtime"`
}

// Realtime tunes the realtime channel.
type Realtime struct {
	KeepAlive Duration  `toml:"keepalive"`
	Reconnect Reconnect `toml:"reconnect"`
}

// Reconnect selects how the channel waits between reconnect attempts.
type Reconnect struct {
	Strategy string   `toml:"strategy"`
	Delay    Duration `toml:"delay"`
	MaxDelay Duration `toml:"max_delay"`
}

// Duration is a time.Duration written as a string ("80s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "http://localhost:8080/"
	}
	if c.WSURL == "" {
		c.WSURL = "ws://localhost:8080/socket"
	}
	if c.Store == "" {
		c.Store = StoreFile
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Realtime.KeepAlive.Duration == 0 {
		c.Realtime.KeepAlive.Duration = 80 * time.Second
	}
	if c.Realtime.Reconnect.Strategy == "" {
		c.Realtime.Reconnect.Strategy = ReconnectFixed
	}
	if c.Realtime.Reconnect.Delay.Duration == 0 {
		c.Realtime.Reconnect.Delay.Duration = 5 * time.Second
	}
	if c.Realtime.Reconnect.MaxDelay.Duration == 0 {
		c.Realtime.Reconnect.MaxDelay.Duration = 2 * time.Minute
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist. A .env file next to the config is loaded into the
// process environment first, then environment overrides are applied.
func LoadOrDefault(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides file values with CHATSYNC_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvWSURL); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv(EnvStore); v != "" {
		c.Store = v
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
