// Package config reads and writes the global ~/.bridge/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when config.toml omits a field.
const (
	DefaultServerURL = "https://localhost:8000/api/v1"
	DefaultSocketURL = "wss://localhost:8000/api/v1/sync/connect"
)

// Config represents the global ~/.bridge/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	ServerURL      string    `toml:"server_url"`
	SocketURL      string    `toml:"socket_url"`
	UserID         string    `toml:"user_id"`
	Transport      Transport `toml:"transport"`
	Call           Call      `toml:"call"`
}

// Transport tunes the sync socket. Zero durations mean library defaults.
type Transport struct {
	PingInterval   duration `toml:"ping_interval"`
	PongTimeout    duration `toml:"pong_timeout"`
	ReconnectDelay duration `toml:"reconnect_delay"`
}

// Call tunes call signaling. A zero ring timeout means the library default.
type Call struct {
	RingTimeout duration `toml:"ring_timeout"`
}

// duration wraps time.Duration with toml text encoding ("25s", "1m").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Value returns the wrapped duration.
func (d duration) Value() time.Duration { return time.Duration(d) }

// Load reads config from the given path. Returns error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to defaults
// when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	return cfg, err
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

func (c *Config) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.SocketURL == "" {
		c.SocketURL = DefaultSocketURL
	}
}
