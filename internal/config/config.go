package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/sitesync/internal/geo"
	"github.com/kalambet/sitesync/internal/offline"
	"github.com/kalambet/sitesync/internal/siteapi"
)

type Config struct {
	Server  ServerConfig
	API     APIConfig
	Storage StorageConfig
	Sync    SyncConfig
	Notify  NotifyConfig
	Geo     GeoConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// Token authenticates local API callers. When empty, a random token is
	// generated and kept in the data directory.
	Token string
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	Interval      time.Duration
	ProbeInterval time.Duration
	DropPolicy    string
}

type NotifyConfig struct {
	NtfyTopic string
}

type GeoConfig struct {
	// Position is the fixed "lat,lng" attached to posts that carry no
	// coordinates. Empty disables it.
	Position string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			Interval:      30 * time.Second,
			ProbeInterval: 5 * time.Second,
			DropPolicy:    string(offline.DropNonNetwork),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/sitesync/config.toml, then applies SITESYNC_* environment
// overrides. A missing file leaves the defaults in place.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()))
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("missing required config: api.base_url. Set it in %s or via SITESYNC_API_BASE_URL", ConfigFilePath())
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Sync.Interval <= 0 || c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync.interval and sync.probe_interval must be positive")
	}
	if _, err := offline.ParseDropPolicy(c.Sync.DropPolicy); err != nil {
		return fmt.Errorf("sync.drop_policy: %w", err)
	}
	if err := validPosition(c.Geo.Position); err != nil {
		return fmt.Errorf("geo.position: %w", err)
	}
	if err := validLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// DropPolicy returns the parsed sync.drop_policy.
func (c Config) DropPolicy() offline.DropPolicy {
	p, err := offline.ParseDropPolicy(c.Sync.DropPolicy)
	if err != nil {
		return offline.DropNonNetwork
	}
	return p
}

// Position returns the configured geo.position, if any.
func (c Config) Position() (siteapi.Coordinates, bool) {
	if strings.TrimSpace(c.Geo.Position) == "" {
		return siteapi.Coordinates{}, false
	}
	pos, err := geo.ParsePosition(c.Geo.Position)
	return pos, err == nil
}

// ConfigFilePath returns the location of the user config file.
func ConfigFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "sitesync", "config.toml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "sitesync-data"
		}
	}
	return filepath.Join(dir, "sitesync")
}
