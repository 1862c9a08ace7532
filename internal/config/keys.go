package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/sitesync/internal/geo"
	"github.com/kalambet/sitesync/internal/offline"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
	// validate, when set, vets a value before it is written to the file.
	validate func(string) error
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SITESYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "SITESYNC_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "api.base_url", typ: kString, env: "SITESYNC_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.timeout", typ: kDuration, env: "SITESYNC_API_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.API.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.API.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SITESYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "sync.interval", typ: kDuration, env: "SITESYNC_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.probe_interval", typ: kDuration, env: "SITESYNC_SYNC_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.ProbeInterval },
	},
	{
		key: "sync.drop_policy", typ: kString, env: "SITESYNC_SYNC_DROP_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Sync.DropPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.DropPolicy },
		validate: func(v string) error {
			_, err := offline.ParseDropPolicy(v)
			return err
		},
	},
	{
		key: "notify.ntfy_topic", typ: kString, env: "SITESYNC_NOTIFY_NTFY_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Notify.NtfyTopic = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.NtfyTopic },
	},
	{
		key: "geo.position", typ: kString, env: "SITESYNC_GEO_POSITION",
		apply:    func(cfg *Config, v any) { cfg.Geo.Position = v.(string) },
		extract:  func(cfg Config) any { return cfg.Geo.Position },
		validate: validPosition,
	},
	{
		key: "log.level", typ: kString, env: "SITESYNC_LOG_LEVEL",
		apply:    func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract:  func(cfg Config) any { return cfg.Log.Level },
		validate: validLogLevel,
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

func validPosition(v string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	_, err := geo.ParsePosition(v)
	return err
}

func validLogLevel(v string) error {
	switch v {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("log level %q must be debug, info, warn or error", v)
}
