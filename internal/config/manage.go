package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// KeyInfo is one row of `sitesync config show`.
type KeyInfo struct {
	Key     string
	EnvVar  string
	Value   string
	Default bool // value equals the built-in default
	FromEnv bool // value comes from EnvVar
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func (s keySpec) format(cfg Config) string {
	return fmt.Sprintf("%v", s.extract(cfg))
}

// ShowAll lists every non-secret key with its effective value.
func ShowAll(cfg Config) []KeyInfo {
	def := defaults()
	infos := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		value := s.format(cfg)
		infos = append(infos, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   value,
			Default: value == s.format(def),
			FromEnv: os.Getenv(s.env) != "",
		})
	}
	return infos
}

// SetKey validates value and stores it under key in the config file.
func SetKey(key, value string) error {
	return setKeyIn(newFileBackend(ConfigFilePath()), key, value)
}

func setKeyIn(b ConfigBackend, key, value string) error {
	s, ok := findSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("%s is secret and is never stored in the config file; set %s instead", key, s.env)
	}
	if s.validate != nil {
		if err := s.validate(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}

	switch s.typ {
	case kInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s expects an integer: %w", key, err)
		}
		return b.SetInt(key, n)
	case kDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s expects a duration such as 30s: %w", key, err)
		}
	}
	return b.SetString(key, value)
}

// ValidKeys returns the keys accepted by SetKey, in table order.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
