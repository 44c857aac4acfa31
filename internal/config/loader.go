package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/reBalance888/tunearena/internal/store"
)

// EnvPrefix prefixes every arena environment variable. A double underscore
// separates sections: ARENA_ARENA__COUNTDOWN=30 sets arena.countdown.
const EnvPrefix = "ARENA_"

// conventional maps widely used variable names onto config keys. They take
// precedence over ARENA_ variables.
var conventional = map[string]string{
	"SUNO_API_KEY":   "generation.suno.api_key",
	"UDIO_API_KEY":   "generation.udio.api_key",
	"PORT":           "server.port",
	"DATABASE_URL":   "store.dsn",
	"NATS_URL":       "relay.nats_url",
	"EVENT_LOG_PATH": "event_log_path",
}

// Load builds a Config by layering, from low to high precedence:
//  1. defaults (New)
//  2. the YAML file named by ARENA_CONFIG, if set
//  3. ARENA_ environment variables
//  4. conventional variables (SUNO_API_KEY, PORT, DATABASE_URL, ...)
//
// The result is validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("ARENA_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for name, key := range conventional {
		if v := os.Getenv(name); v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("apply %s: %w", name, err)
			}
		}
	}
	// A database URL alone selects postgres.
	if os.Getenv("DATABASE_URL") != "" && !k.Exists("store.driver") {
		if err := k.Set("store.driver", store.DriverPostgres); err != nil {
			return nil, err
		}
	}

	cfg := *New()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
