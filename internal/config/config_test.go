package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/config"
	"github.com/reBalance888/tunearena/internal/store"
)

var envVars = []string{
	"ARENA_CONFIG",
	"ARENA_LOG_LEVEL",
	"ARENA_ARENA__COUNTDOWN",
	"ARENA_ARENA__INTER_BATTLE_DELAY",
	"ARENA_ARENA__WINNER_POLICY",
	"ARENA_STORE__DRIVER",
	"ARENA_GENERATION__SUNO__API_KEY",
	"SUNO_API_KEY",
	"UDIO_API_KEY",
	"PORT",
	"DATABASE_URL",
	"NATS_URL",
	"EVENT_LOG_PATH",
}

func clearConfigEnvVars() {
	for _, name := range envVars {
		_ = os.Unsetenv(name)
	}
}

func TestConfigLoader(t *testing.T) {
	Convey("Given a config loader", t, func() {
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		Convey("When loading with defaults only", func() {
			cfg, err := config.Load()

			Convey("Then the production defaults apply", func() {
				So(err, ShouldBeNil)
				So(cfg.Arena.Countdown, ShouldEqual, 60)
				So(cfg.Arena.Tick, ShouldEqual, time.Second)
				So(cfg.Arena.InterBattleDelay, ShouldEqual, 120*time.Second)
				So(cfg.Arena.FailureBackoff, ShouldEqual, 10*time.Second)
				So(cfg.Arena.KFactor, ShouldEqual, 32)
				So(cfg.Arena.WinnerPolicy, ShouldEqual, battle.PolicyVotes)
				So(cfg.Generation.CacheTTL, ShouldEqual, 24*time.Hour)
				So(cfg.Store.Driver, ShouldEqual, store.DriverMemory)
				So(cfg.Server.Addr(), ShouldEqual, ":3001")
				So(cfg.RosterEntries(), ShouldHaveLength, 8)
			})
		})

		Convey("When ARENA_ variables are set", func() {
			_ = os.Setenv("ARENA_LOG_LEVEL", "debug")
			_ = os.Setenv("ARENA_ARENA__COUNTDOWN", "30")
			_ = os.Setenv("ARENA_ARENA__INTER_BATTLE_DELAY", "45s")
			_ = os.Setenv("ARENA_GENERATION__SUNO__API_KEY", "from-arena-env")

			cfg, err := config.Load()

			Convey("Then they override the defaults by section", func() {
				So(err, ShouldBeNil)
				So(cfg.LogLevel, ShouldEqual, "debug")
				So(cfg.Arena.Countdown, ShouldEqual, 30)
				So(cfg.Arena.InterBattleDelay, ShouldEqual, 45*time.Second)
				So(cfg.Generation.Suno.APIKey, ShouldEqual, "from-arena-env")
				So(cfg.Arena.KFactor, ShouldEqual, 32)
			})
		})

		Convey("When conventional variables are set", func() {
			_ = os.Setenv("ARENA_GENERATION__SUNO__API_KEY", "from-arena-env")
			_ = os.Setenv("SUNO_API_KEY", "sk-suno")
			_ = os.Setenv("UDIO_API_KEY", "sk-udio")
			_ = os.Setenv("PORT", "8080")
			_ = os.Setenv("DATABASE_URL", "postgres://arena@localhost/arena")
			_ = os.Setenv("NATS_URL", "nats://localhost:4222")
			_ = os.Setenv("EVENT_LOG_PATH", "/var/log/arena/events.jsonl")

			cfg, err := config.Load()

			Convey("Then they win and a database URL selects postgres", func() {
				So(err, ShouldBeNil)
				So(cfg.Generation.Suno.APIKey, ShouldEqual, "sk-suno")
				So(cfg.Generation.Udio.APIKey, ShouldEqual, "sk-udio")
				So(cfg.Server.Port, ShouldEqual, 8080)
				So(cfg.Store.Driver, ShouldEqual, store.DriverPostgres)
				So(cfg.Store.DSN, ShouldEqual, "postgres://arena@localhost/arena")
				So(cfg.Relay.URL, ShouldEqual, "nats://localhost:4222")
				So(cfg.EventLogPath, ShouldEqual, "/var/log/arena/events.jsonl")
			})
		})

		Convey("When an explicit driver accompanies DATABASE_URL", func() {
			_ = os.Setenv("DATABASE_URL", "postgres://arena@localhost/arena")
			_ = os.Setenv("ARENA_STORE__DRIVER", "memory")

			cfg, err := config.Load()

			Convey("Then the explicit driver is kept", func() {
				So(err, ShouldBeNil)
				So(cfg.Store.Driver, ShouldEqual, store.DriverMemory)
			})
		})

		Convey("When loading a YAML file", func() {
			path := filepath.Join(t.TempDir(), "arena.yaml")
			yaml := `
arena:
  countdown: 15
  tick: 500ms
  winner_policy: external
  tie_break: higher_rated
entries:
  - name: Suno
    rating: 1600
  - name: Udio
prompts:
  - Sea shanty in 7/8
`
			So(os.WriteFile(path, []byte(yaml), 0o600), ShouldBeNil)
			_ = os.Setenv("ARENA_CONFIG", path)
			_ = os.Setenv("ARENA_ARENA__COUNTDOWN", "20")

			cfg, err := config.Load()

			Convey("Then file values apply beneath the environment", func() {
				So(err, ShouldBeNil)
				So(cfg.Arena.Countdown, ShouldEqual, 20)
				So(cfg.Arena.Tick, ShouldEqual, 500*time.Millisecond)
				So(cfg.Arena.WinnerPolicy, ShouldEqual, battle.PolicyExternal)
				So(cfg.Arena.TieBreak, ShouldEqual, battle.TieHigherRated)
				So(cfg.RosterEntries(), ShouldHaveLength, 2)
				So(cfg.RosterEntries()[0].Rating, ShouldEqual, 1600)
				So(cfg.Prompts, ShouldResemble, []string{"Sea shanty in 7/8"})
			})
		})

		Convey("When the file is missing", func() {
			_ = os.Setenv("ARENA_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
			_, err := config.Load()

			Convey("Then loading fails", func() {
				So(err, ShouldNotBeNil)
			})
		})

		Convey("When a value fails validation", func() {
			_ = os.Setenv("ARENA_ARENA__WINNER_POLICY", "loudest")
			_, err := config.Load()

			Convey("Then an invalid config error is returned", func() {
				So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
			})
		})
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"zero countdown", func(c *config.Config) { c.Arena.Countdown = 0 }},
		{"negative tick", func(c *config.Config) { c.Arena.Tick = -time.Second }},
		{"zero inter battle delay", func(c *config.Config) { c.Arena.InterBattleDelay = 0 }},
		{"zero failure backoff", func(c *config.Config) { c.Arena.FailureBackoff = 0 }},
		{"zero k factor", func(c *config.Config) { c.Arena.KFactor = 0 }},
		{"unknown tie break", func(c *config.Config) { c.Arena.TieBreak = "loudest" }},
		{"zero cache ttl", func(c *config.Config) { c.Generation.CacheTTL = 0 }},
		{"port out of range", func(c *config.Config) { c.Server.Port = 70000 }},
		{"unknown store", func(c *config.Config) { c.Store.Driver = "sqlite" }},
		{"postgres without dsn", func(c *config.Config) { c.Store.Driver = store.DriverPostgres }},
		{"one entry", func(c *config.Config) { c.Entries = []battle.Entry{{Name: "Suno"}} }},
		{"duplicate entries", func(c *config.Config) { c.Entries = []battle.Entry{{Name: "Suno"}, {Name: "Suno"}} }},
		{"unnamed entry", func(c *config.Config) { c.Entries = []battle.Entry{{Name: "Suno"}, {}} }},
	}

	if err := config.New().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, config.ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
