// Package config holds every tunable of the arena process.
//
// Values are layered: New gives the defaults, Load overlays an optional YAML
// file and then the environment. Sections mirror the components they feed.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/observability"
	"github.com/reBalance888/tunearena/internal/relay"
	"github.com/reBalance888/tunearena/internal/store"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	Arena      ArenaConfig               `koanf:"arena"`
	Generation GenerationConfig          `koanf:"generation"`
	Server     ServerConfig              `koanf:"server"`
	Store      store.Config              `koanf:"store"`
	Relay      relay.Config              `koanf:"relay"`
	Debug      observability.DebugConfig `koanf:"debug"`

	// Entries seeds the roster. Empty means battle.DefaultEntries.
	Entries []battle.Entry `koanf:"entries"`

	// Prompts is an inline prompt list; PromptsFile, when set, wins.
	Prompts     []string `koanf:"prompts"`
	PromptsFile string   `koanf:"prompts_file"`

	// EventLogPath, when set, journals every broadcast event as JSONL.
	EventLogPath string `koanf:"event_log_path"`
}

// ArenaConfig paces battles and tunes the state machine.
type ArenaConfig struct {
	Countdown          int           `koanf:"countdown"` // ticks in the voting window
	Tick               time.Duration `koanf:"tick"`
	InterBattleDelay   time.Duration `koanf:"inter_battle_delay"`
	FailureBackoff     time.Duration `koanf:"failure_backoff"`
	KFactor            int           `koanf:"k_factor"`
	BaselineRating     int           `koanf:"baseline_rating"`
	FirstBattleNumber  int64         `koanf:"first_battle_number"`
	WinnerPolicy       string        `koanf:"winner_policy"` // votes | random | external
	TieBreak           string        `koanf:"tie_break"`     // random | entry_a | higher_rated
	GenerationAttempts int           `koanf:"generation_attempts"`
	GenerationBackoff  time.Duration `koanf:"generation_backoff"`
	PersistAttempts    int           `koanf:"persist_attempts"`
	PersistBackoff     time.Duration `koanf:"persist_backoff"`
	LedgerRetention    int           `koanf:"ledger_retention"`
}

// ProviderConfig configures one live generation API.
type ProviderConfig struct {
	APIKey            string `koanf:"api_key"`
	BaseURL           string `koanf:"base_url"`
	RequestsPerMinute int    `koanf:"requests_per_minute"`
}

// GenerationConfig configures providers and the track cache.
type GenerationConfig struct {
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	MaxRetries        int           `koanf:"max_retries"`
	DefaultRetryAfter time.Duration `koanf:"default_retry_after"`
	MaxRetryAfter     time.Duration `koanf:"max_retry_after"`
	TrackDuration     int           `koanf:"track_duration"`
	Style             string        `koanf:"style"`
	Instrumental      bool          `koanf:"instrumental"`

	// Simulate routes every entry to the simulated provider.
	Simulate bool `koanf:"simulate"`
	// Fallback serves entries without a configured live API from the
	// simulated provider instead of failing with not configured.
	Fallback         bool          `koanf:"fallback"`
	SimulatedLatency time.Duration `koanf:"simulated_latency"`

	Suno ProviderConfig `koanf:"suno"`
	Udio ProviderConfig `koanf:"udio"`
}

// ServerConfig configures the public HTTP surface.
type ServerConfig struct {
	Port             int           `koanf:"port"`
	CORSOrigins      []string      `koanf:"cors_origins"`
	MaxWSConnections int           `koanf:"max_ws_connections"`
	MaxWSPerIP       int           `koanf:"max_ws_per_ip"`
	AdminToken       string        `koanf:"admin_token"`
	RateLimit        float64       `koanf:"rate_limit"` // requests per second per IP
	RateBurst        int           `koanf:"rate_burst"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

// New returns the defaults.
func New() *Config {
	return &Config{
		LogLevel: "info",
		Arena: ArenaConfig{
			Countdown:          60,
			Tick:               time.Second,
			InterBattleDelay:   120 * time.Second,
			FailureBackoff:     10 * time.Second,
			KFactor:            32,
			BaselineRating:     1500,
			FirstBattleNumber:  248,
			WinnerPolicy:       battle.PolicyVotes,
			TieBreak:           battle.TieRandom,
			GenerationAttempts: 3,
			GenerationBackoff:  5 * time.Second,
			PersistAttempts:    3,
			PersistBackoff:     500 * time.Millisecond,
			LedgerRetention:    50,
		},
		Generation: GenerationConfig{
			CacheTTL:          24 * time.Hour,
			SweepInterval:     time.Hour,
			MaxRetries:        3,
			DefaultRetryAfter: 60 * time.Second,
			MaxRetryAfter:     2 * time.Minute,
			TrackDuration:     30,
			Style:             "default",
			Fallback:          true,
			SimulatedLatency:  2 * time.Second,
			Suno:              ProviderConfig{RequestsPerMinute: 10},
			Udio:              ProviderConfig{RequestsPerMinute: 10},
		},
		Server: ServerConfig{
			Port: 3001,
			CORSOrigins: []string{
				"http://localhost:*",
				"http://127.0.0.1:*",
			},
			MaxWSConnections: 500,
			MaxWSPerIP:       10,
			RateLimit:        10,
			RateBurst:        20,
			ShutdownTimeout:  10 * time.Second,
		},
		Store: store.Config{Driver: store.DriverMemory},
		Relay: relay.Config{SubjectPrefix: relay.DefaultSubjectPrefix},
		Debug: observability.DefaultDebugConfig(),
	}
}

// RosterEntries returns the configured entries or the launch roster.
func (c *Config) RosterEntries() []battle.Entry {
	if len(c.Entries) > 0 {
		return c.Entries
	}
	return battle.DefaultEntries()
}

// Validate rejects values the arena cannot run with.
func (c *Config) Validate() error {
	a := c.Arena
	switch {
	case a.Countdown <= 0:
		return invalid("arena.countdown must be positive")
	case a.Tick <= 0:
		return invalid("arena.tick must be positive")
	case a.InterBattleDelay <= 0:
		return invalid("arena.inter_battle_delay must be positive")
	case a.FailureBackoff <= 0:
		return invalid("arena.failure_backoff must be positive")
	case a.KFactor <= 0:
		return invalid("arena.k_factor must be positive")
	case a.BaselineRating <= 0:
		return invalid("arena.baseline_rating must be positive")
	case a.GenerationAttempts <= 0:
		return invalid("arena.generation_attempts must be positive")
	case a.PersistAttempts <= 0:
		return invalid("arena.persist_attempts must be positive")
	}
	if _, err := battle.NewAdjudicator(a.WinnerPolicy, a.TieBreak); err != nil {
		return invalid(err.Error())
	}

	g := c.Generation
	switch {
	case g.CacheTTL <= 0:
		return invalid("generation.cache_ttl must be positive")
	case g.SweepInterval <= 0:
		return invalid("generation.sweep_interval must be positive")
	case g.MaxRetries < 0:
		return invalid("generation.max_retries must not be negative")
	case g.TrackDuration <= 0:
		return invalid("generation.track_duration must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid(fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for postgres")
		}
	default:
		return invalid(fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	names := make(map[string]bool)
	for _, e := range c.RosterEntries() {
		if e.Name == "" {
			return invalid("entries must be named")
		}
		names[e.Name] = true
	}
	if len(names) < 2 {
		return invalid("at least two distinct entries are required")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
