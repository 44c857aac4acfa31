// Package store persists battle history, entry ratings and votes.
//
// Every write is keyed by a natural identity (battle number, entry name,
// battle number + voter) so callers may retry any operation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/ledger"
)

// ErrNotFound is returned when a battle does not exist.
var ErrNotFound = errors.New("store: not found")

// Drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Store is the persistence collaborator used by the arena.
type Store interface {
	battle.Store
	ledger.Recorder

	ListEntries(ctx context.Context) ([]battle.Entry, error)
	RecentBattles(ctx context.Context, limit int) ([]BattleRecord, error)
	Votes(ctx context.Context, battle int64) ([]ledger.Vote, error)
	Close() error
}

// BattleRecord is the history row for one battle.
type BattleRecord struct {
	Number     int64      `json:"battleNumber"`
	Prompt     string     `json:"prompt"`
	EntryA     string     `json:"trackA"`
	EntryB     string     `json:"trackB"`
	TrackAURL  string     `json:"trackAUrl,omitempty"`
	TrackBURL  string     `json:"trackBUrl,omitempty"`
	Winner     string     `json:"winner,omitempty"`
	Revealed   bool       `json:"isRevealed"`
	VotesA     int        `json:"votesA"`
	VotesB     int        `json:"votesB"`
	Volume     int64      `json:"volume"`
	EloGain    int        `json:"eloGain"`
	CreatedAt  time.Time  `json:"createdAt"`
	RevealedAt *time.Time `json:"revealedAt,omitempty"`
}

// DefaultHistoryLimit caps RecentBattles when limit is not positive.
const DefaultHistoryLimit = 20

// Config selects and configures a driver.
type Config struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// Open returns the store for cfg.Driver.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("store: postgres driver requires a dsn")
		}
		return Connect(ctx, cfg.DSN, log)
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
