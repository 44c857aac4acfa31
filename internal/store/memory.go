package store

import (
	"context"
	"sort"
	"sync"

	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/ledger"
)

type voteKey struct {
	battle int64
	voter  string
}

// Memory keeps everything in process. It is the default driver and the one
// used in tests.
type Memory struct {
	mu      sync.RWMutex
	battles map[int64]*BattleRecord
	entries map[string]battle.Entry
	votes   map[voteKey]ledger.Vote
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		battles: make(map[int64]*BattleRecord),
		entries: make(map[string]battle.Entry),
		votes:   make(map[voteKey]ledger.Vote),
	}
}

// CreateBattle inserts the battle. Creating an existing number is a no-op.
func (m *Memory) CreateBattle(ctx context.Context, rec battle.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.battles[rec.Number]; ok {
		return nil
	}
	m.battles[rec.Number] = &BattleRecord{
		Number:    rec.Number,
		Prompt:    rec.Prompt,
		EntryA:    rec.EntryA,
		EntryB:    rec.EntryB,
		CreatedAt: rec.CreatedAt,
	}
	return nil
}

func (m *Memory) UpdateBattle(ctx context.Context, number int64, res battle.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[number]
	if !ok {
		return ErrNotFound
	}
	b.Winner = res.Winner
	b.Revealed = res.Revealed
	b.TrackAURL = res.TrackAURL
	b.TrackBURL = res.TrackBURL
	b.VotesA = res.VotesA
	b.VotesB = res.VotesB
	b.Volume = res.Volume
	b.EloGain = res.EloGain
	if !res.RevealedAt.IsZero() {
		at := res.RevealedAt
		b.RevealedAt = &at
	}
	return nil
}

func (m *Memory) UpsertEntry(ctx context.Context, e battle.Entry) error {
	m.mu.Lock()
	m.entries[e.Name] = e
	m.mu.Unlock()
	return nil
}

// UpsertVote stores v. A repeated vote from the same voter for the same
// battle overwrites the earlier row.
func (m *Memory) UpsertVote(ctx context.Context, v ledger.Vote) error {
	m.mu.Lock()
	m.votes[voteKey{v.BattleNumber, v.Voter}] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListEntries(ctx context.Context) ([]battle.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]battle.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RecentBattles returns up to limit battles, newest first.
func (m *Memory) RecentBattles(ctx context.Context, limit int) ([]BattleRecord, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	out := make([]BattleRecord, 0, len(m.battles))
	for _, b := range m.battles {
		out = append(out, *b)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Votes returns the votes for one battle in placement order.
func (m *Memory) Votes(ctx context.Context, battleNumber int64) ([]ledger.Vote, error) {
	m.mu.RLock()
	var out []ledger.Vote
	for k, v := range m.votes {
		if k.battle == battleNumber {
			out = append(out, v)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Voter < out[j].Voter
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
