package battle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/reBalance888/tunearena/internal/ledger"
)

// Adjudicator picks the winning side once voting has closed.
type Adjudicator interface {
	Decide(ctx context.Context, b *Battle, tally ledger.Tally) (ledger.Choice, error)
}

// Winner policies
const (
	PolicyVotes    = "votes"
	PolicyRandom   = "random"
	PolicyExternal = "external"
)

// Tie-break policies for PolicyVotes
const (
	TieRandom      = "random"
	TieEntryA      = "entry_a"
	TieHigherRated = "higher_rated"
)

// NewAdjudicator builds the adjudicator for a configured policy.
func NewAdjudicator(policy, tieBreak string) (Adjudicator, error) {
	majority, err := NewMajority(tieBreak)
	if err != nil {
		return nil, err
	}
	switch policy {
	case PolicyVotes, "":
		return majority, nil
	case PolicyRandom:
		return &CoinFlip{}, nil
	case PolicyExternal:
		return NewExternal(majority), nil
	}
	return nil, fmt.Errorf("battle: unknown winner policy %q", policy)
}

// Majority awards the battle to the side with more votes.
type Majority struct {
	TieBreak string
	intn     func(n int) int
}

// NewMajority validates tieBreak and returns a Majority adjudicator.
func NewMajority(tieBreak string) (*Majority, error) {
	switch tieBreak {
	case "":
		tieBreak = TieRandom
	case TieRandom, TieEntryA, TieHigherRated:
	default:
		return nil, fmt.Errorf("battle: unknown tie break %q", tieBreak)
	}
	return &Majority{TieBreak: tieBreak, intn: rand.IntN}, nil
}

func (m *Majority) Decide(ctx context.Context, b *Battle, tally ledger.Tally) (ledger.Choice, error) {
	switch {
	case tally.A > tally.B:
		return ledger.ChoiceA, nil
	case tally.B > tally.A:
		return ledger.ChoiceB, nil
	}

	switch m.TieBreak {
	case TieEntryA:
		return ledger.ChoiceA, nil
	case TieHigherRated:
		a, bb := b.Contenders()
		if bb.Rating > a.Rating {
			return ledger.ChoiceB, nil
		}
		return ledger.ChoiceA, nil
	default:
		return coin(m.intn), nil
	}
}

// CoinFlip ignores the votes and picks a side uniformly at random.
type CoinFlip struct {
	intn func(n int) int
}

func (c *CoinFlip) Decide(ctx context.Context, b *Battle, tally ledger.Tally) (ledger.Choice, error) {
	return coin(c.intn), nil
}

func coin(intn func(n int) int) ledger.Choice {
	if intn == nil {
		intn = rand.IntN
	}
	if intn(2) == 0 {
		return ledger.ChoiceA
	}
	return ledger.ChoiceB
}

// External uses results submitted by an outside judge, falling back to
// another adjudicator when none arrived before reveal.
type External struct {
	fallback Adjudicator

	mu      sync.Mutex
	results map[int64]ledger.Choice
}

// NewExternal creates an External adjudicator.
func NewExternal(fallback Adjudicator) *External {
	return &External{fallback: fallback, results: make(map[int64]ledger.Choice)}
}

// Submit records the result for a battle. A later submission replaces an
// earlier one until the battle is decided.
func (e *External) Submit(battle int64, winner ledger.Choice) error {
	if !winner.Valid() {
		return ledger.ErrInvalidChoice
	}
	e.mu.Lock()
	e.results[battle] = winner
	e.mu.Unlock()
	return nil
}

func (e *External) Decide(ctx context.Context, b *Battle, tally ledger.Tally) (ledger.Choice, error) {
	e.mu.Lock()
	choice, ok := e.results[b.Number]
	for n := range e.results {
		if n <= b.Number {
			delete(e.results, n)
		}
	}
	e.mu.Unlock()

	if ok {
		return choice, nil
	}
	return e.fallback.Decide(ctx, b, tally)
}
