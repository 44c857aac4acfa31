// Package battle models one timed competition between two entries and the
// state machine that drives it from creation to settlement.
package battle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reBalance888/tunearena/internal/generation"
	"github.com/reBalance888/tunearena/internal/ledger"
)

// ErrInvalidTransition is returned for a transition that skips or reverses
// a phase.
var ErrInvalidTransition = errors.New("battle: invalid phase transition")

// Phase is a named state of a battle's lifecycle.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseGenerating
	PhaseCollecting
	PhaseRevealing
	PhaseSettled
)

var phaseNames = [...]string{"created", "generating", "collecting", "revealing", "settled"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Terminal reports whether no further transition exists.
func (p Phase) Terminal() bool { return p == PhaseSettled }

// Contender is one side of a battle: the entry as it stood at creation time
// plus its generated track.
type Contender struct {
	Entry  string           `json:"name"`
	Rating int              `json:"rating"`
	Track  generation.Track `json:"track"`
}

// Battle is the live instance for one cycle. Only the state machine mutates
// it; readers use View.
type Battle struct {
	Number int64
	Prompt string

	mu         sync.RWMutex
	a, b       Contender
	phase      Phase
	phaseAt    time.Time
	announced  bool
	createdAt  time.Time
	revealedAt time.Time
	winner     ledger.Choice
	delta      int
	tally      ledger.Tally
	now        func() time.Time
}

// New creates a battle in PhaseCreated.
func New(number int64, prompt string, a, b Contender, now func() time.Time) *Battle {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Battle{
		Number:    number,
		Prompt:    prompt,
		a:         a,
		b:         b,
		phase:     PhaseCreated,
		phaseAt:   t,
		createdAt: t,
		now:       now,
	}
}

// Phase returns the current phase.
func (b *Battle) Phase() Phase {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phase
}

// Announced reports whether battle_start has been delivered to observers.
func (b *Battle) Announced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.announced
}

func (b *Battle) markAnnounced() {
	b.mu.Lock()
	b.announced = true
	b.mu.Unlock()
}

// Contenders returns both sides.
func (b *Battle) Contenders() (Contender, Contender) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.a, b.b
}

// Side returns the contender for a choice.
func (b *Battle) Side(c ledger.Choice) Contender {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c == ledger.ChoiceA {
		return b.a
	}
	return b.b
}

// advance moves to the next phase and returns how long the previous phase
// lasted. Any target other than the immediate successor is rejected.
func (b *Battle) advance(to Phase) (Phase, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.phase
	if from.Terminal() || to != from+1 {
		return from, 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := b.now()
	spent := now.Sub(b.phaseAt)
	b.phase = to
	b.phaseAt = now
	if to == PhaseRevealing {
		b.revealedAt = now
	}
	return from, spent, nil
}

func (b *Battle) setTracks(a, bt generation.Track) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhaseGenerating {
		return fmt.Errorf("%w: tracks set in %s", ErrInvalidTransition, b.phase)
	}
	b.a.Track = a
	b.b.Track = bt
	return nil
}

func (b *Battle) setResult(winner ledger.Choice, tally ledger.Tally, delta int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhaseRevealing {
		return fmt.Errorf("%w: result set in %s", ErrInvalidTransition, b.phase)
	}
	b.winner = winner
	b.tally = tally
	b.delta = delta
	return nil
}

// View is a read-only copy of a battle for API responses and greetings.
type View struct {
	BattleNumber   int64     `json:"battleNumber"`
	Prompt         string    `json:"prompt"`
	Phase          Phase     `json:"phase"`
	PhaseStartedAt time.Time `json:"phaseStartedAt"`
	TrackA         SideView  `json:"trackA"`
	TrackB         SideView  `json:"trackB"`
	Revealed       bool      `json:"isRevealed"`
	Winner         string    `json:"winner,omitempty"`
	EloGain        int       `json:"eloGain,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	RevealedAt     time.Time `json:"revealedAt,omitempty"`
}

// SideView is one contender in a View.
type SideView struct {
	Name   string `json:"name"`
	Rating int    `json:"rating"`
	URL    string `json:"url,omitempty"`
	Votes  int    `json:"votes"`
}

// View returns a snapshot. Vote counts are final only once revealed; live
// counts come from the ledger.
func (b *Battle) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v := View{
		BattleNumber:   b.Number,
		Prompt:         b.Prompt,
		Phase:          b.phase,
		PhaseStartedAt: b.phaseAt,
		TrackA:         SideView{Name: b.a.Entry, Rating: b.a.Rating, URL: b.a.Track.URL, Votes: b.tally.A},
		TrackB:         SideView{Name: b.b.Entry, Rating: b.b.Rating, URL: b.b.Track.URL, Votes: b.tally.B},
		Revealed:       b.phase >= PhaseRevealing && b.winner != "",
		CreatedAt:      b.createdAt,
		RevealedAt:     b.revealedAt,
	}
	if v.Revealed {
		if b.winner == ledger.ChoiceA {
			v.Winner = b.a.Entry
		} else {
			v.Winner = b.b.Entry
		}
		v.EloGain = b.delta
	}
	return v
}
