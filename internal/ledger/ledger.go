// Package ledger admits votes and bets for battles.
//
// Every battle has a ballot box that moves pending -> open -> closed. Votes
// are admitted only while the box is open, at most one per voter, and the
// running tallies are kept under the ledger's lock so concurrent placements
// can never both succeed for the same voter.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/events"
	"github.com/reBalance888/tunearena/internal/observability"
)

var (
	ErrBattleNotFound = errors.New("ledger: battle not found")
	ErrNotOpen        = errors.New("ledger: voting not yet open")
	ErrClosed         = errors.New("ledger: battle already revealed")
	ErrDuplicateVote  = errors.New("ledger: vote already placed for this battle")
	ErrInvalidChoice  = errors.New("ledger: choice must be A or B")
	ErrInvalidVoter   = errors.New("ledger: voter required")
	ErrInvalidStake   = errors.New("ledger: stake must not be negative")
)

// Reason maps a rejection error to a short metric label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrBattleNotFound):
		return "not_found"
	case errors.Is(err, ErrNotOpen):
		return "not_open"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrDuplicateVote):
		return "duplicate"
	case errors.Is(err, ErrInvalidChoice), errors.Is(err, ErrInvalidVoter), errors.Is(err, ErrInvalidStake):
		return "invalid"
	default:
		return "other"
	}
}

// Choice is the entry a vote backs.
type Choice string

const (
	ChoiceA Choice = "A"
	ChoiceB Choice = "B"
)

// ParseChoice accepts "A", "B", "Track A", "Track B" in any case.
func ParseChoice(s string) (Choice, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSpace(strings.TrimPrefix(s, "TRACK"))
	switch Choice(s) {
	case ChoiceA:
		return ChoiceA, nil
	case ChoiceB:
		return ChoiceB, nil
	}
	return "", ErrInvalidChoice
}

// Valid reports whether c names one of the two entries.
func (c Choice) Valid() bool { return c == ChoiceA || c == ChoiceB }

// Other returns the opposing side.
func (c Choice) Other() Choice {
	if c == ChoiceA {
		return ChoiceB
	}
	return ChoiceA
}

// Label is the observer-facing name, "Track A" or "Track B".
func (c Choice) Label() string { return "Track " + string(c) }

// Vote is one admitted ballot. Stake is zero when staking is off.
type Vote struct {
	ID           string    `json:"id"`
	BattleNumber int64     `json:"battleNumber"`
	Voter        string    `json:"voter"`
	Choice       Choice    `json:"choice"`
	Stake        int64     `json:"stake"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Tally is the running count for one battle.
type Tally struct {
	A      int   `json:"totalA"`
	B      int   `json:"totalB"`
	StakeA int64 `json:"stakeA"`
	StakeB int64 `json:"stakeB"`
}

// Total returns the number of votes cast.
func (t Tally) Total() int { return t.A + t.B }

// Volume returns the total amount staked.
func (t Tally) Volume() int64 { return t.StakeA + t.StakeB }

// Count returns the votes for one side.
func (t Tally) Count(c Choice) int {
	if c == ChoiceA {
		return t.A
	}
	return t.B
}

// Publisher receives a vote_placed event for every admitted vote.
type Publisher interface {
	Publish(ev events.Event)
}

// Recorder persists admitted votes. It must be safe to retry.
type Recorder interface {
	UpsertVote(ctx context.Context, v Vote) error
}

type boxState int

const (
	statePending boxState = iota
	stateOpen
	stateClosed
)

type box struct {
	state    boxState
	votes    map[string]Vote
	tally    Tally
	closedAt time.Time
}

// Ledger holds the ballot boxes of the live battle and recent history.
type Ledger struct {
	mu     sync.Mutex
	boxes  map[int64]*box
	closed []int64 // close order, oldest first

	retain int
	now    func() time.Time
	pub    Publisher
	rec    Recorder
	log    zerolog.Logger

	totalVotes  int64
	totalVolume int64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetention keeps the closed boxes of the last n battles. Default 50.
func WithRetention(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retain = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPublisher announces admitted votes.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.pub = p }
}

// WithRecorder persists admitted votes.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.rec = r }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		boxes:  make(map[int64]*box),
		retain: 50,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register creates a pending box for a battle. Votes are rejected with
// ErrNotOpen until Open is called. Registering a known battle is a no-op.
func (l *Ledger) Register(battle int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.boxes[battle]; ok {
		return
	}
	l.boxes[battle] = &box{state: statePending, votes: make(map[string]Vote)}
}

// Open starts admitting votes for a registered battle.
func (l *Ledger) Open(battle int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.boxes[battle]
	if !ok {
		return ErrBattleNotFound
	}
	switch b.state {
	case stateClosed:
		return ErrClosed
	case stateOpen:
		return nil
	}
	b.state = stateOpen
	return nil
}

// Close stops admitting votes and returns the final tally. Closing twice
// returns the same tally.
func (l *Ledger) Close(battle int64) (Tally, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.boxes[battle]
	if !ok {
		return Tally{}, ErrBattleNotFound
	}
	if b.state == stateClosed {
		return b.tally, nil
	}

	b.state = stateClosed
	b.closedAt = l.now()
	l.closed = append(l.closed, battle)
	l.prune()
	return b.tally, nil
}

// prune drops the oldest closed boxes beyond the retention limit.
// Caller holds l.mu.
func (l *Ledger) prune() {
	for len(l.closed) > l.retain {
		delete(l.boxes, l.closed[0])
		l.closed = l.closed[1:]
	}
}

// Place admits a vote. Malformed input is rejected first; after that the
// rejection order is: unknown battle, battle not collecting, duplicate voter.
func (l *Ledger) Place(ctx context.Context, battle int64, voter string, choice Choice, stake int64) (Vote, error) {
	voter = strings.TrimSpace(voter)
	switch {
	case voter == "":
		return l.reject(ErrInvalidVoter)
	case !choice.Valid():
		return l.reject(ErrInvalidChoice)
	case stake < 0:
		return l.reject(ErrInvalidStake)
	}

	l.mu.Lock()
	b, ok := l.boxes[battle]
	if !ok {
		l.mu.Unlock()
		return l.reject(ErrBattleNotFound)
	}
	switch b.state {
	case statePending:
		l.mu.Unlock()
		return l.reject(ErrNotOpen)
	case stateClosed:
		l.mu.Unlock()
		return l.reject(ErrClosed)
	}
	if _, dup := b.votes[voter]; dup {
		l.mu.Unlock()
		return l.reject(ErrDuplicateVote)
	}

	vote := Vote{
		ID:           uuid.NewString(),
		BattleNumber: battle,
		Voter:        voter,
		Choice:       choice,
		Stake:        stake,
		CreatedAt:    l.now(),
	}
	b.votes[voter] = vote
	if choice == ChoiceA {
		b.tally.A++
		b.tally.StakeA += stake
	} else {
		b.tally.B++
		b.tally.StakeB += stake
	}
	tally := b.tally
	l.totalVotes++
	l.totalVolume += stake
	l.mu.Unlock()

	observability.RecordVoteAccepted()

	if l.pub != nil {
		l.pub.Publish(events.VotePlaced{
			BattleNumber: battle,
			Track:        choice.Label(),
			TotalA:       tally.A,
			TotalB:       tally.B,
		})
	}
	if l.rec != nil {
		if err := l.rec.UpsertVote(ctx, vote); err != nil {
			l.log.Error().Err(err).
				Int64("battle", battle).
				Str("vote", vote.ID).
				Msg("failed to persist vote")
		}
	}
	return vote, nil
}

func (l *Ledger) reject(err error) (Vote, error) {
	observability.RecordVoteRejected(Reason(err))
	return Vote{}, err
}

// Tally returns the current counts for a battle.
func (l *Ledger) Tally(battle int64) (Tally, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.boxes[battle]
	if !ok {
		return Tally{}, ErrBattleNotFound
	}
	return b.tally, nil
}

// Votes returns the votes of a battle, oldest first.
func (l *Ledger) Votes(battle int64) ([]Vote, error) {
	l.mu.Lock()
	b, ok := l.boxes[battle]
	if !ok {
		l.mu.Unlock()
		return nil, ErrBattleNotFound
	}
	votes := make([]Vote, 0, len(b.votes))
	for _, v := range b.votes {
		votes = append(votes, v)
	}
	l.mu.Unlock()

	sort.Slice(votes, func(i, j int) bool {
		if votes[i].CreatedAt.Equal(votes[j].CreatedAt) {
			return votes[i].Voter < votes[j].Voter
		}
		return votes[i].CreatedAt.Before(votes[j].CreatedAt)
	})
	return votes, nil
}

// IsOpen reports whether the battle is currently accepting votes.
func (l *Ledger) IsOpen(battle int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.boxes[battle]
	return ok && b.state == stateOpen
}

// Totals returns the number of votes and the staked volume across all
// battles since start.
func (l *Ledger) Totals() (votes, volume int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalVotes, l.totalVolume
}

// Len returns the number of boxes held, including closed ones.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.boxes)
}
