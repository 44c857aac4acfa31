package battle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reBalance888/tunearena/internal/events"
	"github.com/reBalance888/tunearena/internal/generation"
	"github.com/reBalance888/tunearena/internal/ledger"
	"github.com/reBalance888/tunearena/internal/observability"
	"github.com/reBalance888/tunearena/internal/rating"
)

// Generator produces a track for one side.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Track, error)
}

// Publisher delivers events to observers.
type Publisher interface {
	Publish(ev events.Event)
}

// announcer is a Publisher that runs fn while delivery still excludes new
// subscribers.
type announcer interface {
	PublishThen(ev events.Event, fn func())
}

// Ballots is the part of the vote ledger the machine drives.
type Ballots interface {
	Register(battle int64)
	Open(battle int64) error
	Close(battle int64) (ledger.Tally, error)
}

// Record is the persisted form of a newly created battle.
type Record struct {
	Number    int64
	Prompt    string
	EntryA    string
	EntryB    string
	CreatedAt time.Time
}

// Result is written to the store when a battle is revealed.
type Result struct {
	Winner     string
	Revealed   bool
	RevealedAt time.Time
	TrackAURL  string
	TrackBURL  string
	VotesA     int
	VotesB     int
	Volume     int64
	EloGain    int
}

// Store is the persistence collaborator. Every method must be safe to retry.
type Store interface {
	CreateBattle(ctx context.Context, rec Record) error
	UpdateBattle(ctx context.Context, number int64, res Result) error
	UpsertEntry(ctx context.Context, e Entry) error
}

// MachineConfig tunes one battle run.
type MachineConfig struct {
	Countdown          int           // ticks in the voting window
	Tick               time.Duration // length of one tick
	KFactor            int
	GenerationAttempts int
	GenerationBackoff  time.Duration
	PersistAttempts    int
	PersistBackoff     time.Duration
	TrackDuration      int
	Style              string
	Instrumental       bool
}

// DefaultMachineConfig returns production defaults.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		Countdown:          60,
		Tick:               time.Second,
		KFactor:            rating.DefaultKFactor,
		GenerationAttempts: 3,
		GenerationBackoff:  5 * time.Second,
		PersistAttempts:    3,
		PersistBackoff:     500 * time.Millisecond,
		TrackDuration:      generation.DefaultDuration,
		Style:              "default",
	}
}

// Machine drives a battle through Created -> Generating -> Collecting ->
// Revealing -> Settled, emitting one event per transition.
type Machine struct {
	cfg    MachineConfig
	gen    Generator
	pub    Publisher
	votes  Ballots
	roster *Roster
	judge  Adjudicator
	store  Store
	stats  func() events.Stats
	log    zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// MachineDeps are the collaborators of a Machine. Store and Stats may be nil.
type MachineDeps struct {
	Generator Generator
	Publisher Publisher
	Ballots   Ballots
	Roster    *Roster
	Judge     Adjudicator
	Store     Store
	Stats     func() events.Stats
	Log       zerolog.Logger
}

// NewMachine creates a state machine.
func NewMachine(cfg MachineConfig, deps MachineDeps) *Machine {
	if cfg.GenerationAttempts <= 0 {
		cfg.GenerationAttempts = 1
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 1
	}
	if deps.Judge == nil {
		deps.Judge, _ = NewMajority(TieRandom)
	}
	return &Machine{
		cfg:    cfg,
		gen:    deps.Generator,
		pub:    deps.Publisher,
		votes:  deps.Ballots,
		roster: deps.Roster,
		judge:  deps.Judge,
		store:  deps.Store,
		stats:  deps.Stats,
		log:    deps.Log,
		sleep:  sleepCtx,
	}
}

// SetSleep replaces the timer used between ticks and retries, for tests.
func (m *Machine) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	m.sleep = fn
}

// Run drives b from Created to Settled. On error the battle is left in the
// phase where it failed and its ballot box is closed.
func (m *Machine) Run(ctx context.Context, b *Battle) (err error) {
	log := m.log.With().Int64("battle", b.Number).Logger()

	m.votes.Register(b.Number)
	defer func() {
		if err != nil {
			if _, cerr := m.votes.Close(b.Number); cerr != nil {
				log.Warn().Err(cerr).Msg("could not close ballots on abort")
			}
			observability.RecordBattleAborted(b.Phase().String())
		}
	}()

	if err := m.transition(b, PhaseGenerating); err != nil {
		return err
	}
	a, bt, err := m.generate(ctx, b, log)
	if err != nil {
		return err
	}
	if err := b.setTracks(a, bt); err != nil {
		return err
	}

	if err := m.transition(b, PhaseCollecting); err != nil {
		return err
	}
	if err := m.votes.Open(b.Number); err != nil {
		return fmt.Errorf("open ballots: %w", err)
	}
	m.announce(b, events.BattleStart{BattleNumber: b.Number, Prompt: b.Prompt})
	log.Info().Str("phase", PhaseCollecting.String()).Msg("voting open")

	if err := m.countdown(ctx); err != nil {
		return err
	}

	// Ballots close before the phase reads revealing so no vote lands after.
	tally, err := m.votes.Close(b.Number)
	if err != nil {
		return fmt.Errorf("close ballots: %w", err)
	}
	if err := m.transition(b, PhaseRevealing); err != nil {
		return err
	}
	if err := m.reveal(ctx, b, tally, log); err != nil {
		return err
	}

	if err := m.transition(b, PhaseSettled); err != nil {
		return err
	}
	observability.RecordBattleSettled()
	if m.stats != nil {
		m.pub.Publish(m.stats())
	}
	log.Info().Str("phase", PhaseSettled.String()).Msg("battle settled")
	return nil
}

// announce publishes ev and marks b announced. Publishers that can run the
// mark atomically with delivery do so, so a joining observer sees the start
// either live or as its greeting, never both.
func (m *Machine) announce(b *Battle, ev events.Event) {
	if a, ok := m.pub.(announcer); ok {
		a.PublishThen(ev, b.markAnnounced)
		return
	}
	m.pub.Publish(ev)
	b.markAnnounced()
}

func (m *Machine) transition(b *Battle, to Phase) error {
	from, spent, err := b.advance(to)
	if err != nil {
		return err
	}
	observability.RecordPhase(from.String(), spent)
	return nil
}

// generate requests both tracks concurrently, retrying the pair a bounded
// number of times. Missing credentials are not retried.
func (m *Machine) generate(ctx context.Context, b *Battle, log zerolog.Logger) (generation.Track, generation.Track, error) {
	ca, cb := b.Contenders()
	reqA := m.request(ca, b.Prompt)
	reqB := m.request(cb, b.Prompt)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.GenerationAttempts; attempt++ {
		var ta, tb generation.Track
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			ta, err = m.gen.Generate(gctx, reqA)
			return err
		})
		g.Go(func() error {
			var err error
			tb, err = m.gen.Generate(gctx, reqB)
			return err
		})

		lastErr = g.Wait()
		if lastErr == nil {
			return ta, tb, nil
		}
		if ctx.Err() != nil {
			return generation.Track{}, generation.Track{}, ctx.Err()
		}
		if errors.Is(lastErr, generation.ErrNotConfigured) {
			break
		}

		log.Warn().Err(lastErr).
			Str("phase", PhaseGenerating.String()).
			Int("attempt", attempt).
			Str("entryA", ca.Entry).
			Str("entryB", cb.Entry).
			Msg("track generation failed")

		if attempt < m.cfg.GenerationAttempts {
			if err := m.sleep(ctx, m.cfg.GenerationBackoff); err != nil {
				return generation.Track{}, generation.Track{}, err
			}
		}
	}
	return generation.Track{}, generation.Track{}, fmt.Errorf("generate tracks: %w", lastErr)
}

func (m *Machine) request(c Contender, prompt string) generation.Request {
	provider := c.Entry
	if e, ok := m.roster.Get(c.Entry); ok {
		provider = e.Backend()
	}
	return generation.Request{
		Provider:     provider,
		Prompt:       prompt,
		Duration:     m.cfg.TrackDuration,
		Style:        m.cfg.Style,
		Instrumental: m.cfg.Instrumental,
	}
}

// countdown emits Countdown{N} .. Countdown{0}, one tick apart.
func (m *Machine) countdown(ctx context.Context) error {
	for t := m.cfg.Countdown; t >= 0; t-- {
		m.pub.Publish(events.Countdown{Time: t})
		if t == 0 {
			break
		}
		if err := m.sleep(ctx, m.cfg.Tick); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) reveal(ctx context.Context, b *Battle, tally ledger.Tally, log zerolog.Logger) error {
	side, err := m.judge.Decide(ctx, b, tally)
	if err != nil {
		return fmt.Errorf("adjudicate: %w", err)
	}

	ca, cb := b.Contenders()
	winner, loser := ca, cb
	if side == ledger.ChoiceB {
		winner, loser = cb, ca
	}

	upd, we, le, err := m.roster.Apply(winner.Entry, loser.Entry, m.cfg.KFactor)
	if err != nil {
		return fmt.Errorf("apply ratings: %w", err)
	}
	if err := b.setResult(side, tally, upd.Delta); err != nil {
		return err
	}

	m.pub.Publish(events.Reveal{
		BattleNumber: b.Number,
		TrackAName:   ca.Entry,
		TrackBName:   cb.Entry,
		Winner:       winner.Entry,
		EloGain:      upd.Delta,
	})
	log.Info().
		Str("phase", PhaseRevealing.String()).
		Str("winner", winner.Entry).
		Int("eloGain", upd.Delta).
		Int("votesA", tally.A).
		Int("votesB", tally.B).
		Msg("winner revealed")

	m.persist(ctx, b, tally, winner.Entry, upd.Delta, we, le, log)
	return nil
}

// persist writes the result and both entries. Failures are logged; ratings
// already live in the roster.
func (m *Machine) persist(ctx context.Context, b *Battle, tally ledger.Tally, winner string, delta int, we, le Entry, log zerolog.Logger) {
	if m.store == nil {
		return
	}
	ca, cb := b.Contenders()
	view := b.View()
	res := Result{
		Winner:     winner,
		Revealed:   true,
		RevealedAt: view.RevealedAt,
		TrackAURL:  ca.Track.URL,
		TrackBURL:  cb.Track.URL,
		VotesA:     tally.A,
		VotesB:     tally.B,
		Volume:     tally.Volume(),
		EloGain:    delta,
	}

	ops := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"update battle", func(ctx context.Context) error { return m.store.UpdateBattle(ctx, b.Number, res) }},
		{"upsert winner", func(ctx context.Context) error { return m.store.UpsertEntry(ctx, we) }},
		{"upsert loser", func(ctx context.Context) error { return m.store.UpsertEntry(ctx, le) }},
	}
	for _, op := range ops {
		if err := m.retry(ctx, op.fn); err != nil {
			log.Error().Err(err).Str("op", op.name).Msg("persistence failed")
		}
	}
}

func (m *Machine) retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= m.cfg.PersistAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt < m.cfg.PersistAttempts {
			if serr := m.sleep(ctx, m.cfg.PersistBackoff); serr != nil {
				return serr
			}
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
