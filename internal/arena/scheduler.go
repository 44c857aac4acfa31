// Package arena runs the endless sequence of battles: one at a time, paced
// by a fixed delay, surviving any single battle's failure.
package arena

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/events"
	"github.com/reBalance888/tunearena/internal/observability"
)

// Runner drives one battle to completion.
type Runner interface {
	Run(ctx context.Context, b *battle.Battle) error
}

// Audience reports the number of connected observers and is closed on
// shutdown.
type Audience interface {
	Count() int
	Close(ctx context.Context) error
}

// Totals reports aggregate vote counters across battles.
type Totals interface {
	Totals() (votes, volume int64)
}

// Config paces the loop.
type Config struct {
	InterBattleDelay  time.Duration
	FailureBackoff    time.Duration
	FirstBattleNumber int64
	CreateAttempts    int
	CreateBackoff     time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns production pacing.
func DefaultConfig() Config {
	return Config{
		InterBattleDelay:  120 * time.Second,
		FailureBackoff:    10 * time.Second,
		FirstBattleNumber: 248,
		CreateAttempts:    3,
		CreateBackoff:     500 * time.Millisecond,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Deps are the collaborators of a Scheduler. Store may be nil.
type Deps struct {
	Roster   *battle.Roster
	Prompts  *Prompts
	Runner   Runner
	Store    battle.Store
	Audience Audience
	Totals   Totals
	Log      zerolog.Logger
	Now      func() time.Time
}

// Scheduler owns the battle number sequence and the current battle.
type Scheduler struct {
	cfg      Config
	roster   *battle.Roster
	prompts  *Prompts
	runner   Runner
	store    battle.Store
	audience Audience
	totals   Totals
	log      zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	next    int64
	current *battle.Battle
	settled int64
	aborted int64
}

// NewScheduler creates a scheduler. The first battle gets
// cfg.FirstBattleNumber.
func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if cfg.FirstBattleNumber <= 0 {
		cfg.FirstBattleNumber = 1
	}
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if deps.Prompts == nil {
		deps.Prompts = NewPrompts(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		roster:   deps.Roster,
		prompts:  deps.Prompts,
		runner:   deps.Runner,
		store:    deps.Store,
		audience: deps.Audience,
		totals:   deps.Totals,
		log:      deps.Log,
		now:      deps.Now,
		sleep:    sleepCtx,
		next:     cfg.FirstBattleNumber,
	}
}

// SetRunner installs the battle runner. It must be called before Run.
func (s *Scheduler) SetRunner(r Runner) { s.runner = r }

// ResumeAfter makes the next battle number follow last when last is not
// already behind the sequence.
func (s *Scheduler) ResumeAfter(last int64) {
	s.mu.Lock()
	if last >= s.next {
		s.next = last + 1
	}
	s.mu.Unlock()
}

// Run loops until ctx is cancelled, then closes the audience and returns
// once it has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Int64("firstBattle", s.peekNext()).Msg("scheduler started")

	for ctx.Err() == nil {
		wait := s.cfg.InterBattleDelay
		if err := s.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.mu.Lock()
			s.aborted++
			s.mu.Unlock()
			s.log.Error().Err(err).Dur("backoff", s.cfg.FailureBackoff).Msg("battle abandoned")
			wait = s.cfg.FailureBackoff
		}
		if err := s.sleep(ctx, wait); err != nil {
			break
		}
	}

	s.log.Info().Msg("scheduler stopping")
	if s.audience == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.audience.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close observers: %w", err)
	}
	return nil
}

// cycle runs one battle. A panic anywhere below is returned as an error.
func (s *Scheduler) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("battle panicked: %v", r)
			s.log.Error().Str("stack", string(debug.Stack())).Msg("recovered from panic")
		}
	}()

	number := s.take()
	log := s.log.With().Int64("battle", number).Logger()

	a, b, err := s.roster.Pick()
	if err != nil {
		return fmt.Errorf("pick entries: %w", err)
	}
	prompt := s.prompts.Next()

	bt := battle.New(number, prompt,
		battle.Contender{Entry: a.Name, Rating: a.Rating},
		battle.Contender{Entry: b.Name, Rating: b.Rating},
		s.now)
	s.setCurrent(bt)
	observability.RecordBattleStarted()
	log.Info().
		Str("prompt", prompt).
		Str("entryA", a.Name).
		Str("entryB", b.Name).
		Msg("battle created")

	s.create(ctx, bt, log)

	if err := s.runner.Run(ctx, bt); err != nil {
		return fmt.Errorf("battle %d: %w", number, err)
	}

	s.mu.Lock()
	s.settled++
	s.mu.Unlock()
	return nil
}

// create persists the new battle with bounded retry. A failure is logged and
// the battle runs anyway.
func (s *Scheduler) create(ctx context.Context, bt *battle.Battle, log zerolog.Logger) {
	if s.store == nil {
		return
	}
	ca, cb := bt.Contenders()
	rec := battle.Record{
		Number:    bt.Number,
		Prompt:    bt.Prompt,
		EntryA:    ca.Entry,
		EntryB:    cb.Entry,
		CreatedAt: bt.View().CreatedAt,
	}

	var err error
	for attempt := 1; attempt <= s.cfg.CreateAttempts; attempt++ {
		if err = s.store.CreateBattle(ctx, rec); err == nil {
			return
		}
		if attempt < s.cfg.CreateAttempts {
			if s.sleep(ctx, s.cfg.CreateBackoff) != nil {
				break
			}
		}
	}
	log.Error().Err(err).Str("op", "create battle").Msg("persistence failed")
}

func (s *Scheduler) take() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

func (s *Scheduler) peekNext() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

func (s *Scheduler) setCurrent(b *battle.Battle) {
	s.mu.Lock()
	s.current = b
	s.mu.Unlock()
}

// Current returns the most recent battle, settled or not, or nil before the
// first cycle.
func (s *Scheduler) Current() *battle.Battle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Greeting is the hub's snapshot source: a battle_start for the battle in
// flight, if any, once its live battle_start has gone out. It takes no hub
// locks.
func (s *Scheduler) Greeting() (events.Event, bool) {
	b := s.Current()
	if b == nil || !b.Announced() {
		return nil, false
	}
	switch b.Phase() {
	case battle.PhaseCollecting, battle.PhaseRevealing:
		return events.BattleStart{BattleNumber: b.Number, Prompt: b.Prompt}, true
	}
	return nil, false
}

// Stats builds the aggregate counters event.
func (s *Scheduler) Stats() events.Stats {
	s.mu.RLock()
	total := s.cfg.FirstBattleNumber - 1 + s.settled
	s.mu.RUnlock()

	st := events.Stats{TotalBattles: total}
	if s.audience != nil {
		st.LiveViewers = s.audience.Count()
	}
	if s.totals != nil {
		st.TotalVotes, st.PrizePool = s.totals.Totals()
	}
	return st
}

// Counts returns the number of settled and abandoned battles so far.
func (s *Scheduler) Counts() (settled, aborted int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settled, s.aborted
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
