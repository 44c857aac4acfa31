package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reBalance888/tunearena/internal/api"
	"github.com/reBalance888/tunearena/internal/arena"
	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/broadcast"
	"github.com/reBalance888/tunearena/internal/config"
	"github.com/reBalance888/tunearena/internal/eventlog"
	"github.com/reBalance888/tunearena/internal/generation"
	"github.com/reBalance888/tunearena/internal/ledger"
	"github.com/reBalance888/tunearena/internal/observability"
	"github.com/reBalance888/tunearena/internal/relay"
	"github.com/reBalance888/tunearena/internal/store"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		godotenv.Load(".env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger("arena", cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("arena stopped")
	}
	log.Info().Msg("goodbye")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	db, err := store.Open(ctx, cfg.Store, log.With().Str("component", "store").Logger())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	roster := battle.NewRoster(cfg.RosterEntries(), cfg.Arena.BaselineRating)
	if saved, err := db.ListEntries(ctx); err != nil {
		log.Warn().Err(err).Msg("could not load saved ratings, starting from configured roster")
	} else {
		roster.Hydrate(saved)
	}

	prompts, err := loadPrompts(cfg)
	if err != nil {
		return err
	}

	// Generation
	gen := newGeneration(cfg, roster, log.With().Str("component", "generation").Logger())
	go gen.Cache().Run(ctx, cfg.Generation.SweepInterval)

	// Broadcast, optionally mirrored onto NATS
	hub := broadcast.NewHub(broadcast.DefaultConfig(), log.With().Str("component", "hub").Logger())
	if cfg.Relay.URL != "" {
		rl, err := relay.Connect(cfg.Relay, log.With().Str("component", "relay").Logger())
		if err != nil {
			return err
		}
		defer rl.Close()
		hub.Mirror(rl)
		log.Info().Str("prefix", rl.Subject("*")).Msg("relaying events to nats")
	}
	if cfg.EventLogPath != "" {
		journal, err := eventlog.Open(cfg.EventLogPath, log.With().Str("component", "eventlog").Logger())
		if err != nil {
			log.Warn().Err(err).Msg("event journal disabled")
		} else {
			defer journal.Close()
			hub.Mirror(journal)
			log.Info().Str("path", cfg.EventLogPath).Msg("journaling events")
		}
	}

	votes := ledger.New(
		ledger.WithPublisher(hub),
		ledger.WithRecorder(db),
		ledger.WithRetention(cfg.Arena.LedgerRetention),
		ledger.WithLogger(log.With().Str("component", "ledger").Logger()),
	)

	judge, err := battle.NewAdjudicator(cfg.Arena.WinnerPolicy, cfg.Arena.TieBreak)
	if err != nil {
		return err
	}

	sched := arena.NewScheduler(arena.Config{
		InterBattleDelay:  cfg.Arena.InterBattleDelay,
		FailureBackoff:    cfg.Arena.FailureBackoff,
		FirstBattleNumber: cfg.Arena.FirstBattleNumber,
		CreateAttempts:    cfg.Arena.PersistAttempts,
		CreateBackoff:     cfg.Arena.PersistBackoff,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, arena.Deps{
		Roster:   roster,
		Prompts:  prompts,
		Store:    db,
		Audience: hub,
		Totals:   votes,
		Log:      log.With().Str("component", "scheduler").Logger(),
	})
	if recent, err := db.RecentBattles(ctx, 1); err == nil && len(recent) > 0 {
		sched.ResumeAfter(recent[0].Number)
	}
	hub.SetSnapshotSource(sched.Greeting)

	machine := battle.NewMachine(battle.MachineConfig{
		Countdown:          cfg.Arena.Countdown,
		Tick:               cfg.Arena.Tick,
		KFactor:            cfg.Arena.KFactor,
		GenerationAttempts: cfg.Arena.GenerationAttempts,
		GenerationBackoff:  cfg.Arena.GenerationBackoff,
		PersistAttempts:    cfg.Arena.PersistAttempts,
		PersistBackoff:     cfg.Arena.PersistBackoff,
		TrackDuration:      cfg.Generation.TrackDuration,
		Style:              cfg.Generation.Style,
		Instrumental:       cfg.Generation.Instrumental,
	}, battle.MachineDeps{
		Generator: gen,
		Publisher: hub,
		Ballots:   votes,
		Roster:    roster,
		Judge:     judge,
		Store:     db,
		Stats:     sched.Stats,
		Log:       log.With().Str("component", "battle").Logger(),
	})
	sched.SetRunner(machine)

	// HTTP
	routerCfg := api.RouterConfig{
		Battles:    sched,
		Ledger:     votes,
		Standings:  roster,
		History:    db,
		Generation: gen,
		AdminToken: cfg.Server.AdminToken,
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimit,
			Burst:             cfg.Server.RateBurst,
			CleanupInterval:   5 * time.Minute,
		},
		CORSOrigins: cfg.Server.CORSOrigins,
		Log:         log.With().Str("component", "api").Logger(),
	}
	if ext, ok := judge.(*battle.External); ok {
		routerCfg.Judge = ext
	}
	server := api.NewServer(api.ServerConfig{
		Addr:             cfg.Server.Addr(),
		Router:           routerCfg,
		Observers:        hub,
		MaxWSPerIP:       cfg.Server.MaxWSPerIP,
		MaxWSConnections: cfg.Server.MaxWSConnections,
	})

	var debug *observability.DebugServer
	if cfg.Debug.Enabled {
		debug = observability.NewDebugServer(cfg.Debug, log.With().Str("component", "debug").Logger())
		debug.Start()
	}

	log.Info().
		Str("addr", server.Addr()).
		Str("store", cfg.Store.Driver).
		Str("winnerPolicy", cfg.Arena.WinnerPolicy).
		Strs("providers", gen.Providers()).
		Int("entries", roster.Len()).
		Int("prompts", prompts.Len()).
		Msg("arena ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if debug != nil {
			debug.Shutdown(shutdownCtx)
		}
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadPrompts(cfg *config.Config) (*arena.Prompts, error) {
	if cfg.PromptsFile == "" {
		return arena.NewPrompts(cfg.Prompts), nil
	}
	list, err := arena.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	return arena.NewPrompts(list), nil
}

// newGeneration registers a live client for each entry backed by a known
// API. Unconfigured clients are only registered when there is no
// simulated fallback, so that they fail loudly with not configured.
func newGeneration(cfg *config.Config, roster *battle.Roster, log zerolog.Logger) *generation.Manager {
	gc := cfg.Generation
	mgr := generation.NewManager(
		generation.NewCache(gc.CacheTTL),
		generation.RetryConfig{
			MaxRetries:        gc.MaxRetries,
			DefaultRetryAfter: gc.DefaultRetryAfter,
			MaxRetryAfter:     gc.MaxRetryAfter,
		},
		log,
	)

	if gc.Simulate || gc.Fallback {
		mgr.SetFallback(generation.NewSimulated("simulated", gc.SimulatedLatency))
	}
	if gc.Simulate {
		return mgr
	}

	live := map[string]*generation.HTTPProvider{
		"Suno": generation.NewSuno(gc.Suno.APIKey, gc.Suno.BaseURL, gc.Suno.RequestsPerMinute),
		"Udio": generation.NewUdio(gc.Udio.APIKey, gc.Udio.BaseURL, gc.Udio.RequestsPerMinute),
	}
	for _, e := range roster.Entries() {
		p, ok := live[e.Backend()]
		if !ok {
			continue
		}
		if p.Configured() || !gc.Fallback {
			mgr.Register(p)
		} else {
			log.Warn().Str("entry", e.Name).Msg("no api key, serving simulated tracks")
		}
	}
	return mgr
}
