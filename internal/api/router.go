package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/reBalance888/tunearena/internal/battle"
	"github.com/reBalance888/tunearena/internal/events"
	"github.com/reBalance888/tunearena/internal/generation"
	"github.com/reBalance888/tunearena/internal/ledger"
	"github.com/reBalance888/tunearena/internal/store"
)

// BattleSource exposes the battle in flight and the aggregate counters.
type BattleSource interface {
	// Current returns the latest battle, or nil before the first one
	Current() *battle.Battle
	Stats() events.Stats
}

// VoteLedger is the part of the ledger the API calls.
type VoteLedger interface {
	Place(ctx context.Context, battle int64, voter string, choice ledger.Choice, stake int64) (ledger.Vote, error)
	Tally(battle int64) (ledger.Tally, error)
	Votes(battle int64) ([]ledger.Vote, error)
}

// Standings ranks the entries.
type Standings interface {
	Leaderboard() []battle.Standing
}

// History reads persisted battles and votes.
type History interface {
	RecentBattles(ctx context.Context, limit int) ([]store.BattleRecord, error)
	Votes(ctx context.Context, battle int64) ([]ledger.Vote, error)
}

// GenerationReporter reports provider usage and cache effectiveness.
type GenerationReporter interface {
	Usage() generation.TotalUsage
	Cache() *generation.Cache
}

// WinnerSubmitter accepts an externally adjudicated result.
type WinnerSubmitter interface {
	Submit(battle int64, winner ledger.Choice) error
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Battles:   fakeBattles,
//	    Ledger:    ledger.New(),
//	    Standings: roster,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limit for tests
//	        Burst:             1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Battles, Ledger and Standings are required
	Battles   BattleSource
	Ledger    VoteLedger
	Standings Standings

	// History serves past battles. If nil, only live data is served.
	History History

	// Generation is optional; without it /api/generation/usage is 404.
	Generation GenerationReporter

	// Judge receives POST /api/battles/{number}/winner. If nil, the route
	// answers 409 because the winner policy is not external.
	Judge WinnerSubmitter

	// AdminToken guards operator routes. Empty disables them.
	AdminToken string

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is only used if RateLimiter is nil. If both are nil,
	// DefaultRateLimitConfig applies.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins lists allowed origins. If nil, only localhost is allowed.
	CORSOrigins []string

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool

	Log zerolog.Logger
}

// DefaultCORSOrigins allow local development only.
var DefaultCORSOrigins = []string{
	"http://localhost:*",
	"http://127.0.0.1:*",
}

type routerHandlers struct {
	battles    BattleSource
	ledger     VoteLedger
	standings  Standings
	history    History
	generation GenerationReporter
	judge      WinnerSubmitter
	log        zerolog.Logger
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: apart from the rate limiter's cleanup goroutine when no
// RateLimiter is passed in, this function has no side effects:
//   - No network listeners are opened
//   - No battle or hub workers are launched
//
// This makes it safe to use in tests with httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if !cfg.DisableLogging {
		r.Use(requestLogger(cfg.Log))
	}
	r.Use(middleware.Recoverer)

	// Rate limiting before CORS to reject early
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = DefaultCORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", AdminHeader},
		MaxAge:         300,
	}))

	h := &routerHandlers{
		battles:    cfg.Battles,
		ledger:     cfg.Ledger,
		standings:  cfg.Standings,
		history:    cfg.History,
		generation: cfg.Generation,
		judge:      cfg.Judge,
		log:        cfg.Log,
	}
	admin := NewAdminAuth(cfg.AdminToken)

	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Battles
		r.Get("/battles", h.handleListBattles)
		r.Get("/battles/current", h.handleCurrentBattle)
		r.With(admin.Middleware).Post("/battles/{number}/winner", h.handleSubmitWinner)

		// Votes
		r.Get("/votes", h.handleListVotes)
		r.Post("/votes", h.handlePlaceVote)

		// Leaderboard and counters
		r.Get("/models", h.handleModels)
		r.Get("/stats", h.handleStats)
		r.Get("/generation/usage", h.handleGenerationUsage)
	})

	return r
}

// requestLogger logs one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("requestID", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
