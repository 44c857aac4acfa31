package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ServerConfig assembles the public HTTP server.
type ServerConfig struct {
	Addr      string
	Router    RouterConfig
	Observers Observers

	// Zero means MaxWSConnectionsPerIP / MaxWSConnectionsTotal
	MaxWSPerIP       int
	MaxWSConnections int
}

// Server is the HTTP API server with the observer websocket.
type Server struct {
	router      *chi.Mux
	rateLimiter *IPRateLimiter
	http        *http.Server
	log         zerolog.Logger
}

// NewServer builds the server. Nothing listens until Start.
//
// For testing HTTP endpoints without the websocket, use NewRouter directly.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{log: cfg.Router.Log}

	// Track the limiter so Shutdown can stop its cleanup goroutine
	s.rateLimiter = cfg.Router.RateLimiter
	if s.rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.Router.RateLimitConfig != nil {
			rateLimitCfg = *cfg.Router.RateLimitConfig
		}
		s.rateLimiter = NewIPRateLimiter(rateLimitCfg)
		cfg.Router.RateLimiter = s.rateLimiter
	}

	s.router = NewRouter(cfg.Router)

	if cfg.Observers != nil {
		perIP, total := cfg.MaxWSPerIP, cfg.MaxWSConnections
		if perIP <= 0 {
			perIP = MaxWSConnectionsPerIP
		}
		if total <= 0 {
			total = MaxWSConnectionsTotal
		}
		ws := NewObserverHandler(cfg.Observers, NewConnectionLimiter(perIP, total), cfg.Router.CORSOrigins, cfg.Router.Log)
		s.router.Get("/ws", ws.ServeHTTP)
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Start listens until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("api server starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and stops
// the rate limiter. Hijacked websocket connections are closed by the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.rateLimiter.Stop()
	return s.http.Shutdown(ctx)
}
