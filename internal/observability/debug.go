package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog"
)

// DebugConfig configures the internal observability server
type DebugConfig struct {
	Enabled       bool   `koanf:"enabled"`
	ListenAddr    string `koanf:"listen_addr"` // MUST stay on loopback in production
	AllowExternal bool   `koanf:"allow_external"`
	BasicAuthUser string `koanf:"basic_auth_user"`
	BasicAuthPass string `koanf:"basic_auth_pass"`
}

// DefaultDebugConfig returns safe defaults
func DefaultDebugConfig() DebugConfig {
	return DebugConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// DebugServer serves pprof, Prometheus metrics and a health probe.
type DebugServer struct {
	srv *http.Server
	log zerolog.Logger
}

// NewDebugServer builds the server. It does not listen until Start.
func NewDebugServer(cfg DebugConfig, log zerolog.Logger) *DebugServer {
	addr := cfg.ListenAddr
	if !cfg.AllowExternal && !isLoopback(addr) {
		log.Warn().Str("requested", addr).Msg("debug server forced to loopback")
		addr = "127.0.0.1:6060"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	var handler http.Handler = mux
	if cfg.BasicAuthUser != "" {
		handler = basicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}

	return &DebugServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Addr returns the address the server binds to.
func (d *DebugServer) Addr() string { return d.srv.Addr }

// Start listens in the background.
func (d *DebugServer) Start() {
	go func() {
		d.log.Info().
			Str("addr", d.srv.Addr).
			Msgf("debug server: pprof http://%s/debug/pprof/ metrics http://%s/metrics", d.srv.Addr, d.srv.Addr)
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error().Err(err).Msg("debug server stopped")
		}
	}()
}

// Shutdown stops the server.
func (d *DebugServer) Shutdown(ctx context.Context) error {
	return d.srv.Shutdown(ctx)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// basicAuth adds basic authentication to the handler
func basicAuth(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
