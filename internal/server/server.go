// Package server exposes the WebSocket endpoint and the REST control
// surface. It owns the HTTP listener and each connection's read loop;
// writes go through the transport package's per-connection pump.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/scatter-server/scatter/internal/auth"
	"github.com/scatter-server/scatter/internal/chat"
	"github.com/scatter-server/scatter/internal/ident"
	"github.com/scatter-server/scatter/internal/limits"
	"github.com/scatter-server/scatter/internal/monitoring"
	"github.com/scatter-server/scatter/internal/registry"
	"github.com/scatter-server/scatter/internal/stats"
)

// Config carries the listener settings.
type Config struct {
	// Addr is the host:port bind address.
	Addr string

	// Endpoint is the WebSocket upgrade path, matched anchored.
	Endpoint string

	// IdleTimeout closes connections idle longer than this with status
	// 1000 and reason "idle timeout". Zero disables.
	IdleTimeout time.Duration

	// MaxMessageSize caps a single inbound frame; assembled fragment
	// totals are enforced by the chat core. Zero disables.
	MaxMessageSize int64

	// PreserveIDs keeps client-supplied id/timestamp on the REST
	// injection path.
	PreserveIDs bool
}

// Server wires the endpoint to the chat core.
type Server struct {
	cfg  Config
	core *chat.Core
	reg  *registry.Registry
	st   *stats.Store
	gen  *ident.Generator

	authenticator auth.Authenticator
	limiter       *limits.MessageLimiter

	httpSrv *http.Server
	started time.Time
	logger  zerolog.Logger
}

// New builds the server. limiter may be a pass-through instance.
func New(cfg Config, core *chat.Core, reg *registry.Registry, st *stats.Store, gen *ident.Generator, authenticator auth.Authenticator, limiter *limits.MessageLimiter, logger zerolog.Logger) *Server {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/chat"
	}
	s := &Server{
		cfg:           cfg,
		core:          core,
		reg:           reg,
		st:            st,
		gen:           gen,
		authenticator: authenticator,
		limiter:       limiter,
		started:       time.Now(),
		logger:        logger.With().Str("component", "server").Logger(),
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Endpoint, s.handleWS)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stat", s.handleStat)
	mux.HandleFunc("/check-online", s.handleCheckOnline)
	mux.HandleFunc("/send-message", s.handleSendMessage)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	return mux
}

// Run serves until Shutdown. It returns http.ErrServerClosed on a clean
// stop.
func (s *Server) Run() error {
	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("endpoint", s.cfg.Endpoint).
		Msg("Server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops the listener, then stops the chat core (closing every
// live connection with status 1001).
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.core.Stop()
	s.limiter.Stop()
	return err
}
