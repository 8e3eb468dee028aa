package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/plugin"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

// Dispatcher resolves the top response for an inbound message.
type Dispatcher interface {
	ResolveTopResponse(ctx context.Context, site *config.SiteConfig, msg protocol.Message) (*dispatch.Outcome, error)
}

// Ledger is the interaction ledger as seen by delivery adapters and operators.
type Ledger interface {
	Get(ctx context.Context, id int64) (*ledger.Interaction, error)
	Recent(ctx context.Context, limit int) ([]*ledger.Interaction, error)
	ConfirmPosted(ctx context.Context, id int64, posted protocol.PostedID) error
	LookupByPostedID(ctx context.Context, posted protocol.PostedID) (*ledger.Interaction, error)
	TracebackFor(ctx context.Context, posted protocol.PostedID) ([]string, error)
}

// LockReader reports channel lock state.
type LockReader interface {
	Locked(ctx context.Context, channel string) (*chanlock.State, bool, error)
}

// SiteStore looks up site configuration.
type SiteStore interface {
	Site(id string) (config.SiteConfig, bool)
	Sites() []string
}

// PluginLister lists registered plugins.
type PluginLister interface {
	All() []plugin.Capability
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Deps are the components the API serves.
type Deps struct {
	Dispatcher Dispatcher
	Ledger     Ledger
	Locks      LockReader
	Sites      SiteStore
	Plugins    PluginLister
	Events     *events.Hub
	// Gatherer backs /metrics; defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeDispatchRW)).Post("/sites/{site}/dispatch", s.handleDispatch)
		r.With(s.requireScopes(auth.ScopeInteractionsRW)).Post("/interactions/{id}/posted", s.handleConfirmPosted)
		r.With(s.requireScopes(auth.ScopeInteractionsRO)).Get("/interactions", s.handleListInteractions)
		r.With(s.requireScopes(auth.ScopeInteractionsRO)).Get("/interactions/{id}", s.handleGetInteraction)
		r.With(s.requireScopes(auth.ScopeInteractionsRO)).Get("/traceback", s.handleTraceback)
		r.With(s.requireScopes(auth.ScopeInteractionsRO)).Get("/channels/{channel}/lock", s.handleChannelLock)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
