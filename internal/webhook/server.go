package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

// Server is the webhook HTTP server.
type Server struct {
	config     Config
	dispatcher Dispatcher
	ledger     Confirmer
	sites      SiteLookup
	logger     *slog.Logger
	server     *http.Server

	endpoints map[string]*EndpointConfig
}

func New(config Config, d Dispatcher, ledger Confirmer, sites SiteLookup, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:     config,
		dispatcher: d,
		ledger:     ledger,
		sites:      sites,
		logger:     logger,
		endpoints:  endpoints,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path, ep := range s.endpoints {
		r.Post(path, s.verified(ep, s.handleMessage))
		r.Post(path+"/posted", s.verified(ep, s.handlePosted))
	}
	return r
}

// loggingMiddleware never logs bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type verifiedHandler func(w http.ResponseWriter, r *http.Request, ep *EndpointConfig, body []byte)

// verified enforces the size limit and the signature before calling next.
func (s *Server) verified(ep *EndpointConfig, next verifiedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, ep.MaxBodySize+1))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to read request body")
			return
		}
		if int64(len(body)) > ep.MaxBodySize {
			s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}

		signature := r.Header.Get(ep.SignatureHeader)
		if err := verifySignature(body, signature, ep.Secret); err != nil {
			s.logger.Warn("webhook signature rejected",
				"path", r.URL.Path,
				"header", ep.SignatureHeader,
				"present", signature != "",
			)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, ep, body)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, ep *EndpointConfig, body []byte) {
	site, ok := s.sites.Site(ep.Site)
	if !ok {
		s.logger.Error("webhook endpoint bound to unknown site", "path", ep.Path, "site", ep.Site)
		s.respondError(w, http.StatusNotFound, "site not found")
		return
	}

	msg, err := protocol.DecodeMessage(bytes.NewReader(body))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.dispatcher.ResolveTopResponse(r.Context(), &site, msg)
	if err != nil {
		s.logger.Error("dispatch failed", "site", ep.Site, "channel_id", msg.ChannelID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handlePosted(w http.ResponseWriter, r *http.Request, ep *EndpointConfig, body []byte) {
	var req PostedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InteractionID <= 0 || len(req.PostedID) == 0 {
		s.respondError(w, http.StatusBadRequest, "interaction_id and posted_id are required")
		return
	}

	err := s.ledger.ConfirmPosted(r.Context(), req.InteractionID, req.PostedID)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, req)
	case errors.Is(err, ledger.ErrInteractionNotFound):
		s.respondError(w, http.StatusNotFound, "interaction not found")
	case errors.Is(err, ledger.ErrAlreadyPosted), errors.Is(err, ledger.ErrDuplicatePostedID):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("confirm posted failed", "site", ep.Site, "interaction_id", req.InteractionID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "confirm failed")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
