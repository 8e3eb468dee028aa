package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sites:         []string{},
	}
	if s.deps.Plugins != nil {
		resp.PluginsLoaded = len(s.deps.Plugins.All())
	}
	if s.deps.Sites != nil {
		resp.Sites = s.deps.Sites.Sites()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleDispatch handles POST /sites/{site}/dispatch.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site")
	site, ok := s.deps.Sites.Site(siteID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "site not found")
		return
	}

	msg, err := protocol.DecodeMessage(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.deps.Dispatcher.ResolveTopResponse(r.Context(), &site, msg)
	if err != nil {
		s.logger.Error("dispatch failed", "site", siteID, "channel_id", msg.ChannelID, "error", err)
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleConfirmPosted handles POST /interactions/{id}/posted.
func (s *Server) handleConfirmPosted(w http.ResponseWriter, r *http.Request) {
	id, ok := s.interactionID(w, r)
	if !ok {
		return
	}

	var req ConfirmPostedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.PostedID) == 0 {
		s.writeError(w, http.StatusBadRequest, "posted_id is required")
		return
	}

	if err := s.deps.Ledger.ConfirmPosted(r.Context(), id, req.PostedID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ConfirmPostedResponse{InteractionID: id, PostedID: req.PostedID})
}

// handleGetInteraction handles GET /interactions/{id}.
func (s *Server) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.interactionID(w, r)
	if !ok {
		return
	}
	it, err := s.deps.Ledger.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

// handleListInteractions handles GET /interactions. With ?posted_id= it
// returns the single interaction posted under that id.
func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("posted_id"); raw != "" {
		posted, err := protocol.ParsePostedID(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		it, err := s.deps.Ledger.LookupByPostedID(r.Context(), posted)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, it)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.deps.Ledger.Recent(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []*ledger.Interaction{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleTraceback handles GET /traceback?posted_id=.
func (s *Server) handleTraceback(w http.ResponseWriter, r *http.Request) {
	posted, err := protocol.ParsePostedID(r.URL.Query().Get("posted_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tb, err := s.deps.Ledger.TracebackFor(r.Context(), posted)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, TracebackResponse{PostedID: posted, Traceback: tb})
}

// handleChannelLock handles GET /channels/{channel}/lock.
func (s *Server) handleChannelLock(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	st, locked, err := s.deps.Locks.Locked(r.Context(), channel)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ChannelLockResponse{Channel: channel, Locked: locked, Lock: st})
}

func (s *Server) interactionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid interaction id")
		return 0, false
	}
	return id, true
}

// writeStoreError maps lock and ledger failures to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInteractionNotFound), errors.Is(err, ledger.ErrPostedIDNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyPosted), errors.Is(err, ledger.ErrDuplicatePostedID), errors.Is(err, chanlock.ErrLockConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
