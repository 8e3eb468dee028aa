package api

import (
	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

// ConfirmPostedRequest is the JSON body for POST /interactions/{id}/posted.
type ConfirmPostedRequest struct {
	PostedID protocol.PostedID `json:"posted_id"`
}

// ConfirmPostedResponse is returned once a post is confirmed.
type ConfirmPostedResponse struct {
	InteractionID int64             `json:"interaction_id"`
	PostedID      protocol.PostedID `json:"posted_id"`
}

// TracebackResponse is returned by GET /traceback.
type TracebackResponse struct {
	PostedID  protocol.PostedID `json:"posted_id"`
	Traceback []string          `json:"traceback"`
}

// ChannelLockResponse is returned by GET /channels/{channel}/lock.
type ChannelLockResponse struct {
	Channel string          `json:"channel"`
	Locked  bool            `json:"locked"`
	Lock    *chanlock.State `json:"lock,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	PluginsLoaded int      `json:"plugins_loaded"`
	Sites         []string `json:"sites"`
}
