package webhook

import (
	"context"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

// Dispatcher resolves the top response for an inbound message.
type Dispatcher interface {
	ResolveTopResponse(ctx context.Context, site *config.SiteConfig, msg protocol.Message) (*dispatch.Outcome, error)
}

// Confirmer records delivered posts.
type Confirmer interface {
	ConfirmPosted(ctx context.Context, id int64, posted protocol.PostedID) error
}

// SiteLookup resolves site configuration by id.
type SiteLookup interface {
	Site(id string) (config.SiteConfig, bool)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig is one signed endpoint bound to a site.
type EndpointConfig struct {
	Path            string
	Site            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// PostedRequest is the body of POST <path>/posted.
type PostedRequest struct {
	InteractionID int64             `json:"interaction_id"`
	PostedID      protocol.PostedID `json:"posted_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize     = 1 << 20
	DefaultSignatureHeader = "X-Switchboard-Signature"
)
