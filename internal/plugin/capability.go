package plugin

import (
	"context"
	"strings"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

// Usage documents one way of invoking a plugin.
type Usage struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Capability is the contract every candidate responder implements.
type Capability interface {
	// Name is the plugin identity used in site plugs, tracebacks and locks.
	Name() string
	// ProcessMsg returns a candidate response, or nil to decline.
	ProcessMsg(ctx context.Context, site *config.SiteConfig, msg protocol.Message) (*protocol.Response, error)
	// IsAtModule reports whether msg is addressed to this plugin and, if so,
	// the message text with the addressing stripped.
	IsAtModule(site *config.SiteConfig, msg protocol.Message) (cleaned string, ok bool)
	Usage() []Usage
	Description() string
}

// CallbackHandler is implemented by plugins that offer callbacks or lock
// channels. msg is the inbound message for lock-forced calls and nil when the
// callback was offered alongside a response.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, call protocol.Callback, site *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error)
}

// StripCommand matches "<prefix><command>" at the start of body, followed by
// whitespace or the end of the text, and returns the remaining arguments.
func StripCommand(prefix, command, body string) (string, bool) {
	body = strings.TrimSpace(body)
	head := prefix + command
	if !strings.HasPrefix(body, head) {
		return "", false
	}
	rest := body[len(head):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
