// Package echo repeats the text after "<prefix>echo".
package echo

import (
	"context"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/plugin"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

const Name = "echo"

type Plugin struct{}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string        { return Name }
func (p *Plugin) Description() string { return "Repeats what you say." }

func (p *Plugin) Usage() []plugin.Usage {
	return []plugin.Usage{{Command: "echo <text>", Description: "Reply with <text>."}}
}

func (p *Plugin) IsAtModule(site *config.SiteConfig, msg protocol.Message) (string, bool) {
	return plugin.StripCommand(site.Prefix, Name, msg.Body)
}

func (p *Plugin) ProcessMsg(_ context.Context, site *config.SiteConfig, msg protocol.Message) (*protocol.Response, error) {
	text, ok := p.IsAtModule(site, msg)
	if !ok {
		return nil, nil
	}
	if text == "" {
		text = "Echo what?"
	}
	return &protocol.Response{
		Confidence: 10,
		Body:       protocol.Text(text),
		Reason:     "matched " + site.Prefix + Name,
	}, nil
}
