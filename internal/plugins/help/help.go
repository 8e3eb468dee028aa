// Package help lists the plugins enabled for a site and their usage.
package help

import (
	"context"
	"fmt"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/plugin"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

const Name = "help"

// Catalog is the part of the registry help reads from.
type Catalog interface {
	Candidates(plugs config.Plugs) []plugin.Capability
}

type Plugin struct {
	catalog Catalog
}

func New(catalog Catalog) *Plugin {
	return &Plugin{catalog: catalog}
}

func (p *Plugin) Name() string        { return Name }
func (p *Plugin) Description() string { return "Lists available plugins and how to use them." }

func (p *Plugin) Usage() []plugin.Usage {
	return []plugin.Usage{
		{Command: "help", Description: "List the plugins enabled here."},
		{Command: "help <plugin>", Description: "Show usage for <plugin>."},
	}
}

func (p *Plugin) IsAtModule(site *config.SiteConfig, msg protocol.Message) (string, bool) {
	return plugin.StripCommand(site.Prefix, Name, msg.Body)
}

func (p *Plugin) ProcessMsg(_ context.Context, site *config.SiteConfig, msg protocol.Message) (*protocol.Response, error) {
	topic, ok := p.IsAtModule(site, msg)
	if !ok {
		return nil, nil
	}

	plugins := p.catalog.Candidates(site.Plugs)
	var body protocol.Body
	if topic == "" {
		body = protocol.Text("Available plugins:")
		for _, pl := range plugins {
			body = body.Append(protocol.Block{Kind: protocol.BlockText, Text: fmt.Sprintf("%s: %s", pl.Name(), pl.Description())})
		}
	} else {
		var found plugin.Capability
		for _, pl := range plugins {
			if pl.Name() == topic {
				found = pl
				break
			}
		}
		if found == nil {
			body = protocol.Text(fmt.Sprintf("No plugin named %q here.", topic))
		} else {
			body = protocol.Text(found.Description())
			for _, u := range found.Usage() {
				body = body.Append(
					protocol.Block{Kind: protocol.BlockCode, Text: site.Prefix + u.Command},
					protocol.Block{Kind: protocol.BlockText, Text: u.Description},
				)
			}
		}
	}

	return &protocol.Response{Confidence: 10, Body: body, Reason: "matched " + site.Prefix + Name}, nil
}
