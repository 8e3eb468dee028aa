// Package guess is a number-guessing game. Starting a game locks the channel
// to the plugin, so every following message is routed to the game's turn
// callback until the number is found or the player stops.
package guess

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/plugin"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

const (
	Name = "guess"

	callbackStart = "start"
	callbackTurn  = "turn"

	maxNumber = 100
)

type Plugin struct {
	pick func() int
}

func New() *Plugin {
	return &Plugin{pick: func() int { return rand.IntN(maxNumber) + 1 }}
}

func (p *Plugin) Name() string        { return Name }
func (p *Plugin) Description() string { return "Guess the number I'm thinking of." }

func (p *Plugin) Usage() []plugin.Usage {
	return []plugin.Usage{
		{Command: "guess", Description: fmt.Sprintf("Start a game with a number from 1 to %d.", maxNumber)},
		{Command: "stop", Description: "Give up the current game."},
	}
}

func (p *Plugin) IsAtModule(site *config.SiteConfig, msg protocol.Message) (string, bool) {
	return plugin.StripCommand(site.Prefix, Name, msg.Body)
}

// ProcessMsg offers the start callback; the opening line is produced only
// if this plugin wins the dispatch.
func (p *Plugin) ProcessMsg(_ context.Context, site *config.SiteConfig, msg protocol.Message) (*protocol.Response, error) {
	if _, ok := p.IsAtModule(site, msg); !ok {
		return nil, nil
	}
	cb, err := protocol.NewCallback(Name, callbackStart, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{Confidence: 10, Callback: &cb, Reason: "matched " + site.Prefix + Name}, nil
}

func (p *Plugin) HandleCallback(_ context.Context, call protocol.Callback, _ *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error) {
	switch call.Name {
	case callbackStart:
		return p.start(call)
	case callbackTurn:
		if msg == nil {
			return nil, fmt.Errorf("guess turn needs a message")
		}
		return p.turn(call, *msg)
	default:
		return nil, fmt.Errorf("unknown guess callback %q", call.Name)
	}
}

func (p *Plugin) start(call protocol.Callback) (*protocol.Response, error) {
	var channel string
	if len(call.Args) != 1 {
		return nil, fmt.Errorf("guess start expects 1 arg, got %d", len(call.Args))
	}
	if err := json.Unmarshal(call.Args[0], &channel); err != nil {
		return nil, fmt.Errorf("guess start channel: %w", err)
	}
	next, err := turnCallback(p.pick(), 0)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{
		Confidence: 10,
		Body:       protocol.Text(fmt.Sprintf("I'm thinking of a number from 1 to %d. Take a guess!", maxNumber)),
		Lock:       protocol.Lock(channel, next),
	}, nil
}

func (p *Plugin) turn(call protocol.Callback, msg protocol.Message) (*protocol.Response, error) {
	secret, tries, err := turnArgs(call)
	if err != nil {
		return nil, err
	}

	reply := func(text string, lock *protocol.LockDirective) *protocol.Response {
		return &protocol.Response{Confidence: 10, Body: protocol.Text(text), Lock: lock}
	}
	keep := func(text string, tries int) (*protocol.Response, error) {
		next, err := turnCallback(secret, tries)
		if err != nil {
			return nil, err
		}
		return reply(text, protocol.Lock(msg.ChannelID, next)), nil
	}

	input := strings.ToLower(strings.TrimSpace(msg.Body))
	if input == "stop" {
		return reply(fmt.Sprintf("Game over. The number was %d.", secret), protocol.Unlock(msg.ChannelID)), nil
	}
	n, err := strconv.Atoi(input)
	if err != nil {
		return keep(`That's not a number. Guess again, or say "stop".`, tries)
	}

	tries++
	switch {
	case n < secret:
		return keep("Higher.", tries)
	case n > secret:
		return keep("Lower.", tries)
	}
	return reply(fmt.Sprintf("You got it! %d in %d %s.", secret, tries, plural(tries, "try", "tries")), protocol.Unlock(msg.ChannelID)), nil
}

func turnCallback(secret, tries int) (protocol.Callback, error) {
	return protocol.NewCallback(Name, callbackTurn, secret, tries)
}

func turnArgs(call protocol.Callback) (secret, tries int, err error) {
	if len(call.Args) != 2 {
		return 0, 0, fmt.Errorf("guess turn expects 2 args, got %d", len(call.Args))
	}
	if err := json.Unmarshal(call.Args[0], &secret); err != nil {
		return 0, 0, fmt.Errorf("guess turn secret: %w", err)
	}
	if err := json.Unmarshal(call.Args[1], &tries); err != nil {
		return 0, 0, fmt.Errorf("guess turn tries: %w", err)
	}
	return secret, tries, nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
