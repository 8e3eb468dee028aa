// Package inspect renders an operator report for one recorded interaction:
// what was said, what was chosen and why, and where its channel lock stands.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/ledger"
)

// Source looks up interactions.
type Source interface {
	Get(ctx context.Context, id int64) (*ledger.Interaction, error)
}

// LockReader reports channel lock state.
type LockReader interface {
	Locked(ctx context.Context, channel string) (*chanlock.State, bool, error)
}

// Report is the structured form of an interaction report.
type Report struct {
	InteractionID int64     `json:"interaction_id"`
	CreatedAt     time.Time `json:"created_at"`
	Plugin        string    `json:"plugin"`
	Channel       string    `json:"channel"`
	Author        string    `json:"author"`
	Message       string    `json:"message"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason,omitempty"`
	Response      string    `json:"response"`
	Callback      string    `json:"callback,omitempty"`
	Directive     string    `json:"lock_directive,omitempty"`
	Posted        string    `json:"posted,omitempty"`
	Traceback     []string  `json:"traceback"`
	ChannelLock   *Lock     `json:"channel_lock,omitempty"`
}

// Lock is the current lock on the interaction's channel.
type Lock struct {
	Owner    string `json:"owner"`
	Callback string `json:"callback"`
	// HeldByThis is true when this interaction last set the lock.
	HeldByThis bool `json:"held_by_this"`
}

// Gather collects the report data.
func Gather(ctx context.Context, src Source, locks LockReader, id int64) (*Report, error) {
	it, err := src.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	r := &Report{
		InteractionID: it.ID,
		CreatedAt:     it.CreatedAt,
		Plugin:        it.Plugin,
		Channel:       it.Message.ChannelID,
		Author:        it.Message.AuthorID,
		Message:       it.Message.Body,
		Confidence:    it.Response.Confidence,
		Reason:        it.Response.Reason,
		Response:      it.Response.Body.Plain(),
		Traceback:     it.Traceback,
	}
	if it.Response.Callback != nil {
		r.Callback = it.Response.Callback.String()
	}
	if d := it.Directive; d != nil {
		r.Directive = string(d.Action) + " " + d.Channel
		if d.Target != nil {
			r.Directive += " -> " + d.Target.String()
		}
	}
	if len(it.PostedID) > 0 {
		r.Posted = it.PostedID.String()
	}

	if locks != nil {
		st, locked, err := locks.Locked(ctx, it.Message.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("read channel lock: %w", err)
		}
		if locked {
			r.ChannelLock = &Lock{
				Owner:      st.Owner,
				Callback:   st.Callback.String(),
				HeldByThis: st.InteractionID == it.ID,
			}
		}
	}
	return r, nil
}

// BuildReport renders a terminal-friendly report.
func BuildReport(ctx context.Context, src Source, locks LockReader, id int64) (string, error) {
	r, err := Gather(ctx, src, locks, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Interaction %d\n", r.InteractionID)
	fmt.Fprintf(&out, "Created     : %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(&out, "Channel     : %s\n", r.Channel)
	fmt.Fprintf(&out, "Author      : %s\n", renderUnset(r.Author, "<unknown>"))
	fmt.Fprintf(&out, "Message     : %q\n", r.Message)
	fmt.Fprintf(&out, "Plugin      : %s (confidence %g)\n", r.Plugin, r.Confidence)
	if r.Reason != "" {
		fmt.Fprintf(&out, "Reason      : %s\n", r.Reason)
	}
	fmt.Fprintf(&out, "Response    : %s\n", indent(r.Response))
	if r.Callback != "" {
		fmt.Fprintf(&out, "Callback    : %s\n", r.Callback)
	}
	fmt.Fprintf(&out, "Directive   : %s\n", renderUnset(r.Directive, "<none>"))
	fmt.Fprintf(&out, "Posted      : %s\n", renderUnset(r.Posted, "<not confirmed>"))

	switch {
	case r.ChannelLock == nil:
		fmt.Fprintf(&out, "Channel lock: <unlocked>\n")
	case r.ChannelLock.HeldByThis:
		fmt.Fprintf(&out, "Channel lock: %s via %s (set by this interaction)\n", r.ChannelLock.Owner, r.ChannelLock.Callback)
	default:
		fmt.Fprintf(&out, "Channel lock: %s via %s\n", r.ChannelLock.Owner, r.ChannelLock.Callback)
	}

	fmt.Fprintf(&out, "\nTraceback\n")
	for i, line := range r.Traceback {
		fmt.Fprintf(&out, "  %2d. %s\n", i+1, line)
	}
	return out.String(), nil
}

// BuildJSONReport renders the report as indented JSON.
func BuildJSONReport(ctx context.Context, src Source, locks LockReader, id int64) (string, error) {
	r, err := Gather(ctx, src, locks, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n              ")
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
