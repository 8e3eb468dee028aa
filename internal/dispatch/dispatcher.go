package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

// Dispatcher fans inbound messages out to plugins and records the decision.
type Dispatcher struct {
	plugins PluginSource
	locks   LockReader
	ledger  Recorder
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  events.Publisher
}

type Option func(*Dispatcher)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) { x.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

func WithEvents(p events.Publisher) Option {
	return func(x *Dispatcher) { x.events = p }
}

// New creates a Dispatcher.
func New(plugins PluginSource, locks LockReader, rec Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		plugins: plugins,
		locks:   locks,
		ledger:  rec,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("dispatch")
	}
	return d
}

// Outcome is the result of one top-level dispatch. Response is nil when no
// candidate produced an answer; InteractionID is then zero.
type Outcome struct {
	DispatchID    string             `json:"dispatch_id"`
	InteractionID int64              `json:"interaction_id,omitempty"`
	Response      *protocol.Response `json:"response"`
	Traceback     []string           `json:"traceback"`
	Forced        bool               `json:"forced,omitempty"` // channel lock collapsed the candidates
}

// ResolveTopResponse runs one dispatch for msg under site.
func (d *Dispatcher) ResolveTopResponse(ctx context.Context, site *config.SiteConfig, msg protocol.Message) (*Outcome, error) {
	if site == nil {
		return nil, fmt.Errorf("site config is nil")
	}
	if err := protocol.ValidateMessage(msg); err != nil {
		return nil, err
	}
	// A dispatch always runs to a decision once started.
	ctx = context.WithoutCancel(ctx)

	out := &Outcome{DispatchID: uuid.NewString()}
	logger := d.logger.With("dispatch_id", out.DispatchID, "site", site.ID, "channel_id", msg.ChannelID)

	st, locked, err := d.locks.Locked(ctx, msg.ChannelID)
	if err != nil {
		d.metrics.Dispatch("failed")
		logger.Error("failed to read channel lock", "error", err)
		return nil, fmt.Errorf("read channel lock: %w", err)
	}

	var (
		tasks     []task
		traceback []string
	)
	if locked {
		out.Forced = true
		call := st.Callback
		traceback = append(traceback, fmt.Sprintf("channel %s is locked to plugin %s, forcing callback %s", msg.ChannelID, st.Owner, call))
		siteCopy, msgCopy := site.Clone(), msg
		tasks = append(tasks, task{
			plugin: call.Plugin,
			run: func(ctx context.Context) (*protocol.Response, error) {
				return d.plugins.InvokeCallback(ctx, call, &siteCopy, &msgCopy)
			},
		})
	} else {
		for _, p := range d.plugins.Candidates(site.Plugs) {
			siteCopy := site.Clone()
			tasks = append(tasks, task{
				plugin: p.Name(),
				run: func(ctx context.Context) (*protocol.Response, error) {
					return p.ProcessMsg(ctx, &siteCopy, msg)
				},
			})
		}
	}

	start := time.Now()
	results := fanOut(ctx, d.timeout, tasks)
	d.metrics.Fanout(time.Since(start))
	d.logResults(logger, results)

	chosen, fragments := resolveResponses(results)
	traceback = append(traceback, fragments...)
	out.Traceback = traceback

	if chosen == nil {
		d.metrics.Dispatch("none")
		logger.Debug("no response chosen", "candidates", len(tasks))
		d.publish(out, site, msg)
		return out, nil
	}

	final := chosen
	if chosen.HasCallback() {
		final = d.runCallback(ctx, logger, site, chosen, &out.Traceback)
		if final == nil {
			d.metrics.Dispatch("none")
			d.publish(out, site, msg)
			return out, nil
		}
	}

	id, err := d.ledger.ReserveAndRecord(ctx, ledger.Form{
		Plugin:    final.Plugin,
		Message:   msg,
		Response:  *final,
		Traceback: out.Traceback,
		Directive: final.Lock,
	})
	if err != nil {
		d.metrics.Dispatch("failed")
		logger.Error("failed to record interaction", "plugin", final.Plugin, "error", err)
		return nil, fmt.Errorf("record interaction: %w", err)
	}

	out.InteractionID = id
	out.Response = final
	d.metrics.Dispatch("responded")
	logger.Info("dispatch resolved", "plugin", final.Plugin, "interaction_id", id, "confidence", final.Confidence)
	d.publish(out, site, msg)
	return out, nil
}

// runCallback invokes the chosen response's callback outside the fan-out
// deadline. A failed or declined callback yields no response.
func (d *Dispatcher) runCallback(ctx context.Context, logger *slog.Logger, site *config.SiteConfig, chosen *protocol.Response, traceback *[]string) *protocol.Response {
	call := *chosen.Callback
	siteCopy := site.Clone()
	follow, err := d.plugins.InvokeCallback(ctx, call, &siteCopy, nil)
	if err != nil {
		logger.Warn("callback failed", "callback", call.String(), "plugin", chosen.Plugin, "error", err)
		*traceback = append(*traceback, fmt.Sprintf("callback %s failed: %v", call, err))
		return nil
	}
	if follow == nil {
		logger.Debug("callback declined", "callback", call.String())
		*traceback = append(*traceback, fmt.Sprintf("callback %s produced no response", call))
		return nil
	}

	if !finite(follow.Confidence) {
		logger.Warn("callback returned non-finite confidence", "callback", call.String(), "confidence", follow.Confidence)
		*traceback = append(*traceback, fmt.Sprintf("callback %s failed: non-finite confidence", call))
		return nil
	}

	// The follow-up belongs to the plugin that ran it, whatever it claims.
	cp := *follow
	cp.Plugin = call.Plugin
	*traceback = append(*traceback, fmt.Sprintf("invoked callback %s producing %q", call, cp.Body.Plain()))
	return &cp
}

func (d *Dispatcher) logResults(logger *slog.Logger, results []Result) {
	for _, r := range results {
		d.metrics.PluginResult(r.Plugin, string(r.Kind))
		switch r.Kind {
		case ResultDeclined:
			logger.Debug("plugin declined", "plugin", r.Plugin, "elapsed", r.Elapsed.String())
		case ResultTimeout:
			logger.Warn("plugin timed out", "plugin", r.Plugin, "timeout", d.timeout.String())
		case ResultCrash:
			args := []any{"plugin", r.Plugin}
			if r.Crash != nil {
				args = append(args, "kind", string(r.Crash.Kind), "payload", r.Crash.Payload)
				if len(r.Crash.Stack) > 0 {
					args = append(args, "stack", string(r.Crash.Stack))
				}
			}
			logger.Warn("plugin crashed", args...)
		case ResultOK:
			logger.Debug("plugin responded", "plugin", r.Plugin, "confidence", r.Response.Confidence, "elapsed", r.Elapsed.String())
		default:
			logger.Warn("plugin ended with unknown result", "plugin", r.Plugin, "kind", string(r.Kind))
		}
	}
}

func (d *Dispatcher) publish(out *Outcome, site *config.SiteConfig, msg protocol.Message) {
	if d.events == nil {
		return
	}
	payload := map[string]any{
		"dispatch_id": out.DispatchID,
		"site":        site.ID,
		"channel_id":  msg.ChannelID,
		"forced":      out.Forced,
		"traceback":   out.Traceback,
	}
	if out.Response != nil {
		payload["plugin"] = out.Response.Plugin
		payload["interaction_id"] = out.InteractionID
	}
	d.events.Publish(events.DispatchResolved, payload)
}
