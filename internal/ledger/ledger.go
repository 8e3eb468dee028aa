// Package ledger records dispatch decisions. Each interaction is written in
// the same transaction as the channel-lock transition it requested, and a
// detached watchdog later warns when the delivery adapter never confirmed
// the response as posted.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/protocol"
	"github.com/mattjoyce/switchboard/internal/storage"
)

// DefaultOrphanDelay is how long the watchdog waits before checking that an
// interaction was posted.
const DefaultOrphanDelay = time.Second

type Ledger struct {
	db          *sql.DB
	locks       *chanlock.Manager
	logger      *slog.Logger
	metrics     *metrics.Metrics
	events      events.Publisher
	orphanDelay time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

func WithEvents(p events.Publisher) Option {
	return func(lg *Ledger) { lg.events = p }
}

// WithOrphanDelay overrides DefaultOrphanDelay. Non-positive values are ignored.
func WithOrphanDelay(d time.Duration) Option {
	return func(lg *Ledger) {
		if d > 0 {
			lg.orphanDelay = d
		}
	}
}

func New(db *sql.DB, locks *chanlock.Manager, opts ...Option) *Ledger {
	l := &Ledger{
		db:          db,
		locks:       locks,
		orphanDelay: DefaultOrphanDelay,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = log.WithComponent("ledger")
	}
	return l
}

// ReserveAndRecord assigns the next interaction id, writes the interaction
// together with its lock transition, and starts the orphan watchdog.
func (l *Ledger) ReserveAndRecord(ctx context.Context, form Form) (int64, error) {
	if form.Plugin == "" {
		return 0, fmt.Errorf("interaction plugin is empty")
	}
	msg, err := json.Marshal(form.Message)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	resp, err := json.Marshal(form.Response)
	if err != nil {
		return 0, fmt.Errorf("encode response: %w", err)
	}
	traceback := form.Traceback
	if traceback == nil {
		traceback = []string{}
	}
	tb, err := json.Marshal(traceback)
	if err != nil {
		return 0, fmt.Errorf("encode traceback: %w", err)
	}
	directive, err := protocol.EncodeDirective(form.Directive)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", chanlock.ErrMalformedDirective, err)
	}

	id, err := storage.NextID(ctx, l.db, storage.InteractionSequence)
	if err != nil {
		return 0, err
	}

	var transition chanlock.Transition
	err = storage.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO interactions(id, created_at, plugin, channel_id, message, response, traceback, lock_directive, posted_key)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, NULL);
`, id, time.Now().UTC().Format(time.RFC3339Nano), form.Plugin, form.Message.ChannelID,
			string(msg), string(resp), string(tb), directive)
		if err != nil {
			return fmt.Errorf("insert interaction %d: %w", id, err)
		}
		transition, err = l.locks.Apply(ctx, tx, form.Directive, form.Plugin, id)
		return err
	})
	if err != nil {
		return 0, err
	}

	l.locks.Announce(form.Directive, form.Plugin, id, transition)
	l.logger.Debug("interaction recorded", "interaction_id", id, "plugin", form.Plugin, "channel_id", form.Message.ChannelID)
	if l.events != nil {
		l.events.Publish(events.InteractionRecorded, map[string]any{
			"interaction_id": id,
			"plugin":         form.Plugin,
			"channel_id":     form.Message.ChannelID,
			"confidence":     form.Response.Confidence,
		})
	}

	l.watch(id)
	return id, nil
}

// watch checks once, after the orphan delay, that id was confirmed as posted.
// It runs to completion even if the post is confirmed early.
func (l *Ledger) watch(id int64) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		timer := time.NewTimer(l.orphanDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-l.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		it, err := l.Get(ctx, id)
		if err != nil {
			l.logger.Warn("orphan watchdog could not read interaction", "interaction_id", id, "error", err)
			return
		}
		if it.PostedID != nil {
			return
		}
		l.metrics.Orphaned()
		l.logger.Warn("interaction never confirmed as posted",
			"interaction_id", id,
			"plugin", it.Plugin,
			"channel_id", it.Message.ChannelID,
			"delay", l.orphanDelay.String(),
		)
		if l.events != nil {
			l.events.Publish(events.InteractionOrphaned, map[string]any{
				"interaction_id": id,
				"plugin":         it.Plugin,
				"channel_id":     it.Message.ChannelID,
			})
		}
	}()
}

// Wait blocks until every started watchdog has finished.
func (l *Ledger) Wait() {
	l.wg.Wait()
}

// Close abandons pending watchdogs and waits for running ones to return.
func (l *Ledger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}
