// Package redisstream connects the dispatcher to service adapters over Redis
// Streams. Inbound messages are read with a consumer group, dispatched, and
// the chosen responses appended to an outbound stream. Delivery adapters
// confirm posts on a third stream, which feeds the interaction ledger.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

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

type Adapter struct {
	rdb        *redis.Client
	cfg        config.RedisConfig
	dispatcher Dispatcher
	ledger     Confirmer
	sites      SiteLookup
	logger     *slog.Logger
}

func New(rdb *redis.Client, cfg config.RedisConfig, d Dispatcher, ledger Confirmer, sites SiteLookup, logger *slog.Logger) *Adapter {
	return &Adapter{
		rdb:        rdb,
		cfg:        cfg,
		dispatcher: d,
		ledger:     ledger,
		sites:      sites,
		logger:     logger,
	}
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Run consumes the inbound and posted streams until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	for _, stream := range []string{a.cfg.InboundStream, a.cfg.PostedStream} {
		if err := a.ensureGroup(ctx, stream); err != nil {
			return err
		}
	}
	a.logger.Info("redis transport started",
		"inbound", a.cfg.InboundStream, "outbound", a.cfg.OutboundStream, "posted", a.cfg.PostedStream)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consume(ctx, a.cfg.InboundStream, a.handleInbound) })
	g.Go(func() error { return a.consume(ctx, a.cfg.PostedStream, a.handlePosted) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Adapter) ensureGroup(ctx context.Context, stream string) error {
	err := a.rdb.XGroupCreateMkStream(ctx, stream, a.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

type handler func(ctx context.Context, values map[string]any) error

func (a *Adapter) consume(ctx context.Context, stream string, handle handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    a.cfg.Group,
			Consumer: a.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("failed to read stream", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				if err := handle(ctx, msg.Values); err != nil {
					a.logger.Warn("stream entry rejected", "stream", stream, "entry_id", msg.ID, "error", err)
				}
				if err := a.rdb.XAck(ctx, stream, a.cfg.Group, msg.ID).Err(); err != nil {
					a.logger.Error("failed to ack stream entry", "stream", stream, "entry_id", msg.ID, "error", err)
				}
			}
		}
	}
}

// handleInbound dispatches one inbound entry and publishes the response, if any.
func (a *Adapter) handleInbound(ctx context.Context, values map[string]any) error {
	out, err := a.dispatchEntry(ctx, values)
	if err != nil || out == nil {
		return err
	}
	fields, err := encodeEnvelope(out)
	if err != nil {
		return err
	}
	if err := a.rdb.XAdd(ctx, &redis.XAddArgs{Stream: a.cfg.OutboundStream, Values: fields}).Err(); err != nil {
		return fmt.Errorf("publish response for interaction %d: %w", out.InteractionID, err)
	}
	return nil
}

// dispatchEntry decodes and dispatches an inbound entry. It returns nil
// when no plugin answered.
func (a *Adapter) dispatchEntry(ctx context.Context, values map[string]any) (*OutboundEnvelope, error) {
	var in InboundEnvelope
	if err := decodeEnvelope(values, &in); err != nil {
		return nil, err
	}
	if err := protocol.ValidateMessage(in.Message); err != nil {
		return nil, err
	}
	site, ok := a.sites.Site(in.Site)
	if !ok {
		return nil, fmt.Errorf("unknown site %q", in.Site)
	}

	outcome, err := a.dispatcher.ResolveTopResponse(ctx, &site, in.Message)
	if err != nil {
		return nil, fmt.Errorf("dispatch message %s: %w", in.Message.ID, err)
	}
	if outcome.Response == nil {
		return nil, nil
	}
	return &OutboundEnvelope{
		ID:            uuid.NewString(),
		DispatchID:    outcome.DispatchID,
		InteractionID: outcome.InteractionID,
		Site:          in.Site,
		ChannelID:     in.Message.ChannelID,
		ReplyTo:       in.Message.ID,
		Response:      outcome.Response,
	}, nil
}

func (a *Adapter) handlePosted(ctx context.Context, values map[string]any) error {
	var p PostedEnvelope
	if err := decodeEnvelope(values, &p); err != nil {
		return err
	}
	if p.InteractionID <= 0 || len(p.PostedID) == 0 {
		return fmt.Errorf("posted envelope needs interaction_id and posted_id")
	}
	return a.ledger.ConfirmPosted(ctx, p.InteractionID, p.PostedID)
}
