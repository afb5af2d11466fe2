// Package brain is the dispatcher unit: it admits inbound messages through
// the group whitelist and runs every matching command handler over them.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/razzler/pkg/brain/commands"
	"github.com/roboricindustries/razzler/pkg/llm"
	"github.com/roboricindustries/razzler/pkg/metrics"
	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

const (
	cmdWhitelist = "!whitelist"
	cmdBlacklist = "!blacklist"
)

// Directory resolves where responses to a message go.
type Directory interface {
	ConversationKey(msg *signal.IncomingMessage) (string, error)
}

type Options struct {
	Name string
	// Numbers or uuids allowed to change the whitelist
	Admins []string
}

type Brain struct {
	registry  *commands.Registry
	deps      *commands.Deps
	dir       Directory
	whitelist *Whitelist
	pub       pubsub.Publisher
	admins    map[string]bool
	name      string
	log       *slog.Logger
	decode    func(context.Context, amqp.Delivery) error
}

func New(reg *commands.Registry, deps *commands.Deps, dir Directory, wl *Whitelist, pub pubsub.Publisher, opts Options, logger *slog.Logger) *Brain {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "brain"
	}
	admins := make(map[string]bool, len(opts.Admins))
	for _, a := range opts.Admins {
		if a != "" {
			admins[a] = true
		}
	}
	b := &Brain{
		registry:  reg,
		deps:      deps,
		dir:       dir,
		whitelist: wl,
		pub:       pub,
		admins:    admins,
		name:      opts.Name,
		log:       logger.With(slog.String("unit", opts.Name)),
	}
	b.decode = pubsub.JSONHandler(b.handle)
	return b
}

// Spec is the consumer registration for the inbound queue.
func (b *Brain) Spec() pubsub.ConsumerSpec {
	return pubsub.ConsumerSpec{
		Name:     b.name,
		Queue:    common.IncomingMessages.Queue,
		Prefetch: 1,
		Consume:  b.consume,
	}
}

// Run serves the inbound queue until ctx ends.
func (b *Brain) Run(ctx context.Context, broker pubsub.ConsumerRunner) error {
	return broker.RunWithConsumers(ctx, b.Spec())
}

func (b *Brain) consume(ctx context.Context, d amqp.Delivery) error {
	err := b.decode(ctx, d)
	if errors.Is(err, pubsub.ErrPoison) {
		metrics.BrainMessages.WithLabelValues(metrics.ResultRejected).Inc()
		b.log.Error("undecodable inbound record", slog.String("message_id", d.MessageId), slog.Any("error", err))
	}
	return err
}

func (b *Brain) handle(ctx context.Context, d amqp.Delivery, msg *signal.IncomingMessage) error {
	cause := common.Meta{ID: d.MessageId, CorrelationID: d.CorrelationId}
	err := b.Process(ctx, msg, cause)
	if err != nil {
		b.log.Error("message processing failed",
			slog.String("message_id", d.MessageId), slog.Int64("timestamp", msg.Timestamp()), slog.Any("error", err))
	}
	return err
}

// Process runs one inbound message through the whitelist and the handlers.
// Responses are published as they are emitted; a revised message replaces
// its original in history and is what later handlers see. A handler error
// ends the turn and is marked not to be retried.
func (b *Brain) Process(ctx context.Context, msg *signal.IncomingMessage, cause common.Meta) error {
	if msg.Data() == nil {
		metrics.BrainMessages.WithLabelValues(metrics.ResultIgnored).Inc()
		return nil
	}
	conv, err := b.dir.ConversationKey(msg)
	if err != nil {
		metrics.BrainMessages.WithLabelValues(metrics.ResultError).Inc()
		return pubsub.NoRetry(fmt.Errorf("conversation key: %w", err))
	}
	log := b.log.With(slog.String("conversation", conv), slog.Int64("timestamp", msg.Timestamp()))

	allowed, err := b.admit(ctx, msg, conv, cause)
	if err != nil {
		metrics.BrainMessages.WithLabelValues(metrics.ResultError).Inc()
		return err
	}
	if !allowed {
		log.Info("skipping message from group not whitelisted", slog.String("group_id", msg.GroupID()))
		metrics.BrainMessages.WithLabelValues(metrics.ResultIgnored).Inc()
		return nil
	}

	spender := pubsub.FirstNonEmpty(msg.Envelope.SourceUUID, msg.Envelope.SourceNumber)
	ctx = llm.WithSpender(ctx, spender)
	env := &commands.Env{Deps: b.deps, Conversation: conv}

	current := msg
	emit := func(rec signal.Record) error {
		if revised, ok := rec.(*signal.IncomingMessage); ok {
			if err := b.deps.History.Replace(ctx, conv, revised.Timestamp(), revised); err != nil {
				return err
			}
			current = revised
			return nil
		}
		return b.publish(ctx, rec, cause)
	}

	for _, h := range b.registry.Handlers() {
		if !h.CanHandle(ctx, current, env) {
			continue
		}
		log.Info("handling message", slog.String("handler", h.Name()))
		err := h.Handle(ctx, current, env, emit)
		metrics.HandlerRuns.WithLabelValues(h.Name(), metrics.Result(err)).Inc()
		if err != nil {
			metrics.BrainMessages.WithLabelValues(metrics.ResultError).Inc()
			return pubsub.NoRetry(fmt.Errorf("handler %s: %w", h.Name(), err))
		}
	}
	metrics.BrainMessages.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}

// admit decides whether msg may be handled. Direct messages always pass.
// Admin control messages change the whitelist and are acknowledged.
func (b *Brain) admit(ctx context.Context, msg *signal.IncomingMessage, conv string, cause common.Meta) (bool, error) {
	if !msg.IsGroup() {
		return true, nil
	}
	gid := msg.GroupID()

	cmd := strings.TrimSpace(msg.Text())
	if (cmd != cmdWhitelist && cmd != cmdBlacklist) || !b.isAdmin(msg) {
		return b.whitelist.Contains(ctx, gid)
	}

	var err error
	if cmd == cmdWhitelist {
		b.log.Info("whitelisting group", slog.String("group_id", gid))
		err = b.whitelist.Add(ctx, gid)
	} else {
		b.log.Info("blacklisting group", slog.String("group_id", gid))
		err = b.whitelist.Remove(ctx, gid)
	}
	if err != nil {
		return false, err
	}
	if err := b.publish(ctx, signal.NewReaction(conv, "👍", msg), cause); err != nil {
		return false, err
	}
	return cmd == cmdWhitelist, nil
}

func (b *Brain) isAdmin(msg *signal.IncomingMessage) bool {
	e := msg.Envelope
	return (e.SourceNumber != "" && b.admins[e.SourceNumber]) || (e.SourceUUID != "" && b.admins[e.SourceUUID])
}

func (b *Brain) publish(ctx context.Context, rec signal.Record, cause common.Meta) error {
	meta := common.NewMeta(common.OutgoingMessages.Type, b.name).Caused(cause)
	if err := pubsub.PublishJSON(ctx, b.pub, common.OutgoingMessages.Queue, meta, rec); err != nil {
		return fmt.Errorf("publish %s: %w", rec.Kind(), err)
	}
	return nil
}
