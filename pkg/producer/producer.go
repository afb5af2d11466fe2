// Package producer relays outbound queue records to the gateway.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/roboricindustries/razzler/pkg/history"
	"github.com/roboricindustries/razzler/pkg/metrics"
	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

// Gateway is the send side of the gateway client.
type Gateway interface {
	Send(ctx context.Context, recipient, message string, base64Attachments []string) error
	React(ctx context.Context, recipient, emoji, targetAuthor string, timestamp int64, remove bool) error
	StartTyping(ctx context.Context, recipient string) error
	StopTyping(ctx context.Context, recipient string) error
}

type Options struct {
	Name string
	// Sends per second towards the gateway; 0 disables throttling
	Rate  float64
	Burst int
}

type Producer struct {
	gw      Gateway
	hist    *history.Store
	limiter *rate.Limiter
	name    string
	log     *slog.Logger
}

func New(gw Gateway, hist *history.Store, opts Options, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "producer"
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return &Producer{
		gw:      gw,
		hist:    hist,
		limiter: limiter,
		name:    opts.Name,
		log:     logger.With(slog.String("unit", opts.Name)),
	}
}

// Spec is the consumer registration for the outbound queue.
func (p *Producer) Spec() pubsub.ConsumerSpec {
	return pubsub.ConsumerSpec{
		Name:     p.name,
		Queue:    common.OutgoingMessages.Queue,
		Prefetch: 1,
		Consume:  p.consume,
	}
}

// Run serves the outbound queue until ctx ends.
func (p *Producer) Run(ctx context.Context, broker pubsub.ConsumerRunner) error {
	return broker.RunWithConsumers(ctx, p.Spec())
}

func (p *Producer) consume(ctx context.Context, d amqp.Delivery) error {
	rec, err := signal.DecodeOutbound(d.Body)
	if err != nil {
		metrics.ProducerDeliveries.WithLabelValues("unknown", metrics.ResultRejected).Inc()
		p.log.Error("undecodable outbound record", slog.String("message_id", d.MessageId), slog.Any("error", err))
		return pubsub.ErrPoison
	}
	err = p.Deliver(ctx, rec)
	metrics.ProducerDeliveries.WithLabelValues(string(rec.Kind()), metrics.Result(err)).Inc()
	if err != nil {
		// no outbound retry: a failed send is logged and acked
		p.log.Error("delivery failed", slog.String("kind", string(rec.Kind())), slog.String("message_id", d.MessageId), slog.Any("error", err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

type validator interface{ Validate() error }

// Deliver sends one outbound record. A sent OutgoingMessage is mirrored into
// the recipient's history.
func (p *Producer) Deliver(ctx context.Context, rec signal.Record) error {
	if v, ok := rec.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	switch r := rec.(type) {
	case *signal.OutgoingMessage:
		p.log.Info("sending message", slog.String("recipient", r.Recipient), slog.Int("attachments", len(r.Base64Attachments)))
		if err := p.gw.Send(ctx, r.Recipient, r.Message, r.Base64Attachments); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		// history keeps what was said, not the image bytes
		mirror := &signal.OutgoingMessage{Recipient: r.Recipient, Message: r.Message}
		if err := p.hist.Append(ctx, r.Recipient, mirror); err != nil {
			p.log.Error("mirror to history failed", slog.String("recipient", r.Recipient), slog.Any("error", err))
		}
		return nil
	case *signal.OutgoingReaction:
		p.log.Info("sending reaction", slog.String("recipient", r.Recipient), slog.String("reaction", r.Reaction))
		if err := p.gw.React(ctx, r.Recipient, r.Reaction, r.TargetUUID, r.Timestamp, r.IsRemove); err != nil {
			return fmt.Errorf("react: %w", err)
		}
		return nil
	case *signal.OutgoingTyping:
		var err error
		if r.Typing == signal.TypingStart {
			err = p.gw.StartTyping(ctx, r.Recipient)
		} else {
			err = p.gw.StopTyping(ctx, r.Recipient)
		}
		if err != nil {
			return fmt.Errorf("typing %s: %w", r.Typing, err)
		}
		return nil
	}
	return errors.New("unsupported outbound record " + string(rec.Kind()))
}
