package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// -----------------------------------------------------------------------------
// Consumer model (generic, supervised)
// -----------------------------------------------------------------------------

// ConsumerSpec defines a single consumer.
type ConsumerSpec struct {
	Name     string
	Queue    string
	Prefetch int // 0 => use global default

	Consume func(ctx context.Context, d amqp.Delivery) error
}

var (
	// ErrPoison indicates non-retriable "bad content" (e.g., JSON decode fail).
	// The delivery is acked and dropped.
	ErrPoison = errors.New("poison message")
	// ErrNoRetry indicates processing failed part way. The delivery is
	// rejected without requeue so the same work is not replayed.
	ErrNoRetry = errors.New("processing failed, not retried")
)

// NoRetry marks err so the delivery is rejected without requeue.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNoRetry, err)
}

// JSONHandler wraps a typed handler and turns JSON decode failure into
// ErrPoison. The delivery is passed along for its properties.
func JSONHandler[T any](h func(context.Context, amqp.Delivery, *T) error) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) error {
		v := new(T)
		if err := json.Unmarshal(d.Body, v); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return h(ctx, d, v)
	}
}

// Disposition is what happens to a delivery once Consume returned.
type Disposition int

const (
	Ack Disposition = iota
	Reject
	Requeue
)

// Dispose maps a Consume result onto the broker action.
func Dispose(err error) Disposition {
	switch {
	case err == nil, errors.Is(err, ErrPoison):
		return Ack
	case errors.Is(err, ErrNoRetry):
		return Reject
	default:
		return Requeue
	}
}

// ConsumerRunner runs supervised consumers until ctx ends.
type ConsumerRunner interface {
	RunWithConsumers(ctx context.Context, specs ...ConsumerSpec) error
}

func (c *Client) RunWithConsumers(ctx context.Context, specs ...ConsumerSpec) error {
	c.consumerClosed = make(chan string, len(specs)*2)
	c.consumerSpecs = make(map[string]ConsumerSpec, len(specs))

	for _, s := range specs {
		if _, dup := c.consumerSpecs[s.Name]; dup {
			return fmt.Errorf("duplicate consumer name %q", s.Name)
		}
		c.consumerSpecs[s.Name] = s
		if err := c.startConsumer(ctx, s); err != nil {
			return fmt.Errorf("start %s: %w", s.Name, err)
		}
	}

	conn, _ := c.current()
	errCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	base := Dsec(c.config.ReconnectBackoffBaseSeconds, 1)
	capd := Dsec(c.config.ReconnectBackoffCapSeconds, 30)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case name := <-c.consumerClosed:
			if s, ok := c.consumerSpecs[name]; ok {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error("restart consumer failed", slog.String("name", name), slog.Any("error", err))
				}
			}

		case err, ok := <-errCh:
			if !ok {
				err = &amqp.Error{Reason: "connection closed"}
			}
			c.logger.Error("amqp connection closed, reconnecting", slog.Any("error", err))
			backoff := base
			for {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if rerr := c.reconnect(ctx); rerr != nil {
					wait := JitteredDelay(backoff, capd, c.config.ReconnectJitterPercent)
					c.logger.Error("reconnect failed", slog.Any("error", rerr), slog.Duration("retry_in", wait))
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(wait):
					}
					if backoff*2 < capd {
						backoff *= 2
					}
					continue
				}

				// success → restart all consumers on new conn
				for _, s := range c.consumerSpecs {
					if err := c.startConsumer(ctx, s); err != nil {
						c.logger.Error("restart consumer after reconnect failed", slog.String("name", s.Name), slog.Any("error", err))
					}
				}
				conn, _ = c.current()
				errCh = conn.NotifyClose(make(chan *amqp.Error, 1))
				break
			}
		}
	}
}

// startConsumer declares the queue and runs the delivery loop.
func (c *Client) startConsumer(ctx context.Context, spec ConsumerSpec) error {
	conn, _ := c.current()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	pf := spec.Prefetch
	if pf <= 0 {
		pf = c.config.ConsumerPrefetch
		if pf <= 0 {
			pf = 1
		}
	}
	if err := ch.Qos(pf, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}

	msgs, err := ch.Consume(spec.Queue, spec.Name, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	log := c.logger.With(slog.String("consumer", spec.Name), slog.String("queue", spec.Queue))

	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return

			case <-closeCh:
				// best-effort drain pending deliveries to requeue faster
				for {
					select {
					case d, ok := <-msgs:
						if !ok {
							goto drained
						}
						_ = d.Nack(false, true)
					default:
						goto drained
					}
				}
			drained:
				select {
				case c.consumerClosed <- spec.Name:
				default:
				}
				_ = ch.Close()
				return

			case d, ok := <-msgs:
				if !ok {
					_ = ch.Close()
					return
				}

				err := spec.Consume(ctx, d)
				switch Dispose(err) {
				case Ack:
					if err != nil {
						log.Warn("dropping poison message", slog.String("message_id", d.MessageId), slog.Any("error", err))
					}
					_ = d.Ack(false)
				case Reject:
					log.Error("message failed, rejecting", slog.String("message_id", d.MessageId), slog.Any("error", err))
					_ = d.Nack(false, false)
				default:
					log.Error("message failed, requeueing", slog.String("message_id", d.MessageId), slog.Any("error", err))
					_ = d.Nack(false, true)
				}
			}
		}
	}()

	log.Info("consumer started", slog.Int("prefetch", pf))
	return nil
}
