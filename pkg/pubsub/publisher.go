package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
)

// Publisher puts a record on a durable queue. Publish returns once the
// broker has confirmed the message.
type Publisher interface {
	Publish(ctx context.Context, queue string, meta common.Meta, body []byte) error
}

// ErrNacked is returned when the broker refuses a published message.
var ErrNacked = errors.New("publish nacked by broker")

// PublishJSON marshals v and publishes it with p.
func PublishJSON(ctx context.Context, p Publisher, queue string, meta common.Meta, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", meta.Type, err)
	}
	return p.Publish(ctx, queue, meta, body)
}

// Publish sends body to queue through the default exchange with persistent
// delivery and waits for the publisher confirm.
func (c *Client) Publish(ctx context.Context, queue string, meta common.Meta, body []byte) error {
	if queue == "" {
		return fmt.Errorf("queue is required")
	}
	if meta.ID == "" {
		return fmt.Errorf("meta.ID is required")
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = meta.ID // fallback to ID if no correlation
	}
	if meta.Time.IsZero() {
		meta.Time = time.Now().UTC()
	}

	_, pool := c.current()
	ch, err := pool.Borrow(ctx, c.config.PoolRetryDelayMs)
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     meta.ID,
		CorrelationId: meta.CorrelationID,
		Type:          meta.Type,
		Timestamp:     meta.Time,
		AppId:         FirstNonEmpty(meta.Producer, c.config.AppID),
	})
	if err != nil {
		pool.Discard(ch)
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		pool.Discard(ch)
		return fmt.Errorf("await confirm from %s: %w", queue, err)
	}
	pool.Return(ch)
	if !ok {
		return fmt.Errorf("%s: %w", queue, ErrNacked)
	}
	return nil
}
