package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

type Client struct {
	mu     sync.RWMutex
	conn   *amqp.Connection
	pool   *ChannelPool
	config RabbitMQConfig
	logger *slog.Logger

	consumerWG     sync.WaitGroup
	consumerClosed chan string
	consumerSpecs  map[string]ConsumerSpec
}

func (c *Client) Config() RabbitMQConfig { return c.config }

func NewClient(ctx context.Context, config RabbitMQConfig, logger *slog.Logger) (*Client, error) {
	const op = "rabbitmq.NewClient"

	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	u, _ := url.Parse(config.URL)
	host := ""
	if u != nil {
		host = u.Host
	}
	logger.With("op", op).Info("connecting to rabbitmq", slog.String("host", host))

	// amqp has no ctx on dial; bound the whole retry loop instead
	timeoutSec := config.ConnTimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client := &Client{
		config: config,
		logger: logger,
	}
	conn, err := client.dial(dialCtx)
	if err != nil {
		logger.With("op", op).Error("dial failed", slog.Any("error", err))
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	if err := client.declareQueues(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	pool, err := NewChannelPool(conn, config.PublishPoolSize, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create channel pool: %w", err)
	}
	client.conn = conn
	client.pool = pool

	logger.With("op", op).Info("client ready", slog.Any("queues", config.Queues))
	return client, nil
}

func (c *Client) dial(ctx context.Context) (*amqp.Connection, error) {
	if c.config.Dialer != nil {
		return c.config.Dialer(ctx, c.config.URL)
	}
	return DialWithRetry(ctx, ConnectionOptions{
		URL:           c.config.URL,
		RetryAttempts: c.config.DialAttempts,
		Delay:         Dsec(c.config.ReconnectBackoffBaseSeconds, 1),
		Logger:        c.logger,
	})
}

// declareQueues declares every configured queue as durable on a throwaway
// channel. Records are published on the default exchange with the queue name
// as routing key, so no exchanges or bindings are needed.
func (c *Client) declareQueues(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	for _, q := range c.config.Queues {
		if q == "" {
			continue
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", q, err)
		}
	}
	return nil
}

func (c *Client) current() (*amqp.Connection, *ChannelPool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.pool
}

// Close stops consumers, closes pool and connection.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.consumerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	conn, pool := c.current()
	if pool != nil {
		pool.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Reconnect the whole stack and re-declare queues.
func (c *Client) reconnect(ctx context.Context) error {
	const op = "rabbitmq.reconnect"

	oldConn, oldPool := c.current()
	if oldPool != nil {
		oldPool.Close()
	}
	if oldConn != nil && !oldConn.IsClosed() {
		_ = oldConn.Close()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := c.declareQueues(conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare queues: %w", err)
	}
	pool, err := NewChannelPool(conn, c.config.PublishPoolSize, true)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("new pool: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pool = pool
	c.mu.Unlock()
	c.logger.With("op", op).Info("reconnected")
	return nil
}
